package middleware

import (
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"github.com/belrose/recordintake/internal/platform/fhir"
)

// BodyLimit rejects request bodies larger than limit, a human-readable
// size such as "25MB" or "512KiB". Unparseable limits fall back to 10MB.
//
// When the limit is exceeded the middleware returns HTTP 413 with a FHIR
// OperationOutcome body.
func BodyLimit(limit string) echo.MiddlewareFunc {
	max, err := humanize.ParseBytes(limit)
	if err != nil || max == 0 {
		max = 10 * 1000 * 1000
	}
	maxBytes := int64(max)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return payloadTooLarge(c, max)
			}
			req.Body = &limitedReadCloser{rc: req.Body, remaining: maxBytes}
			err := next(c)
			if lr, ok := req.Body.(*limitedReadCloser); ok && lr.exceeded && !c.Response().Committed {
				return payloadTooLarge(c, max)
			}
			return err
		}
	}
}

func payloadTooLarge(c echo.Context, max uint64) error {
	oo := fhir.NewOperationOutcome(fhir.IssueSeverityError, "too-long",
		"request body exceeds the maximum allowed size of "+humanize.Bytes(max))
	return c.JSON(http.StatusRequestEntityTooLarge, oo)
}

type limitedReadCloser struct {
	rc        io.ReadCloser
	remaining int64
	exceeded  bool
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// Probe one byte to tell "exactly at the limit" from "over it".
		var one [1]byte
		n, err := l.rc.Read(one[:])
		if n > 0 {
			l.exceeded = true
			return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.rc.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedReadCloser) Close() error {
	return l.rc.Close()
}
