package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// imageConfidence is reported for OCR results when the service does not
// return its own estimate.
const imageConfidence = 0.6

const maxResponseSize = 16 << 20

// RemoteExtractor calls an external extraction service. The service accepts
// the raw document body and answers with
// {"text": ..., "wordCount": ..., "success": bool, "error": ..., "confidence": ..., "pages": ...}.
type RemoteExtractor struct {
	baseURL string
	client  *http.Client
}

// NewRemoteExtractor creates a client for the service at baseURL.
func NewRemoteExtractor(baseURL string, timeout time.Duration) *RemoteExtractor {
	return &RemoteExtractor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type remoteResponse struct {
	Text       string   `json:"text"`
	WordCount  int      `json:"wordCount"`
	Success    bool     `json:"success"`
	Error      string   `json:"error"`
	Confidence *float64 `json:"confidence"`
	Pages      int      `json:"pages"`
}

func (e *RemoteExtractor) Extract(ctx context.Context, doc Document) (*Result, error) {
	format := Detect(doc)
	endpoint := fmt.Sprintf("%s/extract?format=%s", e.baseURL, format)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(doc.Data))
	if err != nil {
		return nil, errors.Wrap(err, "build extraction request")
	}
	ct := doc.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Filename", doc.Name)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call extraction service")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read extraction response")
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Newf("extraction service returned HTTP %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, "decode extraction response")
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "extraction failed"
		}
		return nil, errors.WithHint(errors.Newf("extraction service: %s", msg), "try a clearer scan or a different file format")
	}

	res := newResult(out.Text, format, 0.9)
	if format == FormatImage {
		res.Confidence = imageConfidence
	}
	if out.Confidence != nil {
		res.Confidence = *out.Confidence
	}
	if out.WordCount > 0 {
		res.WordCount = out.WordCount
	}
	res.Pages = out.Pages
	return res, nil
}
