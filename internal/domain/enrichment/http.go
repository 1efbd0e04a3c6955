package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/belrose/recordintake/internal/platform/fhir"
)

// HTTPInferrer calls an external inference service. Outgoing requests are
// paced by a token bucket so a burst of items cannot flood the service.
type HTTPInferrer struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPInferrer creates an inferrer for baseURL. rps <= 0 disables pacing.
func NewHTTPInferrer(baseURL string, timeout time.Duration, rps float64) *HTTPInferrer {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &HTTPInferrer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type inferRequest struct {
	Record  fhir.Resource `json:"record"`
	Context Context       `json:"context"`
}

func (h *HTTPInferrer) Infer(ctx context.Context, record fhir.Resource, ec Context) (*Fields, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for inference rate limit")
	}

	body, err := json.Marshal(inferRequest{Record: record, Context: ec})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "encoding inference request"), ErrMalformedInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building inference request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling inference service")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "reading inference response")
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, errors.WithDetail(ErrMalformedInput, string(raw))
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, errors.WithDetail(ErrInsufficientData, string(raw))
	case resp.StatusCode >= 300:
		return nil, errors.Newf("inference service returned %d", resp.StatusCode)
	}

	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "decoding inference response")
	}
	return &f, nil
}
