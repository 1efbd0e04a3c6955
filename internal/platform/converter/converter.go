// Package converter turns free text into a FHIR Bundle.
package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/belrose/recordintake/internal/platform/fhir"
)

var (
	ErrEmptyText         = errors.New("no text to convert")
	ErrMalformedResponse = errors.New("conversion service returned a malformed record")
	ErrMalformedRecord   = errors.New("structured record is not a JSON object")
)

// Converter produces a structured record from text.
type Converter interface {
	Convert(ctx context.Context, text string) (fhir.Resource, error)
}

const maxResponseSize = 16 << 20

// HTTPConverter delegates conversion to an external transformation service.
type HTTPConverter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPConverter creates a client for the service at baseURL.
func NewHTTPConverter(baseURL string, timeout time.Duration) *HTTPConverter {
	return &HTTPConverter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type convertRequest struct {
	Text string `json:"text"`
}

// Convert posts the text and expects either a bare Bundle or an object
// wrapping it under "bundle". Non-2xx answers and anything that does not
// decode to an object with a resourceType are errors.
func (c *HTTPConverter) Convert(ctx context.Context, text string) (fhir.Resource, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	payload, err := json.Marshal(convertRequest{Text: text})
	if err != nil {
		return nil, errors.Wrap(err, "encode conversion request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convert", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build conversion request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call conversion service")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read conversion response")
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Newf("conversion service returned HTTP %d", resp.StatusCode)
	}

	var out fhir.Resource
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode conversion response"), ErrMalformedResponse)
	}
	if inner, ok := out["bundle"].(map[string]interface{}); ok {
		out = inner
	}
	if fhir.ResourceType(out) == "" {
		return nil, errors.WithDetail(ErrMalformedResponse, "response has no resourceType")
	}
	return out, nil
}

// Decode parses hand-authored structured input. Anything other than a JSON
// object is rejected.
func Decode(data []byte) (fhir.Resource, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrMalformedRecord
	}
	var out fhir.Resource
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode structured record"), ErrMalformedRecord)
	}
	return out, nil
}
