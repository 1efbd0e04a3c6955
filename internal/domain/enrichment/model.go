// Package enrichment derives human-facing summary fields from a structured
// record. An Inferrer does the analysis; the Enricher wraps it with input
// validation, a timeout race, bounded retry with exponential backoff, and
// truncation of free-text output.
package enrichment

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/belrose/recordintake/internal/platform/fhir"
)

// Field length bounds applied to every result before it is stored.
const (
	MaxTitleLength   = 120
	MaxSummaryLength = 500
	MaxNameLength    = 200
)

var (
	// ErrMalformedInput and ErrInsufficientData are never retried.
	ErrMalformedInput   = errors.New("record is not a structured object")
	ErrInsufficientData = errors.New("record has too little data to summarise")
	ErrTimeout          = errors.New("enrichment timed out")
)

// Fields is the summary metadata attached to an item.
type Fields struct {
	VisitType   string `json:"visitType"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Date        string `json:"date,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Institution string `json:"institution,omitempty"`
}

// Context carries what the caller knows about the item besides the record.
type Context struct {
	ItemID   string `json:"itemId"`
	FileName string `json:"fileName,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Inferrer produces summary fields for a record.
type Inferrer interface {
	Infer(ctx context.Context, record fhir.Resource, ec Context) (*Fields, error)
}

// Retryable reports whether an inference error may succeed on a new attempt.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMalformedInput), errors.Is(err, ErrInsufficientData):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func (f *Fields) truncate() {
	f.Title = truncate(f.Title, MaxTitleLength)
	f.Summary = truncate(f.Summary, MaxSummaryLength)
	f.Provider = truncate(f.Provider, MaxNameLength)
	f.Institution = truncate(f.Institution, MaxNameLength)
	f.VisitType = truncate(f.VisitType, MaxNameLength)
}

// fillFrom copies non-empty fields of other into blank fields of f.
func (f *Fields) fillFrom(other *Fields) {
	if other == nil {
		return
	}
	if f.VisitType == "" {
		f.VisitType = other.VisitType
	}
	if f.Title == "" {
		f.Title = other.Title
	}
	if f.Summary == "" {
		f.Summary = other.Summary
	}
	if f.Date == "" {
		f.Date = other.Date
	}
	if f.Provider == "" {
		f.Provider = other.Provider
	}
	if f.Institution == "" {
		f.Institution = other.Institution
	}
}
