package intake

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/belrose/recordintake/internal/domain/anchoring"
	"github.com/belrose/recordintake/internal/domain/enrichment"
	"github.com/belrose/recordintake/internal/platform/fhir"
)

// SourceKind says how an item's content arrived and whether it needs
// extraction.
type SourceKind string

const (
	SourceBinary     SourceKind = "uploaded-binary"
	SourceText       SourceKind = "plain-text"
	SourceStructured SourceKind = "structured-json"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusExtracted  Status = "extracted"
	StatusConverting Status = "converting"
	StatusConverted  Status = "converted"
	StatusEnriching  Status = "enriching"
	StatusAnchoring  Status = "anchoring"
	StatusCompleted  Status = "completed"

	StatusExtractionError  Status = "extraction_error"
	StatusConversionError  Status = "conversion_error"
	StatusPersistenceError Status = "persistence_error"
	StatusBlocked          Status = "blocked"
)

// forward lists the non-error edges of the pipeline graph.
var forward = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusExtracted, StatusConverting, StatusConverted},
	StatusExtracted:  {StatusConverting, StatusCompleted},
	StatusConverting: {StatusConverted, StatusCompleted},
	StatusConverted:  {StatusEnriching, StatusAnchoring, StatusCompleted},
	StatusEnriching:  {StatusAnchoring, StatusCompleted},
	StatusAnchoring:  {StatusCompleted},
}

// IsError reports whether s is one of the terminal error substates.
func (s Status) IsError() bool {
	switch s {
	case StatusExtractionError, StatusConversionError, StatusPersistenceError, StatusBlocked:
		return true
	}
	return false
}

// IsTerminal reports whether the pipeline has stopped for the item.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s.IsError()
}

// InProgress reports whether the item is between pending and a terminal
// state.
func (s Status) InProgress() bool {
	return s != StatusPending && !s.IsTerminal()
}

// CanTransition reports whether from -> to is an edge of the pipeline graph.
// Resetting to pending is not a transition; only Retry does that.
func CanTransition(from, to Status) bool {
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	if to.IsError() {
		if from == StatusCompleted {
			return to == StatusPersistenceError
		}
		return !from.IsError()
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid status transition")

type BlockReason string

const (
	BlockCurrentlyLocked    BlockReason = "currently-locked"
	BlockMaxAttempts        BlockReason = "max-attempts"
	BlockDuplicateSignature BlockReason = "duplicate-signature"
)

// Block explains why an item was not allowed into the pipeline.
type Block struct {
	Reason    BlockReason `json:"reason"`
	BlockedBy string      `json:"blockedBy,omitempty"`
	Retryable bool        `json:"retryable"`
}

// ItemError is the last hard failure of an item.
type ItemError struct {
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	Hint      string    `json:"hint,omitempty"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// SoftIssue records an optional step that failed without stopping the item.
type SoftIssue struct {
	Step    string    `json:"step"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Item is one unit of ingested content.
type Item struct {
	ID          string     `json:"id"`
	SourceKind  SourceKind `json:"sourceKind"`
	FileName    string     `json:"fileName,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
	Size        int64      `json:"size"`
	ModifiedAt  *time.Time `json:"modifiedAt,omitempty"`

	Status       Status `json:"status"`
	AttemptCount int    `json:"attemptCount"`
	Fingerprint  string `json:"contentFingerprint"`

	ExtractedText string                 `json:"extractedText,omitempty"`
	WordCount     int                    `json:"wordCount"`
	Format        string                 `json:"format,omitempty"`
	Confidence    float64                `json:"confidence,omitempty"`
	Structured    fhir.Resource          `json:"structuredRecord,omitempty"`
	Validation    *fhir.ValidationReport `json:"validation,omitempty"`
	Enrichment    *enrichment.Fields     `json:"enrichedFields,omitempty"`
	Anchor        *anchoring.Anchor      `json:"anchorRecord,omitempty"`

	PersistedID string     `json:"persistedId,omitempty"`
	ExternalRef string     `json:"externalRef,omitempty"`
	SavedAt     *time.Time `json:"savedAt,omitempty"`

	Error      *ItemError   `json:"error,omitempty"`
	Block      *Block       `json:"block,omitempty"`
	SoftIssues []SoftIssue  `json:"softIssues,omitempty"`
	History    []Transition `json:"history"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// raw input; never serialised
	content []byte
	text    string
}

func (it *Item) transition(to Status, now time.Time) error {
	if !CanTransition(it.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", it.Status, to)
	}
	it.History = append(it.History, Transition{From: it.Status, To: to, At: now})
	it.Status = to
	it.UpdatedAt = now
	return nil
}

func (it *Item) fail(status Status, step string, err error, now time.Time) error {
	if terr := it.transition(status, now); terr != nil {
		return terr
	}
	it.Error = &ItemError{
		Step:      step,
		Message:   err.Error(),
		Hint:      joinHints(err),
		Retryable: true,
		At:        now,
	}
	return nil
}

func (it *Item) soft(issue SoftIssue) {
	it.SoftIssues = append(it.SoftIssues, issue)
	it.UpdatedAt = issue.At
}

// reset discards everything a previous attempt produced. The attempt count
// and the raw input survive.
func (it *Item) reset(now time.Time) {
	it.History = append(it.History, Transition{From: it.Status, To: StatusPending, At: now})
	it.Status = StatusPending
	if it.SourceKind == SourceBinary {
		it.ExtractedText = ""
		it.WordCount = 0
		it.Format = ""
		it.Confidence = 0
	}
	it.Structured = nil
	it.Validation = nil
	it.Enrichment = nil
	it.Anchor = nil
	it.Error = nil
	it.Block = nil
	it.SoftIssues = nil
	it.UpdatedAt = now
}

// snapshot returns a copy safe to hand out of the session lock.
func (it *Item) snapshot() *Item {
	c := *it
	c.SoftIssues = append([]SoftIssue(nil), it.SoftIssues...)
	c.History = append([]Transition(nil), it.History...)
	if it.Error != nil {
		e := *it.Error
		c.Error = &e
	}
	if it.Block != nil {
		b := *it.Block
		c.Block = &b
	}
	c.content = nil
	return &c
}

func joinHints(err error) string {
	hints := errors.GetAllHints(err)
	if len(hints) == 0 {
		return ""
	}
	out := hints[0]
	for _, h := range hints[1:] {
		out += "; " + h
	}
	return out
}
