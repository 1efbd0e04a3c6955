package intake

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/belrose/recordintake/internal/domain/anchoring"
	"github.com/belrose/recordintake/internal/domain/enrichment"
	"github.com/belrose/recordintake/internal/platform/converter"
	"github.com/belrose/recordintake/internal/platform/extraction"
	"github.com/belrose/recordintake/internal/platform/fhir"
)

// Extractor turns uploaded binary content into text.
type Extractor interface {
	Extract(ctx context.Context, doc extraction.Document) (*extraction.Result, error)
}

// Enricher derives summary fields for a structured record.
type Enricher interface {
	Enrich(ctx context.Context, record fhir.Resource, ec enrichment.Context) (*enrichment.Fields, error)
}

// Anchorer decides on and creates tamper-evidence anchors.
type Anchorer interface {
	NeedsAnchor(subj anchoring.Subject) bool
	CreateAnchor(ctx context.Context, subj anchoring.Subject, signer anchoring.SignerInfo) (*anchoring.Anchor, error)
}

// Stages are the collaborators the pipeline calls, in order. Enricher and
// Anchorer are optional.
type Stages struct {
	Extractor Extractor
	Converter converter.Converter
	Validator *fhir.Validator
	Enricher  Enricher
	Anchorer  Anchorer
	Signer    anchoring.SignerInfo
}

// Step names used in errors, soft issues and metrics.
const (
	stepAdmission   = "admission"
	stepExtraction  = "extraction"
	stepConversion  = "conversion"
	stepEnrichment  = "enrichment"
	stepAnchoring   = "anchoring"
	stepPersistence = "persistence"
)

// stepResult is the outcome of an optional step: either a value or the
// issue recorded in its place.
type stepResult[T any] struct {
	Value T
	Issue *SoftIssue
}

// optional runs an optional step. Its error becomes a SoftIssue; the caller
// records it and carries on.
func optional[T any](step string, now func() time.Time, fn func() (T, error)) stepResult[T] {
	v, err := fn()
	if err != nil {
		return stepResult[T]{Issue: &SoftIssue{Step: step, Message: err.Error(), At: now()}}
	}
	return stepResult[T]{Value: v}
}

// execute runs one attempt of the pipeline for e. The caller holds the
// signature lock. Each external call is followed by an apply, which is a
// no-op once ctx is cancelled; execute then returns without touching the
// item again.
func (s *Service) execute(ctx context.Context, e *entry, in *Item) {
	st := s.stages
	log := s.logger.With().Str("item_id", in.ID).Int("attempt", in.AttemptCount).Logger()
	text := in.text

	// mutate applies fn and reports whether the pipeline may go on.
	mutate := func(fn func(*Item) error) bool {
		err := e.apply(ctx, fn)
		switch {
		case err == nil:
			return true
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			log.Info().Msg("item cancelled; discarding step result")
		default:
			log.Error().Err(err).Msg("item state update rejected")
		}
		return false
	}

	// Extraction.
	if in.SourceKind == SourceBinary {
		start := time.Now()
		res, err := st.Extractor.Extract(ctx, extraction.Document{
			Name:        in.FileName,
			ContentType: in.ContentType,
			Data:        in.content,
		})
		s.metrics.ObserveStage(stepExtraction, start)
		if !mutate(func(it *Item) error {
			if err != nil {
				return it.fail(StatusExtractionError, stepExtraction, err, s.now())
			}
			it.ExtractedText = res.Text
			it.WordCount = res.WordCount
			it.Format = string(res.Format)
			it.Confidence = res.Confidence
			return it.transition(StatusExtracted, s.now())
		}) {
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("extraction failed")
			s.metrics.ItemFinished(string(StatusExtractionError))
			return
		}
		text = res.Text
	}

	// Conversion and validation.
	var record fhir.Resource
	if in.SourceKind == SourceStructured {
		start := time.Now()
		decoded, err := converter.Decode(in.content)
		s.metrics.ObserveStage(stepConversion, start)
		var report *fhir.ValidationReport
		if err == nil {
			report = st.Validator.Validate(decoded)
			record = fhir.Annotate(decoded, report)
		}
		if !mutate(func(it *Item) error {
			if err != nil {
				return it.fail(StatusConversionError, stepConversion, err, s.now())
			}
			it.Structured = record
			it.Validation = report
			return it.transition(StatusConverted, s.now())
		}) {
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("structured input could not be decoded")
			s.metrics.ItemFinished(string(StatusConversionError))
			return
		}
	} else if strings.TrimSpace(text) != "" {
		if !mutate(func(it *Item) error { return it.transition(StatusConverting, s.now()) }) {
			return
		}
		start := time.Now()
		res := optional(stepConversion, s.now, func() (fhir.Resource, error) {
			return st.Converter.Convert(ctx, text)
		})
		s.metrics.ObserveStage(stepConversion, start)
		var report *fhir.ValidationReport
		if res.Issue == nil {
			report = st.Validator.Validate(res.Value)
			record = fhir.Annotate(res.Value, report)
		}
		if !mutate(func(it *Item) error {
			if res.Issue != nil {
				it.soft(*res.Issue)
				return nil
			}
			it.Structured = record
			it.Validation = report
			return it.transition(StatusConverted, s.now())
		}) {
			return
		}
		if res.Issue != nil {
			log.Warn().Str("step", stepConversion).Str("reason", res.Issue.Message).
				Msg("conversion failed; continuing without a structured record")
			s.metrics.SoftFailure(stepConversion)
		}
	}

	// Enrichment.
	if record != nil && st.Enricher != nil {
		if !mutate(func(it *Item) error { return it.transition(StatusEnriching, s.now()) }) {
			return
		}
		start := time.Now()
		res := optional(stepEnrichment, s.now, func() (*enrichment.Fields, error) {
			return st.Enricher.Enrich(ctx, record, enrichment.Context{
				ItemID:   in.ID,
				FileName: in.FileName,
				Text:     text,
			})
		})
		s.metrics.ObserveStage(stepEnrichment, start)
		if !mutate(func(it *Item) error {
			if res.Issue != nil {
				it.soft(*res.Issue)
				return nil
			}
			it.Enrichment = res.Value
			return nil
		}) {
			return
		}
		if res.Issue != nil {
			log.Warn().Str("step", stepEnrichment).Str("reason", res.Issue.Message).Msg("enrichment failed")
			s.metrics.SoftFailure(stepEnrichment)
		}
	}

	// Anchoring.
	subject := anchoring.Subject{ItemID: in.ID, Record: record, Fingerprint: in.Fingerprint}
	if record != nil && st.Anchorer != nil && st.Anchorer.NeedsAnchor(subject) {
		if !mutate(func(it *Item) error { return it.transition(StatusAnchoring, s.now()) }) {
			return
		}
		start := time.Now()
		res := optional(stepAnchoring, s.now, func() (*anchoring.Anchor, error) {
			return st.Anchorer.CreateAnchor(ctx, subject, st.Signer)
		})
		s.metrics.ObserveStage(stepAnchoring, start)
		if !mutate(func(it *Item) error {
			if res.Issue != nil {
				it.soft(*res.Issue)
				return nil
			}
			it.Anchor = res.Value
			return nil
		}) {
			return
		}
		if res.Issue != nil {
			log.Warn().Str("step", stepAnchoring).Str("reason", res.Issue.Message).Msg("anchoring failed")
			s.metrics.SoftFailure(stepAnchoring)
		}
	}

	if !mutate(func(it *Item) error { return it.transition(StatusCompleted, s.now()) }) {
		return
	}
	s.locks.MarkProcessed(in.ID)
	s.metrics.ItemFinished(string(StatusCompleted))
	log.Info().Msg("item completed")

	if s.opts.AutoSave && s.persister != nil {
		s.persist(ctx, e)
	}
}
