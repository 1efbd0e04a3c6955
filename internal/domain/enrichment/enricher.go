package enrichment

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/belrose/recordintake/internal/platform/fhir"
	"github.com/belrose/recordintake/internal/platform/metrics"
	"github.com/belrose/recordintake/pkg/fhirmodels"
)

// Options tunes an Enricher. Zero values fall back to the defaults below.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
)

// Enricher runs an Inferrer with a per-attempt timeout and retries, and fills
// anything the inferrer left blank from the heuristic analyzer.
type Enricher struct {
	inferrer  Inferrer
	heuristic HeuristicAnalyzer
	opts      Options
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewEnricher creates an Enricher. A nil inferrer uses the heuristic analyzer
// alone.
func NewEnricher(inferrer Inferrer, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Enricher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if inferrer == nil {
		inferrer = HeuristicAnalyzer{}
	}
	return &Enricher{
		inferrer: inferrer,
		opts:     opts,
		logger:   logger.With().Str("component", "enrichment").Logger(),
		metrics:  m,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enrich returns summary fields for record. The returned error is the last
// attempt's error when every attempt failed.
func (e *Enricher) Enrich(ctx context.Context, record fhir.Resource, ec Context) (*Fields, error) {
	if record == nil {
		return nil, ErrMalformedInput
	}
	if rt := fhir.ResourceType(record); rt != fhirmodels.ResourceBundle {
		e.logger.Warn().Str("item_id", ec.ItemID).Str("resource_type", rt).Msg("enriching a record that is not a Bundle")
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.opts.Backoff * time.Duration(1<<(attempt-2))
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		fields, err := e.attempt(ctx, record, ec)
		if err == nil {
			e.metrics.EnrichAttempt("success")
			e.complete(ctx, fields, record, ec)
			return fields, nil
		}
		lastErr = err
		e.metrics.EnrichAttempt("failure")
		e.logger.Warn().Err(err).Str("item_id", ec.ItemID).Int("attempt", attempt).Msg("enrichment attempt failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !Retryable(err) {
			break
		}
	}
	return nil, errors.WithHint(lastErr, "enrichment can be retried once the inference service is reachable")
}

// attempt races one inference call against the per-attempt timeout. The call
// goroutine writes to a buffered channel so it never blocks after a timeout.
func (e *Enricher) attempt(ctx context.Context, record fhir.Resource, ec Context) (*Fields, error) {
	actx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type result struct {
		fields *Fields
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := e.inferrer.Infer(actx, record, ec)
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && actx.Err() != nil {
			return nil, e.timeoutErr(ctx)
		}
		if r.err == nil && r.fields == nil {
			return nil, ErrInsufficientData
		}
		return r.fields, r.err
	case <-actx.Done():
		return nil, e.timeoutErr(ctx)
	}
}

func (e *Enricher) timeoutErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrapf(ErrTimeout, "no response within %s", e.opts.Timeout)
}

func (e *Enricher) complete(ctx context.Context, f *Fields, record fhir.Resource, ec Context) {
	if _, ok := e.inferrer.(HeuristicAnalyzer); !ok {
		if fallback, err := e.heuristic.Infer(ctx, record, ec); err == nil {
			f.fillFrom(fallback)
		}
	}
	if f.VisitType == "" {
		f.VisitType = fhirmodels.VisitTypeMedicalRecord
	}
	if f.Title == "" {
		f.Title = f.VisitType
	}
	f.truncate()
}
