// Package intake admits patient-supplied content as items and drives each
// item through the ingestion pipeline: deduplication, extraction,
// conversion and validation, optional enrichment and anchoring, and
// persistence.
package intake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/remeh/sizedwaitgroup"
	"github.com/rs/zerolog"

	"github.com/belrose/recordintake/internal/domain/records"
	"github.com/belrose/recordintake/internal/platform/metrics"
)

var (
	ErrNotInitialized   = errors.New("intake service is not initialized")
	ErrItemNotFound     = errors.New("item not found")
	ErrAlreadyRunning   = errors.New("item is already being processed")
	ErrNotPending       = errors.New("item is not pending")
	ErrAlreadyPersisted = errors.New("item has already been persisted")
	ErrNotCompleted     = errors.New("item has not completed processing")
	ErrEmptyContent     = errors.New("content is empty")
	ErrTooLarge         = errors.New("content exceeds the size limit")
)

// Persister stores completed items durably.
type Persister interface {
	Save(ctx context.Context, req records.SaveRequest) (*records.SaveResult, error)
	Delete(ctx context.Context, id uuid.UUID) (*records.DeleteResult, error)
}

// Limits bound a single intake request.
type Limits struct {
	MaxCount     int
	MaxSizeBytes int64
}

// Options configure a Service.
type Options struct {
	Limits      Limits
	MaxAttempts int
	Concurrency int
	AutoSave    bool
}

// Upload is one file offered for intake.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
	ModifiedAt  *time.Time
}

// Rejection explains why an upload was not admitted.
type Rejection struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// AddResult lists the admitted item ids and the individually rejected
// uploads.
type AddResult struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Service owns the item session and runs the pipeline. It must be
// initialised with Init before use and released with Dispose.
type Service struct {
	session   *Session
	locks     *LockTable
	seen      SeenStore
	stages    Stages
	persister Persister
	opts      Options
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string

	pool sizedwaitgroup.SizedWaitGroup

	// admitMu serialises admissions so count limits see every item.
	admitMu sync.Mutex

	mu      sync.Mutex
	baseCtx context.Context
	stop    context.CancelFunc
}

// NewService wires a Service. persister may be nil, in which case items stop
// at completed and are never saved.
func NewService(stages Stages, persister Persister, seen SeenStore, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if seen == nil {
		seen = NewMemorySeenStore()
	}
	logger = logger.With().Str("component", "intake").Logger()
	return &Service{
		session:   NewSession(),
		locks:     NewLockTable(seen, opts.MaxAttempts, logger),
		seen:      seen,
		stages:    stages,
		persister: persister,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		pool:      sizedwaitgroup.New(opts.Concurrency),
	}
}

// Init makes the service ready to accept work. Runs started afterwards are
// children of ctx's values but not of its cancellation.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return nil
	}
	s.baseCtx, s.stop = context.WithCancel(context.WithoutCancel(ctx))
	s.logger.Info().Int("concurrency", s.opts.Concurrency).Bool("auto_save", s.opts.AutoSave).Msg("intake session initialised")
	return nil
}

// Dispose cancels every outstanding run, waits for them to stop and closes
// the seen store. The service cannot be used afterwards.
func (s *Service) Dispose(ctx context.Context) error {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop == nil {
		return s.seen.Close()
	}
	stop()
	for _, e := range s.session.all() {
		e.cancelRun()
	}
	waitErr := s.WaitIdle(ctx)
	closeErr := s.seen.Close()
	s.logger.Info().Msg("intake session disposed")
	return errors.CombineErrors(waitErr, closeErr)
}

func (s *Service) base() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx == nil || s.baseCtx.Err() != nil {
		return nil, ErrNotInitialized
	}
	return s.baseCtx, nil
}

func (s *Service) limits(l Limits) Limits {
	if l.MaxCount <= 0 {
		l.MaxCount = s.opts.Limits.MaxCount
	}
	if l.MaxSizeBytes <= 0 {
		l.MaxSizeBytes = s.opts.Limits.MaxSizeBytes
	}
	return l
}

func (s *Service) admit(it *Item, signature string) string {
	now := s.now()
	it.ID = s.newID()
	it.Status = StatusPending
	it.Fingerprint = signature
	it.CreatedAt, it.UpdatedAt = now, now
	it.History = []Transition{}
	s.locks.Register(it.ID, signature)
	s.session.add(it)
	s.metrics.ItemAdmitted(string(it.SourceKind))
	s.logger.Debug().Str("item_id", it.ID).Str("source_kind", string(it.SourceKind)).Str("fingerprint", signature).Msg("item admitted")
	return it.ID
}

// AddItems admits uploaded files. Uploads over the size limit, empty ones and
// those past the count limit are rejected one by one; the rest are admitted.
func (s *Service) AddItems(uploads []Upload, l Limits) (*AddResult, error) {
	if _, err := s.base(); err != nil {
		return nil, err
	}
	l = s.limits(l)
	res := &AddResult{Accepted: []string{}}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	// room < 0 means unlimited.
	room := -1
	if l.MaxCount > 0 {
		room = max(0, l.MaxCount-s.session.count())
	}

	reject := func(i int, u Upload, reason string) {
		res.Rejected = append(res.Rejected, Rejection{Index: i, Name: u.Name, Reason: reason})
		s.metrics.ItemRejected(strings.SplitN(reason, ":", 2)[0])
	}
	for i, u := range uploads {
		switch {
		case len(u.Data) == 0:
			reject(i, u, "empty: file has no content")
			continue
		case l.MaxSizeBytes > 0 && int64(len(u.Data)) > l.MaxSizeBytes:
			reject(i, u, fmt.Sprintf("too-large: %s exceeds the %s limit",
				humanize.Bytes(uint64(len(u.Data))), humanize.Bytes(uint64(l.MaxSizeBytes))))
			continue
		case room == 0:
			reject(i, u, fmt.Sprintf("too-many: at most %d items may be queued", l.MaxCount))
			continue
		}
		it := &Item{
			SourceKind:  SourceBinary,
			FileName:    u.Name,
			ContentType: u.ContentType,
			Size:        int64(len(u.Data)),
			ModifiedAt:  u.ModifiedAt,
			content:     u.Data,
		}
		res.Accepted = append(res.Accepted, s.admit(it, Fingerprint(u.Data)))
		if room > 0 {
			room--
		}
	}
	return res, nil
}

// AddText admits typed text. Extraction is skipped for it.
func (s *Service) AddText(text string) (string, error) {
	if _, err := s.base(); err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	it := &Item{
		SourceKind:    SourceText,
		ContentType:   "text/plain",
		Size:          int64(len(text)),
		ExtractedText: text,
		WordCount:     len(strings.Fields(text)),
		text:          text,
	}
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	return s.admit(it, FingerprintText(text)), nil
}

// StructuredOptions describe a hand-authored record.
type StructuredOptions struct {
	Name string
}

// AddStructuredItem admits an already-structured record. The content is
// decoded by the pipeline; malformed content ends in conversion_error.
func (s *Service) AddStructuredItem(content []byte, opts StructuredOptions) (string, error) {
	if _, err := s.base(); err != nil {
		return "", err
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return "", ErrEmptyContent
	}
	if limit := s.opts.Limits.MaxSizeBytes; limit > 0 && int64(len(content)) > limit {
		return "", errors.WithHintf(errors.Wrapf(ErrTooLarge, "record is %s", humanize.Bytes(uint64(len(content)))),
			"records larger than %s are refused", humanize.Bytes(uint64(limit)))
	}
	it := &Item{
		SourceKind:  SourceStructured,
		FileName:    opts.Name,
		ContentType: "application/fhir+json",
		Size:        int64(len(content)),
		content:     content,
	}
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	return s.admit(it, Fingerprint(content)), nil
}

// Process starts the pipeline for a pending item in the background.
func (s *Service) Process(id string) error {
	return s.start(id, false)
}

// ProcessAll starts every pending item and returns how many were started.
func (s *Service) ProcessAll() (int, error) {
	if _, err := s.base(); err != nil {
		return 0, err
	}
	started := 0
	for _, e := range s.session.all() {
		if err := s.start(e.item.ID, false); err == nil {
			started++
		}
	}
	return started, nil
}

func (s *Service) start(id string, force bool) error {
	base, err := s.base()
	if err != nil {
		return err
	}
	e := s.session.get(id)
	if e == nil {
		return ErrItemNotFound
	}

	e.mu.Lock()
	if e.run != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if e.item.Status != StatusPending {
		e.mu.Unlock()
		return ErrNotPending
	}
	ctx, cancel := context.WithCancel(base)
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.run = r
	e.mu.Unlock()

	go func() {
		defer close(r.done)
		defer func() {
			e.mu.Lock()
			if e.run == r {
				e.run = nil
			}
			e.mu.Unlock()
			cancel()
		}()
		if err := s.pool.AddWithContext(ctx); err != nil {
			return
		}
		defer s.pool.Done()
		s.runAttempt(ctx, e, force)
	}()
	return nil
}

// runAttempt claims the signature lock and, if allowed, executes the
// pipeline. The lock is released on every path.
func (s *Service) runAttempt(ctx context.Context, e *entry, force bool) {
	defer s.metrics.TrackInFlight()()

	var in *Item
	var claimed bool
	err := e.apply(ctx, func(it *Item) error {
		d := s.locks.Claim(it.ID, it.AttemptCount, force)
		if !d.Proceed {
			if err := it.transition(StatusBlocked, s.now()); err != nil {
				return err
			}
			it.Block = &Block{Reason: d.Reason, BlockedBy: d.BlockedBy, Retryable: d.Retryable}
			it.Error = &ItemError{
				Step:      stepAdmission,
				Message:   blockMessage(d),
				Retryable: d.Retryable,
				At:        s.now(),
			}
			s.metrics.ItemBlocked(string(d.Reason))
			s.logger.Warn().Str("item_id", it.ID).Str("reason", string(d.Reason)).Str("blocked_by", d.BlockedBy).Msg("item blocked")
			return nil
		}
		claimed = true
		it.AttemptCount++
		if err := it.transition(StatusProcessing, s.now()); err != nil {
			return err
		}
		in = it.snapshot()
		in.content = it.content
		return nil
	})
	if claimed {
		defer s.locks.Release(in.ID)
	}
	if err != nil || in == nil {
		return
	}
	s.execute(ctx, e, in)
}

func blockMessage(d Decision) string {
	switch d.Reason {
	case BlockDuplicateSignature:
		return "identical content was already submitted as item " + d.BlockedBy
	case BlockMaxAttempts:
		return "maximum number of processing attempts reached"
	case BlockCurrentlyLocked:
		if d.BlockedBy != "" {
			return "content is currently being processed by item " + d.BlockedBy
		}
		return "item is currently being processed"
	}
	return string(d.Reason)
}

// persist saves a completed item and records the outcome on it.
func (s *Service) persist(ctx context.Context, e *entry) {
	in := func() *Item {
		e.mu.Lock()
		defer e.mu.Unlock()
		snap := e.item.snapshot()
		snap.content = e.item.content
		return snap
	}()

	start := time.Now()
	res, err := s.persister.Save(ctx, records.SaveRequest{
		ItemID:        in.ID,
		FileName:      in.FileName,
		ContentType:   in.ContentType,
		SourceKind:    string(in.SourceKind),
		Fingerprint:   in.Fingerprint,
		Content:       in.content,
		ExtractedText: in.ExtractedText,
		WordCount:     in.WordCount,
		Structured:    in.Structured,
		Validation:    in.Validation,
		Enrichment:    in.Enrichment,
		Anchor:        in.Anchor,
	})
	s.metrics.ObserveStage(stepPersistence, start)

	applyErr := e.apply(ctx, func(it *Item) error {
		switch {
		case err != nil:
			return it.fail(StatusPersistenceError, stepPersistence, err, s.now())
		case res.AlreadySaving:
			return nil
		}
		savedAt := res.SavedAt
		it.PersistedID = res.PersistedID
		it.ExternalRef = res.ExternalRef
		it.SavedAt = &savedAt
		it.Error = nil
		it.UpdatedAt = s.now()
		return nil
	})
	switch {
	case applyErr != nil:
		s.logger.Info().Str("item_id", in.ID).Msg("item cancelled during save; result not applied")
	case err != nil:
		s.metrics.ItemFinished(string(StatusPersistenceError))
		s.logger.Error().Err(err).Str("item_id", in.ID).Msg("item could not be persisted")
	case res.AlreadySaving:
		s.logger.Debug().Str("item_id", in.ID).Msg("save already in progress")
	default:
		s.logger.Info().Str("item_id", in.ID).Str("persisted_id", res.PersistedID).Int("attempts", res.Attempts).Msg("item persisted")
	}
}

// Save persists a completed item on demand and waits for the outcome.
func (s *Service) Save(ctx context.Context, id string) (*Item, error) {
	if s.persister == nil {
		return nil, errors.WithHint(errors.New("no persistence configured"), "set DATABASE_URL or use the in-memory store")
	}
	e := s.session.get(id)
	if e == nil {
		return nil, ErrItemNotFound
	}
	snap := e.snapshot()
	switch {
	case snap.PersistedID != "":
		return snap, nil
	case snap.Status != StatusCompleted:
		return nil, ErrNotCompleted
	}
	s.persist(ctx, e)
	return e.snapshot(), nil
}

// Retry resets an item and runs it again. Partial results of the previous
// attempt are discarded. force bypasses the max-attempts and duplicate
// checks.
func (s *Service) Retry(id string, force bool) error {
	e := s.session.get(id)
	if e == nil {
		return ErrItemNotFound
	}
	e.mu.Lock()
	switch {
	case e.run != nil:
		e.mu.Unlock()
		return ErrAlreadyRunning
	case e.item.PersistedID != "":
		e.mu.Unlock()
		return ErrAlreadyPersisted
	}
	if e.item.Status != StatusPending {
		e.item.reset(s.now())
	}
	e.mu.Unlock()
	s.logger.Info().Str("item_id", id).Bool("force", force).Msg("retrying item")
	return s.start(id, force)
}

// Cancel aborts an item's in-flight run. The item keeps the status it had
// when the cancellation landed.
func (s *Service) Cancel(id string) error {
	e := s.session.get(id)
	if e == nil {
		return ErrItemNotFound
	}
	if e.cancelRun() != nil {
		s.logger.Info().Str("item_id", id).Msg("item cancelled")
	}
	return nil
}

// Remove cancels and forgets an item. With deletePersisted its durable copy
// is deleted too.
func (s *Service) Remove(ctx context.Context, id string, deletePersisted bool) (*records.DeleteResult, error) {
	e := s.session.get(id)
	if e == nil {
		return nil, ErrItemNotFound
	}
	if done := e.cancelRun(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	e.removed = true
	persistedID := e.item.PersistedID
	e.mu.Unlock()

	s.locks.Forget(id)
	s.session.remove(id)

	if !deletePersisted || persistedID == "" || s.persister == nil {
		return nil, nil
	}
	pid, err := uuid.Parse(persistedID)
	if err != nil {
		return nil, errors.Wrapf(err, "persisted id %q", persistedID)
	}
	return s.persister.Delete(ctx, pid)
}

// ClearAll cancels and forgets every item. Persisted copies are kept.
func (s *Service) ClearAll(ctx context.Context) error {
	for _, e := range s.session.all() {
		e.cancelRun()
	}
	if err := s.WaitIdle(ctx); err != nil {
		return err
	}
	for _, e := range s.session.all() {
		e.mu.Lock()
		e.removed = true
		id := e.item.ID
		e.mu.Unlock()
		s.locks.Forget(id)
		s.session.remove(id)
	}
	return nil
}

// Wait blocks until the item has no run in flight.
func (s *Service) Wait(ctx context.Context, id string) (*Item, error) {
	e := s.session.get(id)
	if e == nil {
		return nil, ErrItemNotFound
	}
	if done := e.running(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.snapshot(), nil
}

// WaitIdle blocks until no item has a run in flight.
func (s *Service) WaitIdle(ctx context.Context) error {
	for {
		var pending []<-chan struct{}
		for _, e := range s.session.all() {
			if done := e.running(); done != nil {
				pending = append(pending, done)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		for _, done := range pending {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Service) Get(id string) (*Item, error) {
	e := s.session.get(id)
	if e == nil {
		return nil, ErrItemNotFound
	}
	return e.snapshot(), nil
}

// List returns snapshots of all items in admission order.
func (s *Service) List() []*Item {
	entries := s.session.all()
	out := make([]*Item, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Stats is the aggregate progress of the session.
type Stats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Processing      int     `json:"processing"`
	Completed       int     `json:"completed"`
	Errors          int     `json:"errors"`
	PercentComplete float64 `json:"percentComplete"`
}

func (s *Service) Stats() Stats {
	var st Stats
	for _, it := range s.List() {
		st.Total++
		switch {
		case it.Status == StatusPending:
			st.Pending++
		case it.Status == StatusCompleted:
			st.Completed++
		case it.Status.IsError():
			st.Errors++
		default:
			st.Processing++
		}
	}
	if st.Total > 0 {
		st.PercentComplete = float64(st.Completed) * 100 / float64(st.Total)
	}
	return st
}
