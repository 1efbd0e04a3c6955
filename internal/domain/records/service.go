package records

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/belrose/recordintake/internal/domain/anchoring"
	"github.com/belrose/recordintake/internal/domain/enrichment"
	"github.com/belrose/recordintake/internal/platform/blobstore"
	"github.com/belrose/recordintake/internal/platform/fhir"
	"github.com/belrose/recordintake/internal/platform/metrics"
)

const (
	DefaultSaveAttempts = 3
	DefaultSaveBackoff  = time.Second
)

var ErrNoVerifier = errors.New("anchor verification is not configured")

// SaveRequest carries everything the pipeline knows about a completed item.
type SaveRequest struct {
	ItemID        string
	FileName      string
	ContentType   string
	SourceKind    string
	Fingerprint   string
	Content       []byte
	ExtractedText string
	WordCount     int
	Structured    fhir.Resource
	Validation    *fhir.ValidationReport
	Enrichment    *enrichment.Fields
	Anchor        *anchoring.Anchor
}

// SaveResult is returned by Save. AlreadySaving is set, and nothing else,
// when another save of the same item is in progress.
type SaveResult struct {
	AlreadySaving bool      `json:"alreadySaving,omitempty"`
	PersistedID   string    `json:"persistedId,omitempty"`
	ExternalRef   string    `json:"externalRef,omitempty"`
	SavedAt       time.Time `json:"savedAt,omitempty"`
	Attempts      int       `json:"attempts"`
}

// Patch lists the fields Update may change. Nil fields are left untouched.
type Patch struct {
	FileName   *string            `json:"file_name,omitempty"`
	Title      *string            `json:"title,omitempty"`
	VisitType  *string            `json:"visit_type,omitempty"`
	Text       *string            `json:"extracted_text,omitempty"`
	Enrichment *enrichment.Fields `json:"enrichment,omitempty"`
	Structured fhir.Resource      `json:"structured,omitempty"`
}

// DeleteResult reports blob and metadata removal independently.
type DeleteResult struct {
	HadBlob       bool   `json:"hadBlob"`
	BlobDeleted   bool   `json:"blobDeleted"`
	RecordDeleted bool   `json:"recordDeleted"`
	BlobError     string `json:"blobError,omitempty"`
	RecordError   string `json:"recordError,omitempty"`
}

// Service persists completed items: the original content goes to the blob
// store and the metadata to the repository.
type Service struct {
	repo      Repository
	blobs     blobstore.Store
	validator *fhir.Validator
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	newID       func() uuid.UUID

	verifier Verifier

	mu     sync.Mutex
	saving map[string]bool
}

// Verifier checks an anchor against the record it was created for.
type Verifier interface {
	VerifyAttestation(a *anchoring.Anchor, record fhir.Resource) error
}

// Verification is the outcome of re-checking a stored record's anchor.
type Verification struct {
	RecordID    uuid.UUID `json:"record_id"`
	Anchored    bool      `json:"anchored"`
	Valid       bool      `json:"valid"`
	ContentHash string    `json:"content_hash,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// NewService creates a persistence service. maxAttempts and backoff fall back
// to three attempts starting at one second.
func NewService(repo Repository, blobs blobstore.Store, logger zerolog.Logger, m *metrics.Metrics, maxAttempts int, backoff time.Duration) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultSaveAttempts
	}
	if backoff <= 0 {
		backoff = DefaultSaveBackoff
	}
	return &Service{
		repo:        repo,
		blobs:       blobs,
		validator:   fhir.NewValidator(),
		logger:      logger.With().Str("component", "records").Logger(),
		metrics:     m,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		sleep:       sleepContext,
		newID:       uuid.New,
		saving:      make(map[string]bool),
	}
}

// WithVerifier enables Verify.
func (s *Service) WithVerifier(v Verifier) *Service {
	s.verifier = v
	return s
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

// beginSave marks itemID as saving. It returns false if a save is already
// running for that item.
func (s *Service) beginSave(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saving[itemID] {
		return false
	}
	s.saving[itemID] = true
	return true
}

func (s *Service) endSave(itemID string) {
	s.mu.Lock()
	delete(s.saving, itemID)
	s.mu.Unlock()
}

// IsSaving reports whether a save for itemID is in progress.
func (s *Service) IsSaving(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saving[itemID]
}

func resultFor(rec *Record, attempts int) *SaveResult {
	return &SaveResult{
		PersistedID: rec.ID.String(),
		ExternalRef: rec.ExternalRef,
		SavedAt:     rec.CreatedAt,
		Attempts:    attempts,
	}
}

// Save persists req, retrying with exponential backoff. The record id is
// chosen once and the blob is uploaded at most once, so retries never leave
// duplicates behind. After the final failed attempt any uploaded blob is
// removed.
func (s *Service) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	if !s.beginSave(req.ItemID) {
		return &SaveResult{AlreadySaving: true}, nil
	}
	defer s.endSave(req.ItemID)

	if existing, err := s.repo.GetByItemID(ctx, req.ItemID); err == nil {
		return resultFor(existing, 0), nil
	}

	if req.FileName == "" {
		req.FileName = defaultFileName(req.ItemID, req.ContentType)
	}

	id := s.newID()
	rec := &Record{
		ID:            id,
		ItemID:        req.ItemID,
		FileName:      req.FileName,
		SourceKind:    req.SourceKind,
		Fingerprint:   req.Fingerprint,
		ExtractedText: req.ExtractedText,
		WordCount:     req.WordCount,
		Structured:    req.Structured,
		Validation:    req.Validation,
		Enrichment:    req.Enrichment,
		Anchor:        req.Anchor,
		ExternalRef:   Reference(id),
		VersionID:     1,
	}
	if req.Enrichment != nil {
		rec.VisitType = req.Enrichment.VisitType
		rec.Title = req.Enrichment.Title
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.backoff*time.Duration(1<<(attempt-2))); err != nil {
				lastErr = err
				break
			}
		}

		err := s.attemptSave(ctx, rec, req)
		if err == nil {
			s.metrics.SaveAttempt("success")
			s.logger.Info().Str("item_id", req.ItemID).Str("record_id", id.String()).Int("attempt", attempt).Msg("record saved")
			return resultFor(rec, attempt), nil
		}
		if errors.Is(err, ErrDuplicateItem) {
			if existing, gerr := s.repo.GetByItemID(ctx, req.ItemID); gerr == nil {
				s.cleanupBlob(rec.BlobID)
				return resultFor(existing, attempt), nil
			}
		}
		lastErr = err
		s.metrics.SaveAttempt("failure")
		s.logger.Warn().Err(err).Str("item_id", req.ItemID).Int("attempt", attempt).Msg("save attempt failed")
		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}

	s.cleanupBlob(rec.BlobID)
	return nil, errors.WithHint(
		errors.Wrapf(lastErr, "saving item %s", req.ItemID),
		"retry the item once storage is reachable",
	)
}

// retryable reports whether another save attempt could succeed. Content the
// blob store refuses is refused again.
func retryable(err error) bool {
	return !errors.Is(err, blobstore.ErrMissingFileName) && !errors.Is(err, blobstore.ErrFileTooLarge)
}

// defaultFileName names content that arrived without a file name, such as a
// structured record posted without ?name.
func defaultFileName(itemID, contentType string) string {
	ext := ".bin"
	switch {
	case strings.Contains(contentType, "json"):
		ext = ".json"
	case strings.HasPrefix(contentType, "text/"):
		ext = ".txt"
	}
	if itemID == "" {
		itemID = "record"
	}
	return itemID + ext
}

func (s *Service) attemptSave(ctx context.Context, rec *Record, req SaveRequest) error {
	if len(req.Content) > 0 && rec.BlobID == "" {
		meta, err := s.blobs.Put(ctx, blobstore.Metadata{
			FileName:    req.FileName,
			ContentType: req.ContentType,
			ItemID:      req.ItemID,
		}, bytes.NewReader(req.Content))
		if err != nil {
			return errors.Wrap(err, "uploading content")
		}
		rec.BlobID = meta.ID
	}
	return s.repo.Create(ctx, rec)
}

// cleanupBlob removes an uploaded blob whose metadata never made it to the
// repository. It runs on a fresh context so cancellation of the save does
// not leak the blob.
func (s *Service) cleanupBlob(blobID string) {
	if blobID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, blobID); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Error().Err(err).Str("blob_id", blobID).Msg("failed to remove orphaned blob")
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Verify re-checks the record's anchor against its current structured
// content. Records edited after anchoring no longer verify.
func (s *Service) Verify(ctx context.Context, id uuid.UUID) (*Verification, error) {
	if s.verifier == nil {
		return nil, ErrNoVerifier
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &Verification{RecordID: rec.ID, Anchored: rec.Anchor != nil}
	if rec.Anchor == nil {
		v.Reason = "record has no anchor"
		return v, nil
	}
	v.ContentHash = rec.Anchor.ContentHash
	v.ExternalRef = rec.Anchor.ExternalRef
	if err := s.verifier.VerifyAttestation(rec.Anchor, rec.Structured); err != nil {
		v.Reason = err.Error()
		if details := errors.GetAllDetails(err); len(details) > 0 {
			v.Reason = details[0]
		}
		return v, nil
	}
	v.Valid = true
	return v, nil
}

// Update merges patch into the stored record and bumps its version. A new
// structured bundle is re-validated before it is stored.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch Patch) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.FileName != nil {
		rec.FileName = *patch.FileName
	}
	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.VisitType != nil {
		rec.VisitType = *patch.VisitType
	}
	if patch.Text != nil {
		rec.ExtractedText = *patch.Text
		rec.WordCount = len(bytes.Fields([]byte(*patch.Text)))
	}
	if patch.Enrichment != nil {
		rec.Enrichment = patch.Enrichment
		if patch.Title == nil && patch.Enrichment.Title != "" {
			rec.Title = patch.Enrichment.Title
		}
		if patch.VisitType == nil && patch.Enrichment.VisitType != "" {
			rec.VisitType = patch.Enrichment.VisitType
		}
	}
	if patch.Structured != nil {
		report := s.validator.Validate(patch.Structured)
		rec.Structured = fhir.Annotate(patch.Structured, report)
		rec.Validation = report
	}
	rec.VersionID++
	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "updating record")
	}
	return rec, nil
}

// Delete removes the record's blob and metadata. Both are attempted even if
// one fails; the result says which succeeded and the error combines both
// failures.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (*DeleteResult, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &DeleteResult{HadBlob: rec.BlobID != ""}

	var blobErr, recErr error
	if res.HadBlob {
		blobErr = s.blobs.Delete(ctx, rec.BlobID)
		if errors.Is(blobErr, blobstore.ErrBlobNotFound) {
			blobErr = nil
		}
		res.BlobDeleted = blobErr == nil
		if blobErr != nil {
			res.BlobError = blobErr.Error()
		}
	}
	recErr = s.repo.Delete(ctx, id)
	res.RecordDeleted = recErr == nil
	if recErr != nil {
		res.RecordError = recErr.Error()
	}

	if err := errors.CombineErrors(
		errors.Wrap(blobErr, "deleting blob"),
		errors.Wrap(recErr, "deleting metadata"),
	); err != nil {
		s.logger.Error().Err(err).Str("record_id", id.String()).
			Bool("blob_deleted", res.BlobDeleted).Bool("record_deleted", res.RecordDeleted).
			Msg("partial record deletion")
		return res, err
	}
	return res, nil
}

// Content opens the original uploaded content of a record.
func (s *Service) Content(ctx context.Context, id uuid.UUID) (io.ReadCloser, *blobstore.Metadata, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.BlobID == "" {
		return nil, nil, blobstore.ErrBlobNotFound
	}
	return s.blobs.Get(ctx, rec.BlobID)
}
