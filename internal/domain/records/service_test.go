package records

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belrose/recordintake/internal/domain/anchoring"
	"github.com/belrose/recordintake/internal/domain/enrichment"
	"github.com/belrose/recordintake/internal/platform/blobstore"
	"github.com/belrose/recordintake/internal/platform/db"
	"github.com/belrose/recordintake/internal/platform/fhir"
)

// flakyRepo fails the first n Create calls.
type flakyRepo struct {
	*MemoryRepo
	mu       sync.Mutex
	failures int
	creates  int
	block    chan struct{}
}

func (f *flakyRepo) Create(ctx context.Context, r *Record) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.creates++
	fail := f.creates <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryRepo.Create(ctx, r)
}

type failingBlobDelete struct {
	*blobstore.MemoryStore
}

func (failingBlobDelete) Delete(context.Context, string) error {
	return errors.New("bucket unavailable")
}

func newTestService(repo Repository, blobs blobstore.Store) (*Service, *[]time.Duration) {
	svc := NewService(repo, blobs, zerolog.Nop(), nil, 3, time.Second)
	var delays []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return svc, &delays
}

func saveRequest(itemID string) SaveRequest {
	return SaveRequest{
		ItemID:      itemID,
		FileName:    "note.txt",
		ContentType: "text/plain",
		SourceKind:  "uploaded-binary",
		Fingerprint: "sha256:abc",
		Content:     []byte("BP 120/80"),
		Structured:  fhir.NewBundle("collection", fhir.Resource{"resourceType": "Encounter"}),
		Enrichment:  &enrichment.Fields{VisitType: "Clinical Encounter", Title: "Checkup"},
	}
}

func TestSave_SucceedsOnThirdAttempt(t *testing.T) {
	repo := &flakyRepo{MemoryRepo: NewMemoryRepo(), failures: 2}
	blobs := blobstore.NewMemoryStore(0)
	svc, delays := newTestService(repo, blobs)

	res, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	assert.Equal(t, "DocumentReference/"+res.PersistedID, res.ExternalRef)

	// The blob was uploaded once and reused across attempts.
	_, total, err := blobs.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	rec, err := repo.GetByItemID(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "Checkup", rec.Title)
	assert.NotEmpty(t, rec.BlobID)
}

func TestSave_FailsAfterAllAttemptsAndRemovesBlob(t *testing.T) {
	repo := &flakyRepo{MemoryRepo: NewMemoryRepo(), failures: 3}
	blobs := blobstore.NewMemoryStore(0)
	svc, delays := newTestService(repo, blobs)

	res, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Len(t, *delays, 2)
	assert.NotEmpty(t, errors.GetAllHints(err))
	assert.Contains(t, err.Error(), "connection reset")

	_, total, err := blobs.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.False(t, svc.IsSaving("item-1"))
}

func TestSave_NamesUnnamedContent(t *testing.T) {
	blobs := blobstore.NewMemoryStore(0)
	svc, delays := newTestService(NewMemoryRepo(), blobs)

	req := saveRequest("item-7")
	req.FileName = ""
	req.ContentType = "application/fhir+json"
	res, err := svc.Save(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, *delays)

	metas, _, err := blobs.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "item-7.json", metas[0].FileName)
}

func TestSave_RefusedContentIsNotRetried(t *testing.T) {
	repo := &flakyRepo{MemoryRepo: NewMemoryRepo()}
	svc, delays := newTestService(repo, blobstore.NewMemoryStore(4))

	_, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstore.ErrFileTooLarge))
	assert.Empty(t, *delays)
	assert.Zero(t, repo.creates)
}

func TestSave_AlreadySaving(t *testing.T) {
	repo := &flakyRepo{MemoryRepo: NewMemoryRepo(), block: make(chan struct{})}
	svc, _ := newTestService(repo, blobstore.NewMemoryStore(0))

	done := make(chan *SaveResult)
	go func() {
		res, _ := svc.Save(context.Background(), saveRequest("item-1"))
		done <- res
	}()
	require.Eventually(t, func() bool { return svc.IsSaving("item-1") }, time.Second, time.Millisecond)

	res, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.NoError(t, err)
	assert.True(t, res.AlreadySaving)
	assert.Empty(t, res.PersistedID)

	close(repo.block)
	first := <-done
	assert.False(t, first.AlreadySaving)
	assert.NotEmpty(t, first.PersistedID)
}

func TestSave_IdempotentForSavedItem(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepo(), blobstore.NewMemoryStore(0))
	first, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.NoError(t, err)
	second, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.NoError(t, err)
	assert.Equal(t, first.PersistedID, second.PersistedID)
}

func TestUpdate_MergesAndBumpsVersion(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepo(), blobstore.NewMemoryStore(0))
	res, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.NoError(t, err)
	id := uuid.MustParse(res.PersistedID)

	title := "Annual physical"
	rec, err := svc.Update(context.Background(), id, Patch{
		Title:      &title,
		Structured: fhir.Resource{"resourceType": "Observation"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.VersionID)
	assert.Equal(t, "Annual physical", rec.Title)
	assert.Equal(t, "note.txt", rec.FileName)
	require.NotNil(t, rec.Validation)
	assert.False(t, rec.Validation.IsValid)
	assert.Contains(t, rec.Structured, "_validation")

	_, err = svc.Update(context.Background(), uuid.New(), Patch{Title: &title})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestVerify_DetectsEditsAfterAnchoring(t *testing.T) {
	ctx := context.Background()
	gate := anchoring.NewGate(anchoring.PolicyStructured, "secret", nil)
	svc, _ := newTestService(NewMemoryRepo(), blobstore.NewMemoryStore(0))
	svc.WithVerifier(gate)

	req := saveRequest("item-1")
	anchor, err := gate.CreateAnchor(ctx, anchoring.Subject{
		ItemID:      req.ItemID,
		Record:      req.Structured,
		Fingerprint: req.Fingerprint,
	}, anchoring.SignerInfo{Name: "tester"})
	require.NoError(t, err)
	req.Anchor = anchor

	res, err := svc.Save(ctx, req)
	require.NoError(t, err)
	id := uuid.MustParse(res.PersistedID)

	v, err := svc.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, v.Anchored)
	assert.True(t, v.Valid, v.Reason)
	assert.Equal(t, anchor.ExternalRef, v.ExternalRef)

	_, err = svc.Update(ctx, id, Patch{
		Structured: fhir.NewBundle("collection", fhir.Resource{"resourceType": "Condition"}),
	})
	require.NoError(t, err)

	v, err = svc.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Contains(t, v.Reason, "does not match")
}

func TestVerify_UnanchoredAndUnconfigured(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryRepo(), blobstore.NewMemoryStore(0))
	res, err := svc.Save(ctx, saveRequest("item-1"))
	require.NoError(t, err)
	id := uuid.MustParse(res.PersistedID)

	_, err = svc.Verify(ctx, id)
	assert.ErrorIs(t, err, ErrNoVerifier)

	svc.WithVerifier(anchoring.NewGate(anchoring.PolicyStructured, "secret", nil))
	v, err := svc.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, v.Anchored)
	assert.False(t, v.Valid)

	_, err = svc.Verify(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDelete_ReportsPartialFailure(t *testing.T) {
	blobs := failingBlobDelete{blobstore.NewMemoryStore(0)}
	repo := NewMemoryRepo()
	svc, _ := newTestService(repo, blobs)
	res, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.NoError(t, err)

	del, err := svc.Delete(context.Background(), uuid.MustParse(res.PersistedID))
	require.Error(t, err)
	assert.True(t, del.HadBlob)
	assert.False(t, del.BlobDeleted)
	assert.True(t, del.RecordDeleted)
	assert.Contains(t, del.BlobError, "bucket unavailable")
}

func TestDelete_Clean(t *testing.T) {
	blobs := blobstore.NewMemoryStore(0)
	svc, _ := newTestService(NewMemoryRepo(), blobs)
	req := saveRequest("item-1")
	req.Content = nil
	res, err := svc.Save(context.Background(), req)
	require.NoError(t, err)

	del, err := svc.Delete(context.Background(), uuid.MustParse(res.PersistedID))
	require.NoError(t, err)
	assert.False(t, del.HadBlob)
	assert.True(t, del.RecordDeleted)

	_, err = svc.Delete(context.Background(), uuid.MustParse(res.PersistedID))
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSQLiteRepo_RoundTrip(t *testing.T) {
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := NewSQLiteRepo(sqlDB)
	require.NoError(t, repo.Migrate(context.Background()))

	svc, _ := newTestService(repo, blobstore.NewMemoryStore(0))
	res, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.NoError(t, err)

	rec, err := repo.GetByID(context.Background(), uuid.MustParse(res.PersistedID))
	require.NoError(t, err)
	assert.Equal(t, "item-1", rec.ItemID)
	assert.Equal(t, "Clinical Encounter", rec.Enrichment.VisitType)
	assert.Equal(t, "Bundle", rec.Structured["resourceType"])
	assert.Nil(t, rec.Anchor)

	err = repo.Create(context.Background(), &Record{ItemID: "item-1", SourceKind: "plain-text", Fingerprint: "x"})
	assert.ErrorIs(t, err, ErrDuplicateItem)

	items, total, err := repo.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)

	require.NoError(t, repo.Delete(context.Background(), rec.ID))
	_, err = repo.GetByItemID(context.Background(), "item-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestHandler_DocumentReference(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepo(), blobstore.NewMemoryStore(0))
	res, err := svc.Save(context.Background(), saveRequest("item-1"))
	require.NoError(t, err)

	e := echo.New()
	h := NewHandler(svc)
	h.RegisterRoutes(e.Group("/api/v1"), e.Group("/fhir"))

	req := httptest.NewRequest(http.MethodGet, "/fhir/DocumentReference/"+res.PersistedID, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resourceType":"DocumentReference"`)
	assert.Contains(t, rec.Body.String(), `"description":"Checkup"`)

	req = httptest.NewRequest(http.MethodGet, "/fhir/DocumentReference/"+uuid.NewString(), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "OperationOutcome")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/records/"+res.PersistedID+"/content", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BP 120/80", rec.Body.String())

	req = httptest.NewRequest(http.MethodPatch, "/api/v1/records/"+res.PersistedID, strings.NewReader(`{"title":"Renamed"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version_id":2`)
}
