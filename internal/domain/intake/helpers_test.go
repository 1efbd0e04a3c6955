package intake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/belrose/recordintake/internal/domain/anchoring"
	"github.com/belrose/recordintake/internal/domain/enrichment"
	"github.com/belrose/recordintake/internal/domain/records"
	"github.com/belrose/recordintake/internal/platform/blobstore"
	"github.com/belrose/recordintake/internal/platform/converter"
	"github.com/belrose/recordintake/internal/platform/extraction"
	"github.com/belrose/recordintake/internal/platform/fhir"
)

type extractFunc func(ctx context.Context, doc extraction.Document) (*extraction.Result, error)

func (f extractFunc) Extract(ctx context.Context, doc extraction.Document) (*extraction.Result, error) {
	return f(ctx, doc)
}

type convertFunc func(ctx context.Context, text string) (fhir.Resource, error)

func (f convertFunc) Convert(ctx context.Context, text string) (fhir.Resource, error) {
	return f(ctx, text)
}

type enrichFunc func(ctx context.Context, record fhir.Resource, ec enrichment.Context) (*enrichment.Fields, error)

func (f enrichFunc) Enrich(ctx context.Context, record fhir.Resource, ec enrichment.Context) (*enrichment.Fields, error) {
	return f(ctx, record, ec)
}

// flakyRepo fails the first n creates.
type flakyRepo struct {
	*records.MemoryRepo
	mu       sync.Mutex
	failures int
	creates  int
}

func (f *flakyRepo) Create(ctx context.Context, r *records.Record) error {
	f.mu.Lock()
	f.creates++
	fail := f.creates <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return f.MemoryRepo.Create(ctx, r)
}

type fixture struct {
	svc     *Service
	repo    *flakyRepo
	blobs   *blobstore.MemoryStore
	records *records.Service
}

type option func(*Stages, *Options)

func defaultStages() Stages {
	logger := zerolog.Nop()
	return Stages{
		Extractor: extraction.NewRouter(nil, logger),
		Converter: converter.NewLocalConverter(),
		Validator: fhir.NewValidator(),
		Enricher:  enrichment.NewEnricher(nil, enrichment.Options{}, logger, nil),
		Anchorer:  anchoring.NewGate(anchoring.PolicyStructured, "test-key", nil),
		Signer:    anchoring.SignerInfo{Name: "intake-test"},
	}
}

func newFixture(t *testing.T, saveFailures int, opts ...option) *fixture {
	t.Helper()
	stages := defaultStages()
	o := Options{
		Limits:      Limits{MaxCount: 50, MaxSizeBytes: 1 << 20},
		Concurrency: 4,
		AutoSave:    true,
	}
	for _, fn := range opts {
		fn(&stages, &o)
	}

	repo := &flakyRepo{MemoryRepo: records.NewMemoryRepo(), failures: saveFailures}
	blobs := blobstore.NewMemoryStore(0)
	rs := records.NewService(repo, blobs, zerolog.Nop(), nil, 3, time.Millisecond)

	svc := NewService(stages, rs, NewMemorySeenStore(), o, zerolog.Nop(), nil)
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Dispose(ctx))
	})
	return &fixture{svc: svc, repo: repo, blobs: blobs, records: rs}
}

// run starts id and waits for its attempt to finish.
func (f *fixture) run(t *testing.T, id string) *Item {
	t.Helper()
	require.NoError(t, f.svc.Process(id))
	return f.wait(t, id)
}

func (f *fixture) wait(t *testing.T, id string) *Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	it, err := f.svc.Wait(ctx, id)
	require.NoError(t, err)
	return it
}

func (f *fixture) retry(t *testing.T, id string, force bool) *Item {
	t.Helper()
	require.NoError(t, f.svc.Retry(id, force))
	return f.wait(t, id)
}

func entryTypes(record fhir.Resource) []string {
	var out []string
	for _, r := range fhir.Entries(record) {
		out = append(out, fhir.ResourceType(r))
	}
	return out
}
