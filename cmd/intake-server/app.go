package main

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/belrose/recordintake/internal/config"
	"github.com/belrose/recordintake/internal/domain/anchoring"
	"github.com/belrose/recordintake/internal/domain/enrichment"
	"github.com/belrose/recordintake/internal/domain/intake"
	"github.com/belrose/recordintake/internal/domain/records"
	"github.com/belrose/recordintake/internal/platform/blobstore"
	"github.com/belrose/recordintake/internal/platform/converter"
	"github.com/belrose/recordintake/internal/platform/db"
	"github.com/belrose/recordintake/internal/platform/extraction"
	"github.com/belrose/recordintake/internal/platform/fhir"
	"github.com/belrose/recordintake/internal/platform/metrics"
)

// app holds the wired services shared by every command.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	records *records.Service
	intake  *intake.Service
	probe   *db.Probe

	closers []func()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// newApp builds the storage layer, the pipeline collaborators and both
// services. The intake service is initialised; callers must call close.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	repo, err := a.openRepository(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	blobs, err := a.openBlobStore()
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	gate, err := a.anchorGate()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	stages := a.stages(gate)

	var seen intake.SeenStore
	if cfg.SeenStore != "" {
		store, err := intake.OpenLevelDBSeenStore(cfg.SeenStore)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		seen = store
		logger.Info().Str("path", cfg.SeenStore).Msg("using persistent fingerprint store")
	}

	a.records = records.NewService(repo, blobs, logger, a.metrics, cfg.SaveMaxAttempts, cfg.SaveBackoff).
		WithVerifier(gate)

	a.intake = intake.NewService(stages, a.records, seen, intake.Options{
		Limits: intake.Limits{
			MaxCount:     cfg.MaxItems,
			MaxSizeBytes: cfg.MaxFileSizeBytes,
		},
		MaxAttempts: cfg.MaxAttempts,
		Concurrency: cfg.Concurrency,
		AutoSave:    cfg.AutoSave,
	}, logger, a.metrics)
	if err := a.intake.Init(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) openRepository(ctx context.Context) (records.Repository, error) {
	switch a.cfg.StorageDriver() {
	case "postgres":
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
		if err != nil {
			return nil, errors.Wrap(err, "connect to database")
		}
		a.closers = append(a.closers, pool.Close)
		probe := db.PoolProbe(pool)
		a.probe = &probe
		a.logger.Info().Msg("connected to database")
		return records.NewRecordRepoPG(pool), nil

	case "sqlite":
		sqlDB, err := db.OpenSQLite(a.cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		repo := records.NewSQLiteRepo(sqlDB)
		if err := repo.Migrate(ctx); err != nil {
			return nil, err
		}
		probe := db.SQLiteProbe(sqlDB)
		a.probe = &probe
		a.logger.Info().Str("path", a.cfg.SQLitePath()).Msg("opened sqlite metadata store")
		return repo, nil
	}

	a.logger.Warn().Msg("DATABASE_URL not set; records are kept in memory only")
	return records.NewMemoryRepo(), nil
}

func (a *app) openBlobStore() (blobstore.Store, error) {
	if a.cfg.BlobDir == "" {
		return blobstore.NewMemoryStore(a.cfg.MaxFileSizeBytes), nil
	}
	store, err := blobstore.NewFSStore(afero.NewOsFs(), a.cfg.BlobDir, a.cfg.MaxFileSizeBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "open blob directory %s", a.cfg.BlobDir)
	}
	return store, nil
}

func (a *app) anchorGate() (*anchoring.Gate, error) {
	policy, err := anchoring.ParsePolicy(a.cfg.AnchorPolicy)
	if err != nil {
		return nil, err
	}
	var ledger anchoring.Ledger
	if a.cfg.AnchorURL != "" {
		ledger = anchoring.NewHTTPLedger(a.cfg.AnchorURL, a.cfg.HTTPTimeout)
	}
	return anchoring.NewGate(policy, a.cfg.AnchorSigningKey, ledger), nil
}

func (a *app) stages(gate *anchoring.Gate) intake.Stages {
	cfg := a.cfg

	// A nil *RemoteExtractor must not reach the router as a non-nil interface.
	var remote extraction.Extractor
	if cfg.ExtractionURL != "" {
		remote = extraction.NewRemoteExtractor(cfg.ExtractionURL, cfg.HTTPTimeout)
	}

	var conv converter.Converter = converter.NewLocalConverter()
	if cfg.ConverterURL != "" {
		conv = converter.NewHTTPConverter(cfg.ConverterURL, cfg.HTTPTimeout)
	}

	var inferrer enrichment.Inferrer
	if cfg.InferenceURL != "" {
		inferrer = enrichment.NewHTTPInferrer(cfg.InferenceURL, cfg.HTTPTimeout, cfg.InferenceRPS)
	}
	enricher := enrichment.NewEnricher(inferrer, enrichment.Options{
		Timeout:     cfg.EnrichTimeout,
		MaxAttempts: cfg.EnrichMaxAttempts,
		Backoff:     cfg.EnrichBackoff,
	}, a.logger, a.metrics)

	return intake.Stages{
		Extractor: extraction.NewRouter(remote, a.logger),
		Converter: conv,
		Validator: fhir.NewValidator(),
		Enricher:  enricher,
		Anchorer:  gate,
		Signer:    anchoring.SignerInfo{Name: "recordintake", Role: "system"},
	}
}

// close disposes the intake session and then releases storage handles in
// reverse order of opening.
func (a *app) close(ctx context.Context) {
	if a.intake != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := a.intake.Dispose(ctx); err != nil {
			a.logger.Error().Err(err).Msg("intake dispose failed")
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
