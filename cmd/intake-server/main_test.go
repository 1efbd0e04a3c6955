package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belrose/recordintake/internal/config"
	"github.com/belrose/recordintake/internal/domain/intake"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:               "test",
		CORSOrigins:       []string{"*"},
		MaxItems:          10,
		MaxFileSizeBytes:  1 << 20,
		MaxAttempts:       3,
		Concurrency:       2,
		AutoSave:          true,
		HTTPTimeout:       time.Second,
		EnrichTimeout:     time.Second,
		EnrichMaxAttempts: 1,
		EnrichBackoff:     time.Millisecond,
		SaveMaxAttempts:   2,
		SaveBackoff:       time.Millisecond,
		AnchorPolicy:      "structured",
		AnchorSigningKey:  "test-signing-key",
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func decodeResults(t *testing.T, out *bytes.Buffer) []itemResult {
	t.Helper()
	var results []itemResult
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var r itemResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		results = append(results, r)
	}
	return results
}

func TestRunIngest_TextFiles(t *testing.T) {
	a := newTestApp(t, testConfig())
	dir := t.TempDir()
	p1 := writeFile(t, dir, "visit.txt", "Routine checkup with Dr. Alice Smith, BP 120/80")
	p2 := writeFile(t, dir, "labs.txt", "Follow-up visit, heart rate 72 bpm")

	var out bytes.Buffer
	err := runIngest(context.Background(), a.intake, []string{p1, p2}, sourceFile, &out)
	require.NoError(t, err)

	results := decodeResults(t, &out)
	require.Len(t, results, 2)
	assert.Equal(t, p1, results[0].Source)
	assert.Equal(t, p2, results[1].Source)
	for _, r := range results {
		assert.Equal(t, intake.StatusCompleted, r.Status)
		assert.NotEmpty(t, r.PersistedID)
		assert.True(t, strings.HasPrefix(r.ExternalRef, "DocumentReference/"), r.ExternalRef)
		assert.NotEmpty(t, r.Title)
	}

	recs, total, err := a.records.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, recs, 2)
}

func TestRunIngest_TypedText(t *testing.T) {
	a := newTestApp(t, testConfig())
	p := writeFile(t, t.TempDir(), "note", "Annual physical, temperature 37.2 C")

	var out bytes.Buffer
	require.NoError(t, runIngest(context.Background(), a.intake, []string{p}, sourceText, &out))

	results := decodeResults(t, &out)
	require.Len(t, results, 1)
	assert.Equal(t, intake.StatusCompleted, results[0].Status)
}

func TestRunIngest_BadStructuredRecordFails(t *testing.T) {
	a := newTestApp(t, testConfig())
	p := writeFile(t, t.TempDir(), "record.json", `{"resourceType": "Bundle", "entry": [`)

	var out bytes.Buffer
	err := runIngest(context.Background(), a.intake, []string{p}, sourceStructured, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 item(s) did not complete")

	results := decodeResults(t, &out)
	require.Len(t, results, 1)
	assert.Equal(t, intake.StatusConversionError, results[0].Status)
	assert.NotEmpty(t, results[0].Error)
	assert.Empty(t, results[0].PersistedID)
}

func TestRunIngest_UnreadableAndEmptyFiles(t *testing.T) {
	a := newTestApp(t, testConfig())
	dir := t.TempDir()
	empty := writeFile(t, dir, "empty.txt", "")
	missing := filepath.Join(dir, "missing.txt")

	var out bytes.Buffer
	err := runIngest(context.Background(), a.intake, []string{empty, missing}, sourceFile, &out)
	require.Error(t, err)

	results := decodeResults(t, &out)
	require.Len(t, results, 2)
	bySource := map[string]itemResult{}
	for _, r := range results {
		bySource[r.Source] = r
	}
	assert.Contains(t, bySource[empty].Error, "empty")
	assert.NotEmpty(t, bySource[missing].Error)
	assert.Empty(t, bySource[missing].ID)
}

func TestAdmitFiles_KeepsUploadOrderAcrossRejections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFileSizeBytes = 64
	a := newTestApp(t, cfg)
	dir := t.TempDir()
	small1 := writeFile(t, dir, "a.txt", "BP 120/80")
	big := writeFile(t, dir, "b.txt", strings.Repeat("x", 100))
	small2 := writeFile(t, dir, "c.txt", "heart rate 60 bpm")

	admitted, failed, err := admitFiles(a.intake, []string{small1, big, small2}, sourceFile, intake.Limits{})
	require.NoError(t, err)
	require.Len(t, admitted, 2)
	assert.Equal(t, small1, admitted[0].Source)
	assert.Equal(t, small2, admitted[1].Source)
	require.Len(t, failed, 1)
	assert.Equal(t, big, failed[0].Source)
	assert.Contains(t, failed[0].Error, "too-large")

	it, err := a.intake.Get(admitted[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "c.txt", it.FileName)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	a := newTestApp(t, testConfig())
	e := newServer(a)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["storage"])

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_TextIntakeRoundTrip(t *testing.T) {
	a := newTestApp(t, testConfig())
	e := newServer(a)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/intake/text",
		strings.NewReader(`{"text": "Routine checkup, BP 118/76"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	it, err := a.intake.Wait(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusCompleted, it.Status)
	require.NotEmpty(t, it.PersistedID)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/DocumentReference/"+it.PersistedID, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"resourceType":"DocumentReference"`)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/records/"+it.PersistedID+"/verify", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var verification struct {
		Anchored bool `json:"anchored"`
		Valid    bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verification))
	assert.True(t, verification.Anchored)
	assert.True(t, verification.Valid, rec.Body.String())
}

func TestNewApp_SQLiteStorage(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = "sqlite://" + filepath.Join(t.TempDir(), "records.db")
	cfg.BlobDir = filepath.Join(t.TempDir(), "blobs")
	cfg.SeenStore = filepath.Join(t.TempDir(), "seen")
	a := newTestApp(t, cfg)
	require.NotNil(t, a.probe)
	assert.Equal(t, "sqlite", a.probe.Driver)

	p := writeFile(t, t.TempDir(), "visit.txt", "Checkup, BP 121/79")
	var out bytes.Buffer
	require.NoError(t, runIngest(context.Background(), a.intake, []string{p}, sourceFile, &out))

	_, total, err := a.records.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestNewApp_RejectsUnknownPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AnchorPolicy = "sometimes"
	_, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestInboxWatcher_IngestsDroppedFile(t *testing.T) {
	a := newTestApp(t, testConfig())
	dir := t.TempDir()
	writeFile(t, dir, "existing.txt", "Checkup, BP 110/70")
	writeFile(t, dir, ".partial", "ignored")

	w := &inboxWatcher{dir: dir, settle: 10 * time.Millisecond, svc: a.intake, logger: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx, true) }()

	require.Eventually(t, func() bool {
		items := a.intake.List()
		return len(items) == 1 && items[0].Status == intake.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	writeFile(t, dir, "dropped.txt", "Follow-up visit, heart rate 64 bpm")
	require.Eventually(t, func() bool {
		return a.intake.Stats().Completed == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestHidden(t *testing.T) {
	assert.True(t, hidden(".DS_Store"))
	assert.True(t, hidden("notes.txt~"))
	assert.False(t, hidden("notes.txt"))
}
