package intake

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusBlocked, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusExtracted, true},
		{StatusProcessing, StatusConverting, true},
		{StatusProcessing, StatusCompleted, false},
		{StatusExtracted, StatusConverting, true},
		{StatusExtracted, StatusEnriching, false},
		{StatusConverting, StatusCompleted, true},
		{StatusConverted, StatusAnchoring, true},
		{StatusEnriching, StatusConverted, false},
		{StatusAnchoring, StatusCompleted, true},
		{StatusConverting, StatusConversionError, true},
		{StatusCompleted, StatusPersistenceError, true},
		{StatusCompleted, StatusBlocked, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusExtractionError, StatusBlocked, false},
		{StatusBlocked, StatusProcessing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestItemTransition_RejectsSkips(t *testing.T) {
	it := &Item{Status: StatusPending}
	now := time.Now()
	require.NoError(t, it.transition(StatusProcessing, now))
	err := it.transition(StatusCompleted, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusProcessing, it.Status)
	assert.Len(t, it.History, 1)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("hello"))
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", a)
	assert.Equal(t, FingerprintText("  hello\n"), a)
	assert.NotEqual(t, a, Fingerprint([]byte("hello ")))
}

func TestLockTable_Claim(t *testing.T) {
	lt := NewLockTable(nil, 3, zerolog.Nop())
	lt.Register("a", "sig-1")
	lt.Register("b", "sig-1")
	lt.Register("c", "sig-2")

	d := lt.Claim("a", 0, false)
	require.True(t, d.Proceed)

	d = lt.Claim("a", 1, false)
	assert.Equal(t, Decision{Reason: BlockCurrentlyLocked, BlockedBy: "a"}, d)

	d = lt.Claim("b", 0, false)
	assert.Equal(t, Decision{Reason: BlockDuplicateSignature, BlockedBy: "a", Retryable: true}, d)

	// Force never yields a second holder.
	d = lt.Claim("b", 0, true)
	assert.False(t, d.Proceed)
	assert.Equal(t, BlockCurrentlyLocked, d.Reason)

	lt.MarkProcessed("a")
	lt.Release("a")

	d = lt.Claim("b", 0, false)
	assert.Equal(t, Decision{Reason: BlockDuplicateSignature, BlockedBy: "a", Retryable: true}, d)
	assert.True(t, lt.Claim("b", 0, true).Proceed)
	lt.Release("b")

	d = lt.Claim("c", 3, false)
	assert.Equal(t, Decision{Reason: BlockMaxAttempts}, d)
	assert.True(t, lt.Claim("c", 3, true).Proceed)
}

func TestLockTable_OneHolderUnderContention(t *testing.T) {
	lt := NewLockTable(nil, 3, zerolog.Nop())
	const n = 50
	for i := 0; i < n; i++ {
		lt.Register(string(rune('A'+i)), "shared")
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if lt.Claim(id, 0, true).Proceed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(string(rune('A' + i)))
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestLockTable_Forget(t *testing.T) {
	seen := NewMemorySeenStore()
	lt := NewLockTable(seen, 3, zerolog.Nop())
	lt.Register("a", "sig")
	require.True(t, lt.Claim("a", 0, false).Proceed)
	lt.MarkProcessed("a")
	lt.Forget("a")

	_, held := lt.Holder("sig")
	assert.False(t, held)
	_, found, err := seen.Lookup("sig")
	require.NoError(t, err)
	assert.False(t, found)

	lt.Register("b", "sig")
	assert.True(t, lt.Claim("b", 0, false).Proceed)
}

func TestLevelDBSeenStore_SurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seen")
	store, err := OpenLevelDBSeenStore(dir)
	require.NoError(t, err)

	lt := NewLockTable(store, 3, zerolog.Nop())
	lt.Register("first", "sig")
	require.True(t, lt.Claim("first", 0, false).Proceed)
	lt.MarkProcessed("first")
	lt.Release("first")
	require.NoError(t, store.Close())

	store, err = OpenLevelDBSeenStore(dir)
	require.NoError(t, err)
	defer store.Close()

	lt = NewLockTable(store, 3, zerolog.Nop())
	lt.Register("second", "sig")
	d := lt.Claim("second", 0, false)
	assert.Equal(t, Decision{Reason: BlockDuplicateSignature, BlockedBy: "first", Retryable: true}, d)

	require.NoError(t, store.Forget("sig"))
	_, found, err := store.Lookup("sig")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOptional(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return at }

	ok := optional("enrichment", now, func() (int, error) { return 7, nil })
	assert.Equal(t, 7, ok.Value)
	assert.Nil(t, ok.Issue)

	failed := optional("enrichment", now, func() (int, error) { return 7, errors.New("model offline") })
	assert.Zero(t, failed.Value)
	require.NotNil(t, failed.Issue)
	assert.Equal(t, SoftIssue{Step: "enrichment", Message: "model offline", At: at}, *failed.Issue)
}
