package intake

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxAttempts is the number of automatic attempts an item gets.
const DefaultMaxAttempts = 3

// Decision is the outcome of LockTable.Claim.
type Decision struct {
	Proceed   bool
	Reason    BlockReason
	BlockedBy string
	Retryable bool
}

func blocked(reason BlockReason, by string, retryable bool) Decision {
	return Decision{Reason: reason, BlockedBy: by, Retryable: retryable}
}

// LockTable tracks content signatures and processing locks. At most one
// item holds the lock for a given signature at any time. Every method runs
// under one mutex, so a decision and the acquisition that follows it cannot
// interleave with another item's.
type LockTable struct {
	mu          sync.Mutex
	signatures  map[string]string // item -> signature
	holders     map[string]string // signature -> item holding the lock
	processed   map[string]string // signature -> item that finished it
	seen        SeenStore
	maxAttempts int
	logger      zerolog.Logger
}

func NewLockTable(seen SeenStore, maxAttempts int, logger zerolog.Logger) *LockTable {
	if seen == nil {
		seen = NewMemorySeenStore()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &LockTable{
		signatures:  make(map[string]string),
		holders:     make(map[string]string),
		processed:   make(map[string]string),
		seen:        seen,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Register records the signature of a newly admitted item.
func (t *LockTable) Register(itemID, signature string) {
	t.mu.Lock()
	t.signatures[itemID] = signature
	t.mu.Unlock()
}

// Claim decides whether itemID may start an attempt and, if so, takes the
// lock for its signature. attempts is the item's attempt count before this
// attempt. force bypasses the max-attempts and duplicate checks but never
// lets two items hold the same signature.
func (t *LockTable) Claim(itemID string, attempts int, force bool) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	sig := t.signatures[itemID]
	holder, locked := t.holders[sig]
	if locked && holder == itemID {
		return blocked(BlockCurrentlyLocked, itemID, false)
	}
	if attempts >= t.maxAttempts && !force {
		return blocked(BlockMaxAttempts, "", false)
	}
	if locked {
		if force {
			return blocked(BlockCurrentlyLocked, holder, true)
		}
		return blocked(BlockDuplicateSignature, holder, true)
	}
	if !force {
		if other := t.processedBy(sig); other != "" && other != itemID {
			return blocked(BlockDuplicateSignature, other, true)
		}
	}

	t.holders[sig] = itemID
	return Decision{Proceed: true}
}

// processedBy returns the item recorded as having processed sig, consulting
// the persistent store when this session has not seen it.
func (t *LockTable) processedBy(sig string) string {
	if id, ok := t.processed[sig]; ok {
		return id
	}
	id, found, err := t.seen.Lookup(sig)
	if err != nil {
		t.logger.Warn().Err(err).Str("signature", sig).Msg("seen store lookup failed")
		return ""
	}
	if found {
		return id
	}
	return ""
}

// Release drops itemID's lock if it holds one.
func (t *LockTable) Release(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(itemID)
}

func (t *LockTable) releaseLocked(itemID string) {
	sig := t.signatures[itemID]
	if t.holders[sig] == itemID {
		delete(t.holders, sig)
	}
}

// Holder returns the item holding the lock for signature.
func (t *LockTable) Holder(signature string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.holders[signature]
	return id, ok
}

// MarkProcessed records that itemID finished its signature.
func (t *LockTable) MarkProcessed(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sig := t.signatures[itemID]
	if sig == "" {
		return
	}
	if _, ok := t.processed[sig]; ok {
		return
	}
	t.processed[sig] = itemID
	if _, found, _ := t.seen.Lookup(sig); found {
		return
	}
	if err := t.seen.Remember(sig, itemID); err != nil {
		t.logger.Warn().Err(err).Str("item_id", itemID).Msg("seen store write failed")
	}
}

// Forget removes every trace of itemID: its lock, its signature and, if it
// was the item that processed that signature, the processed marker.
func (t *LockTable) Forget(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(itemID)
	sig, ok := t.signatures[itemID]
	if !ok {
		return
	}
	delete(t.signatures, itemID)
	if t.processed[sig] == itemID {
		delete(t.processed, sig)
	}
	if owner, found, err := t.seen.Lookup(sig); err == nil && found && owner == itemID {
		if err := t.seen.Forget(sig); err != nil {
			t.logger.Warn().Err(err).Str("item_id", itemID).Msg("seen store delete failed")
		}
	}
}
