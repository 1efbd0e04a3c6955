package intake

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/philippgille/gokv/leveldb"
)

// SeenStore remembers which item first processed a content signature.
type SeenStore interface {
	Lookup(signature string) (itemID string, found bool, err error)
	Remember(signature, itemID string) error
	Forget(signature string) error
	Close() error
}

// MemorySeenStore forgets everything when the process exits.
type MemorySeenStore struct {
	mu   sync.RWMutex
	seen map[string]string
}

func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{seen: make(map[string]string)}
}

func (m *MemorySeenStore) Lookup(signature string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.seen[signature]
	return id, ok, nil
}

func (m *MemorySeenStore) Remember(signature, itemID string) error {
	m.mu.Lock()
	m.seen[signature] = itemID
	m.mu.Unlock()
	return nil
}

func (m *MemorySeenStore) Forget(signature string) error {
	m.mu.Lock()
	delete(m.seen, signature)
	m.mu.Unlock()
	return nil
}

func (m *MemorySeenStore) Close() error { return nil }

// LevelDBSeenStore keeps processed signatures on disk so duplicates are still
// recognised after a restart.
type LevelDBSeenStore struct {
	db leveldb.Store
}

// OpenLevelDBSeenStore opens (or creates) the store in dir.
func OpenLevelDBSeenStore(dir string) (*LevelDBSeenStore, error) {
	db, err := leveldb.NewStore(leveldb.Options{Path: dir})
	if err != nil {
		return nil, errors.Wrapf(err, "opening seen store at %s", dir)
	}
	return &LevelDBSeenStore{db: db}, nil
}

func (l *LevelDBSeenStore) Lookup(signature string) (string, bool, error) {
	var itemID string
	found, err := l.db.Get(signature, &itemID)
	if err != nil {
		return "", false, errors.Wrap(err, "seen store lookup")
	}
	return itemID, found, nil
}

func (l *LevelDBSeenStore) Remember(signature, itemID string) error {
	return errors.Wrap(l.db.Set(signature, itemID), "seen store write")
}

func (l *LevelDBSeenStore) Forget(signature string) error {
	return errors.Wrap(l.db.Delete(signature), "seen store delete")
}

func (l *LevelDBSeenStore) Close() error {
	return l.db.Close()
}
