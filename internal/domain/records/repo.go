package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateItem  = errors.New("a record for this item already exists")
)

// Repository stores record metadata.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByItemID(ctx context.Context, itemID string) (*Record, error)
	Update(ctx context.Context, r *Record) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
}

// MemoryRepo keeps records in process memory. It backs tests and the
// development server when no DATABASE_URL is configured.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[uuid.UUID]*Record)}
}

func clone(r *Record) *Record {
	c := *r
	return &c
}

func (m *MemoryRepo) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	for _, existing := range m.byID {
		if existing.ItemID == r.ItemID {
			return ErrDuplicateItem
		}
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.VersionID == 0 {
		r.VersionID = 1
	}
	m.byID[r.ID] = clone(r)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return clone(r), nil
}

func (m *MemoryRepo) GetByItemID(_ context.Context, itemID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.byID {
		if r.ItemID == itemID {
			return clone(r), nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *MemoryRepo) Update(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; !ok {
		return ErrRecordNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	m.byID[r.ID] = clone(r)
	return nil
}

func (m *MemoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrRecordNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *MemoryRepo) List(_ context.Context, limit, offset int) ([]*Record, int, error) {
	m.mu.RLock()
	all := make([]*Record, 0, len(m.byID))
	for _, r := range m.byID {
		all = append(all, clone(r))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return []*Record{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
