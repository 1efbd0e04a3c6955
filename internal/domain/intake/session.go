package intake

import (
	"context"
	"sync"
)

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// entry owns one item. Every read or write of the item goes through mu, and
// cancel is only ever called while holding mu, so a mutation that observed an
// uncancelled context cannot race with a cancellation.
type entry struct {
	mu      sync.Mutex
	item    *Item
	run     *run
	removed bool
}

// Session is the registry of items admitted in this process.
type Session struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func NewSession() *Session {
	return &Session{entries: make(map[string]*entry)}
}

func (s *Session) add(it *Item) *entry {
	e := &entry{item: it}
	s.mu.Lock()
	s.entries[it.ID] = e
	s.order = append(s.order, it.ID)
	s.mu.Unlock()
	return e
}

func (s *Session) get(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *Session) remove(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return e
}

// all returns entries in admission order.
func (s *Session) all() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

func (s *Session) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// apply runs fn against the entry's item unless ctx has been cancelled or the
// entry removed, in which case nothing is changed and ctx.Err (or
// context.Canceled) is returned.
func (e *entry) apply(ctx context.Context, fn func(*Item) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.removed {
		return context.Canceled
	}
	return fn(e.item)
}

func (e *entry) snapshot() *Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.item.snapshot()
}

// cancelRun cancels the entry's in-flight run, if any, and returns its done
// channel.
func (e *entry) cancelRun() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return nil
	}
	e.run.cancel()
	return e.run.done
}

func (e *entry) running() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return nil
	}
	return e.run.done
}
