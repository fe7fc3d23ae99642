package session

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// slot holds the live session of one key. Slots are created once and never
// deleted; a key is freed by clearing its slot.
type slot struct {
	session atomic.Pointer[Session]
}

// Registry enforces a single live session per device key.
type Registry struct {
	slots *hashmap.Map[string, *slot]

	mu   sync.Mutex
	keys []string // sorted, one per slot ever created
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: hashmap.New[string, *slot]()}
}

func (r *Registry) slot(key string) *slot {
	if sl, ok := r.slots.Get(key); ok {
		return sl
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sl, ok := r.slots.Get(key); ok {
		return sl
	}
	sl := &slot{}
	r.slots.Set(key, sl)
	i, _ := slices.BinarySearch(r.keys, key)
	r.keys = slices.Insert(r.keys, i, key)
	return sl
}

// Register adds s. A second session for the same key is rejected, never overwritten.
func (r *Registry) Register(s *Session) error {
	sl := r.slot(s.Key())
	if !sl.session.CompareAndSwap(nil, s) {
		if existing := sl.session.Load(); existing != nil {
			return fmt.Errorf("%w: %s is %s", ErrDuplicateSession, s.Key(), existing.State())
		}
		// Freed in between; the key is available again.
		if !sl.session.CompareAndSwap(nil, s) {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, s.Key())
		}
	}
	return nil
}

// Remove drops the session registered under key, if it is s.
func (r *Registry) Remove(s *Session) bool {
	sl, ok := r.slots.Get(s.Key())
	return ok && sl.session.CompareAndSwap(s, nil)
}

// Get returns the session registered under key.
func (r *Registry) Get(key string) (*Session, bool) {
	sl, ok := r.slots.Get(key)
	if !ok {
		return nil, false
	}
	s := sl.session.Load()
	return s, s != nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.Sessions())
}

// Sessions returns every registered session ordered by key.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	keys := slices.Clone(r.keys)
	r.mu.Unlock()

	out := make([]*Session, 0, len(keys))
	for _, k := range keys {
		if s, ok := r.Get(k); ok {
			out = append(out, s)
		}
	}
	return out
}
