package goble

import (
	"strings"
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// claims marks addresses that have an open link. A slot is inserted once per
// address and then toggled; entries are never deleted, so an address can be
// released and claimed again any number of times.
type claims struct {
	slots *hashmap.Map[string, *atomic.Bool]
}

func newClaims() *claims {
	return &claims{slots: hashmap.New[string, *atomic.Bool]()}
}

func (c *claims) slot(address string) *atomic.Bool {
	key := strings.ToLower(address)
	if s, ok := c.slots.Get(key); ok {
		return s
	}
	s, _ := c.slots.GetOrInsert(key, new(atomic.Bool))
	return s
}

// take claims address and reports whether it was free.
func (c *claims) take(address string) bool {
	return c.slot(address).CompareAndSwap(false, true)
}

func (c *claims) release(address string) {
	if s, ok := c.slots.Get(strings.ToLower(address)); ok {
		s.Store(false)
	}
}

func (c *claims) held(address string) bool {
	s, ok := c.slots.Get(strings.ToLower(address))
	return ok && s.Load()
}
