// Package clock holds the Lamport counter that orders every transaction.
package clock

import (
	"math"
	"sync"
)

// Lamport saturates at math.MaxUint32 instead of wrapping.
type Lamport struct {
	mu        sync.Mutex
	value     uint32
	saturated bool
}

func New(start uint32) *Lamport {
	return &Lamport{value: start}
}

func (c *Lamport) next(base uint32) uint32 {
	if base == math.MaxUint32 {
		c.saturated = true
		return base
	}
	return base + 1
}

// AdvanceLocal is called once per locally created transaction.
func (c *Lamport) AdvanceLocal() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = c.next(c.value)
	return c.value
}

// ObserveRemote applies max(local, remote) + 1.
func (c *Lamport) ObserveRemote(remote uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := c.value
	if remote > base {
		base = remote
	}
	c.value = c.next(base)
	return c.value
}

func (c *Lamport) Value() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Restore only moves the counter forward.
func (c *Lamport) Restore(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.value {
		c.value = v
	}
}

func (c *Lamport) Saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saturated
}
