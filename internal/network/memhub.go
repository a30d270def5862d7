package network

import (
	"math/rand"
	"sync"
)

// MemHub is an in-memory broadcast medium with optional packet loss and
// per-pair partitions.
type MemHub struct {
	mu    sync.Mutex
	links map[uint16]*MemLink
	cut   map[[2]uint16]bool
	loss  float64
	rng   *rand.Rand
}

func NewMemHub(seed int64) *MemHub {
	return &MemHub{
		links: make(map[uint16]*MemLink),
		cut:   make(map[[2]uint16]bool),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Join attaches a device to the medium.
func (h *MemHub) Join(id uint16) *MemLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := &MemLink{hub: h, id: id}
	h.links[id] = l
	return l
}

// SetLoss drops each delivery with probability p.
func (h *MemHub) SetLoss(p float64) {
	h.mu.Lock()
	h.loss = p
	h.mu.Unlock()
}

func pair(a, b uint16) [2]uint16 {
	if a > b {
		a, b = b, a
	}
	return [2]uint16{a, b}
}

// Cut takes a and b out of range of each other.
func (h *MemHub) Cut(a, b uint16) {
	h.mu.Lock()
	h.cut[pair(a, b)] = true
	h.mu.Unlock()
}

func (h *MemHub) Heal(a, b uint16) {
	h.mu.Lock()
	delete(h.cut, pair(a, b))
	h.mu.Unlock()
}

func (h *MemHub) broadcast(from uint16, packet []byte) {
	h.mu.Lock()
	var targets []func([]byte)
	for id, l := range h.links {
		if id == from || h.cut[pair(from, id)] {
			continue
		}
		if h.loss > 0 && h.rng.Float64() < h.loss {
			continue
		}
		if fn := l.receiver(); fn != nil {
			targets = append(targets, fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range targets {
		fn(append([]byte(nil), packet...))
	}
}

func (h *MemHub) leave(id uint16) {
	h.mu.Lock()
	delete(h.links, id)
	h.mu.Unlock()
}

type MemLink struct {
	hub    *MemHub
	id     uint16
	mu     sync.Mutex
	recv   func([]byte)
	closed bool
}

func (l *MemLink) receiver() func([]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.recv
}

func (l *MemLink) Send(packet []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.hub.broadcast(l.id, packet)
	return nil
}

func (l *MemLink) SetReceiver(fn func([]byte)) {
	l.mu.Lock()
	l.recv = fn
	l.mu.Unlock()
}

func (l *MemLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.hub.leave(l.id)
	return nil
}

var _ Link = (*MemLink)(nil)
