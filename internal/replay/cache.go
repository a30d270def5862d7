package replay

import (
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/sha3"
)

const (
	DefaultRawCapacity     = 128
	DefaultMessageCapacity = 32
)

type Fingerprint [16]byte

// Hash fingerprints raw packet bytes.
func Hash(raw []byte) Fingerprint {
	sum := sha3.Sum256(raw)
	var fp Fingerprint
	copy(fp[:], sum[:])
	return fp
}

// MessageKey fingerprints a logical message by origin and message id.
func MessageKey(src uint16, msgID uint32) Fingerprint {
	var fp Fingerprint
	fp[0] = 'm'
	binary.LittleEndian.PutUint16(fp[1:], src)
	binary.LittleEndian.PutUint32(fp[3:], msgID)
	return fp
}

// Cache is a fixed ring of recent fingerprints. Remember overwrites the
// oldest slot once the ring is full.
type Cache struct {
	mu    sync.Mutex
	ring  []Fingerprint
	used  int
	next  int
	index map[Fingerprint]int
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultRawCapacity
	}
	return &Cache{
		ring:  make([]Fingerprint, capacity),
		index: make(map[Fingerprint]int, capacity),
	}
}

func (c *Cache) Seen(fp Fingerprint) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index[fp] > 0
}

func (c *Cache) Remember(fp Fingerprint) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rememberLocked(fp)
}

// Check reports whether fp was already present and remembers it if not.
func (c *Cache) Check(fp Fingerprint) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index[fp] > 0 {
		return true
	}
	c.rememberLocked(fp)
	return false
}

func (c *Cache) rememberLocked(fp Fingerprint) {
	if c.used == len(c.ring) {
		old := c.ring[c.next]
		if n := c.index[old]; n <= 1 {
			delete(c.index, old)
		} else {
			c.index[old] = n - 1
		}
	} else {
		c.used++
	}
	c.ring[c.next] = fp
	c.index[fp]++
	c.next = (c.next + 1) % len(c.ring)
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}
