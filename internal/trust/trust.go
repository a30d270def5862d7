// Package trust keeps the locally known risk scores of identities.
package trust

import (
	"sync"

	"github.com/pkg/errors"

	"meshledger/internal/proto"
)

const (
	MaxScore        = 100
	DefaultScore    = 70
	DefaultCapacity = 256
)

var (
	ErrNotAuthority = errors.New("trust update issuer is not an authority")
	ErrBadSignature = errors.New("trust update signature invalid")
	ErrBadScore     = errors.New("trust score out of range")
)

// Verifier checks a signature made by a device.
type Verifier interface {
	Verify(msg, sig []byte, deviceID string) bool
}

// Table is a bounded score table. Unknown identities get the default score.
type Table struct {
	mu          sync.RWMutex
	scores      map[string]uint8
	order       []string
	capacity    int
	def         uint8
	authorities map[string]struct{}
	verifier    Verifier
}

func NewTable(def uint8, capacity int, authorities []string, v Verifier) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if def > MaxScore {
		def = MaxScore
	}
	auth := make(map[string]struct{}, len(authorities))
	for _, a := range authorities {
		auth[a] = struct{}{}
	}
	return &Table{
		scores:      make(map[string]uint8),
		capacity:    capacity,
		def:         def,
		authorities: auth,
		verifier:    v,
	}
}

func (t *Table) Score(identity string) uint8 {
	if t == nil {
		return DefaultScore
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.scores[identity]; ok {
		return s
	}
	return t.def
}

// Set records a score, evicting the oldest entry when full.
func (t *Table) Set(identity string, score uint8) error {
	if score > MaxScore {
		return ErrBadScore
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.scores[identity]; !ok {
		if len(t.order) >= t.capacity {
			delete(t.scores, t.order[0])
			t.order = t.order[1:]
		}
		t.order = append(t.order, identity)
	}
	t.scores[identity] = score
	return nil
}

// Apply accepts a signed update from a configured authority.
func (t *Table) Apply(u proto.TrustUpdate) error {
	if _, ok := t.authorities[u.Issuer]; !ok {
		return ErrNotAuthority
	}
	if t.verifier == nil || !t.verifier.Verify(proto.TrustSigningBytes(u), u.Signature[:], u.Issuer) {
		return ErrBadSignature
	}
	return t.Set(u.Subject, u.Score)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.scores)
}

type Signer interface {
	Sign(msg []byte) []byte
}

// Sign builds an update for subject signed by issuer.
func Sign(s Signer, issuer, subject string, score uint8) proto.TrustUpdate {
	u := proto.TrustUpdate{Subject: subject, Score: score, Issuer: issuer}
	copy(u.Signature[:], s.Sign(proto.TrustSigningBytes(u)))
	return u
}
