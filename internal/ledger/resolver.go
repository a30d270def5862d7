package ledger

import (
	"bytes"
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/sha3"

	"meshledger/internal/proto"
)

// Wins reports whether a replaces b when both carry the same tx id: higher
// lamport wins, then the greater device id, then the greater encoding.
func Wins(a, b proto.Transaction) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	if a.DeviceID != b.DeviceID {
		return a.DeviceID > b.DeviceID
	}
	ea := proto.EncodeTx(a)
	eb := proto.EncodeTx(b)
	return bytes.Compare(ea[:proto.TxSize-1], eb[:proto.TxSize-1]) > 0
}

// Merge unions the sets by tx id and returns them in canonical order. The
// result depends only on the set of inputs, never on their arrival order.
// Output is unclassified: every flag is reset to pending.
func Merge(sets ...[]proto.Transaction) []proto.Transaction {
	byID := make(map[proto.TxID]proto.Transaction)
	for _, set := range sets {
		for _, tx := range set {
			cur, ok := byID[tx.ID]
			if !ok || (!cur.SameContent(tx) && Wins(tx, cur)) {
				byID[tx.ID] = tx
			}
		}
	}
	out := make([]proto.Transaction, 0, len(byID))
	for _, tx := range byID {
		tx.Flags = proto.FlagPending
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return proto.Less(out[i], out[j]) })
	return out
}

type epochKey struct {
	identity string
	epoch    uint32
}

// memLedger is the scratch ledger a sequence is replayed onto.
type memLedger struct {
	policy   Policy
	ids      map[proto.TxID]struct{}
	balances map[string]int64
	sent     map[epochKey]uint64
	maxSeen  uint32
	txs      []proto.Transaction
}

func newMemLedger(p Policy, baseClock uint32) *memLedger {
	return &memLedger{
		policy:   p,
		ids:      make(map[proto.TxID]struct{}),
		balances: make(map[string]int64),
		sent:     make(map[epochKey]uint64),
		maxSeen:  baseClock,
	}
}

func (m *memLedger) Exists(id proto.TxID) bool {
	_, ok := m.ids[id]
	return ok
}

func (m *memLedger) BalanceOf(identity string) int64 {
	return m.balances[identity]
}

func (m *memLedger) SentInEpoch(identity string, epoch uint32) uint64 {
	return m.sent[epochKey{identity, epoch}]
}

func (m *memLedger) MaxSeen() uint32 {
	return m.maxSeen
}

func (m *memLedger) apply(tx proto.Transaction) {
	m.ids[tx.ID] = struct{}{}
	m.txs = append(m.txs, tx)
	if tx.Lamport > m.maxSeen {
		m.maxSeen = tx.Lamport
	}
	if !tx.Flags.Counts() {
		return
	}
	m.balances[tx.Sender] -= int64(tx.Amount)
	m.balances[tx.Receiver] += int64(tx.Amount)
	m.sent[epochKey{tx.Sender, m.policy.Epoch(tx.Lamport)}] += tx.Amount
}

func (m *memLedger) tail() (proto.Transaction, bool) {
	if len(m.txs) == 0 {
		return proto.Transaction{}, false
	}
	return m.txs[len(m.txs)-1], true
}

// Digest hashes the ordered ledger image, flags included.
func Digest(txs []proto.Transaction) [32]byte {
	h := sha3.New256()
	for _, tx := range txs {
		h.Write(tx.ID[:])
		h.Write([]byte{byte(tx.Flags)})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SummaryOf builds the advertised summary of an ordered image.
func SummaryOf(txs []proto.Transaction) proto.Summary {
	var s proto.Summary
	for _, tx := range txs {
		if tx.Lamport > s.LastLamport {
			s.LastLamport = tx.Lamport
		}
	}
	s.TxCount = uint32(len(txs))
	d := Digest(txs)
	s.LedgerHash = binary.LittleEndian.Uint32(d[:4])
	return s
}
