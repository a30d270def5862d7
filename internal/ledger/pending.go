package ledger

import (
	"sync"

	"meshledger/internal/proto"
)

const DefaultPendingCapacity = 32

// PendingPool holds transactions waiting to be retried, either for a
// missing ancestor or for history that changes their verdict. It is
// bounded; the oldest entry is dropped when a new one does not fit.
type PendingPool struct {
	mu    sync.Mutex
	cap   int
	order []proto.TxID
	txs   map[proto.TxID]proto.Transaction
}

func NewPendingPool(capacity int) *PendingPool {
	if capacity <= 0 {
		capacity = DefaultPendingCapacity
	}
	return &PendingPool{cap: capacity, txs: make(map[proto.TxID]proto.Transaction)}
}

// Add returns the id evicted to make room, if any.
func (p *PendingPool) Add(tx proto.Transaction) (proto.TxID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx.Flags = proto.FlagPending
	if _, ok := p.txs[tx.ID]; ok {
		p.txs[tx.ID] = tx
		return proto.TxID{}, false
	}
	var evicted proto.TxID
	dropped := false
	if len(p.order) >= p.cap {
		evicted = p.order[0]
		p.order = p.order[1:]
		delete(p.txs, evicted)
		dropped = true
	}
	p.order = append(p.order, tx.ID)
	p.txs[tx.ID] = tx
	return evicted, dropped
}

func (p *PendingPool) Contains(id proto.TxID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.txs[id]
	return ok
}

// Drain empties the pool and returns its contents oldest first.
func (p *PendingPool) Drain() []proto.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]proto.Transaction, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.txs[id])
	}
	p.order = nil
	p.txs = make(map[proto.TxID]proto.Transaction)
	return out
}

func (p *PendingPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
