package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Rejection is one recent validator outcome kept for diagnostics.
type Rejection struct {
	TxID   string `json:"tx_id"`
	Sender string `json:"sender"`
	Result string `json:"result"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Ledger       LedgerMetrics     `json:"ledger"`
	Mesh         MeshMetrics       `json:"mesh"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Recent       []Rejection       `json:"recent"`
}

type LedgerMetrics struct {
	Applied        uint64 `json:"applied"`
	Rejected       uint64 `json:"rejected"`
	Pending        uint64 `json:"pending"`
	Suspicious     uint64 `json:"suspicious"`
	Reconciles     uint64 `json:"reconciles"`
	Checkpoints    uint64 `json:"checkpoints"`
	CorruptRecords uint64 `json:"corrupt_records"`
}

type MeshMetrics struct {
	Forwarded       uint64 `json:"forwarded"`
	InboundOverflow uint64 `json:"inbound_overflow"`
	Sent            uint64 `json:"sent"`
	SendRetries     uint64 `json:"send_retries"`
	SendDropped     uint64 `json:"send_dropped"`
	QueueFull       uint64 `json:"queue_full"`
	RangeRequests   uint64 `json:"range_requests"`
	RangeResponses  uint64 `json:"range_responses"`
}

type Metrics struct {
	applied         atomic.Uint64
	rejected        atomic.Uint64
	pending         atomic.Uint64
	suspicious      atomic.Uint64
	reconciles      atomic.Uint64
	checkpoints     atomic.Uint64
	corruptRecords  atomic.Uint64
	forwarded       atomic.Uint64
	inboundOverflow atomic.Uint64
	sent            atomic.Uint64
	sendRetries     atomic.Uint64
	sendDropped     atomic.Uint64
	queueFull       atomic.Uint64
	rangeRequests   atomic.Uint64
	rangeResponses  atomic.Uint64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
	recent       *Recent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(32),
	}
}

func (m *Metrics) IncApplied() {
	if m != nil {
		m.applied.Add(1)
	}
}

func (m *Metrics) IncRejected(r Rejection) {
	if m == nil {
		return
	}
	m.rejected.Add(1)
	m.recent.Add(r)
}

func (m *Metrics) IncPending() {
	if m != nil {
		m.pending.Add(1)
	}
}

func (m *Metrics) IncSuspicious() {
	if m != nil {
		m.suspicious.Add(1)
	}
}

func (m *Metrics) IncReconciles() {
	if m != nil {
		m.reconciles.Add(1)
	}
}

func (m *Metrics) IncCheckpoints() {
	if m != nil {
		m.checkpoints.Add(1)
	}
}

func (m *Metrics) AddCorruptRecords(n int) {
	if m != nil && n > 0 {
		m.corruptRecords.Add(uint64(n))
	}
}

func (m *Metrics) IncForwarded() {
	if m != nil {
		m.forwarded.Add(1)
	}
}

func (m *Metrics) IncInboundOverflow() {
	if m != nil {
		m.inboundOverflow.Add(1)
	}
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.sent.Add(1)
	}
}

func (m *Metrics) IncSendRetries() {
	if m != nil {
		m.sendRetries.Add(1)
	}
}

func (m *Metrics) IncSendDropped() {
	if m != nil {
		m.sendDropped.Add(1)
	}
}

func (m *Metrics) IncQueueFull() {
	if m != nil {
		m.queueFull.Add(1)
	}
}

func (m *Metrics) IncRangeRequests() {
	if m != nil {
		m.rangeRequests.Add(1)
	}
}

func (m *Metrics) IncRangeResponses() {
	if m != nil {
		m.rangeResponses.Add(1)
	}
}

func (m *Metrics) IncRecvByType(t string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.recvByType[t]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := copyCounts(m.recvByType)
	drop := copyCounts(m.dropByReason)
	m.mu.Unlock()
	recent := []Rejection{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Ledger: LedgerMetrics{
			Applied:        m.applied.Load(),
			Rejected:       m.rejected.Load(),
			Pending:        m.pending.Load(),
			Suspicious:     m.suspicious.Load(),
			Reconciles:     m.reconciles.Load(),
			Checkpoints:    m.checkpoints.Load(),
			CorruptRecords: m.corruptRecords.Load(),
		},
		Mesh: MeshMetrics{
			Forwarded:       m.forwarded.Load(),
			InboundOverflow: m.inboundOverflow.Load(),
			Sent:            m.sent.Load(),
			SendRetries:     m.sendRetries.Load(),
			SendDropped:     m.sendDropped.Load(),
			QueueFull:       m.queueFull.Load(),
			RangeRequests:   m.rangeRequests.Load(),
			RangeResponses:  m.rangeResponses.Load(),
		},
		RecvByType:   recv,
		DropByReason: drop,
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Recent keeps the last few rejections.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Rejection
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 32
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(x Rejection) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = x
		return
	}
	r.list = append(r.list, x)
}

func (r *Recent) List() []Rejection {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Rejection, len(r.list))
	copy(out, r.list)
	return out
}
