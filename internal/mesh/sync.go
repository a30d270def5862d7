// Package mesh drives ledger gossip: summary exchange, range fetches and
// the outbound retry queue.
package mesh

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshledger/internal/metrics"
	"meshledger/internal/proto"
)

const (
	DefaultSyncSlots         = 4
	DefaultRequestTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultSummaryInterval   = 60 * time.Second
	DefaultNeighborCapacity  = 32
	DefaultNeighborTimeout   = 5 * time.Minute
)

type SlotState int

const (
	SlotIdle SlotState = iota
	SlotRequesting
	SlotCaughtUp
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "IDLE"
	case SlotRequesting:
		return "REQUESTING"
	case SlotCaughtUp:
		return "CAUGHT_UP"
	default:
		return "UNKNOWN"
	}
}

// Ledger is the part of the ledger engine the sync engine drives.
type Ledger interface {
	Summary() proto.Summary
	Range(from uint32, after proto.TxID, max int) []proto.Transaction
	ApplyIncomingBatch(txs []proto.Transaction) (int, error)
}

// Transmitter queues a payload for a destination (proto.Broadcast for all).
type Transmitter interface {
	Send(dst uint16, p proto.Payload) error
}

type neighborSlot struct {
	Neighbor            uint16
	InUse               bool
	State               SlotState
	NextExpectedLamport uint32
	AdvertisedLamport   uint32
	AdvertisedCount     uint32
	LastRequestTime     time.Time
	Priority            uint32

	// last record received in this fetch; the next request resumes after it
	cursor proto.Transaction

	// summaries a completed repair ran against; a repeat is skipped
	repairedRemote proto.Summary
	repairedLocal  proto.Summary
}

// SlotInfo is a read-only copy of a sync slot.
type SlotInfo struct {
	Neighbor     uint16
	State        SlotState
	NextExpected uint32
	Advertised   uint32
	Priority     uint32
}

// Neighbor is the last summary heard from a device.
type Neighbor struct {
	ID       uint16
	Summary  proto.Summary
	LastSeen time.Time
}

type SyncOptions struct {
	Slots             int
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	SummaryInterval   time.Duration
	NeighborCapacity  int
	NeighborTimeout   time.Duration
	// PacketBudget bounds every encoded packet; range batches are sized to it.
	PacketBudget int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type SyncEngine struct {
	mu        sync.Mutex
	ledger    Ledger
	tx        Transmitter
	opts      SyncOptions
	log       *zap.Logger
	metrics   *metrics.Metrics
	perPacket int

	slots     []neighborSlot
	neighbors map[uint16]Neighbor

	started       bool
	lastHeartbeat time.Time
	lastSummary   time.Time
}

func NewSyncEngine(l Ledger, tx Transmitter, opts SyncOptions) *SyncEngine {
	if opts.Slots <= 0 {
		opts.Slots = DefaultSyncSlots
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = DefaultSummaryInterval
	}
	if opts.NeighborCapacity <= 0 {
		opts.NeighborCapacity = DefaultNeighborCapacity
	}
	if opts.NeighborTimeout <= 0 {
		opts.NeighborTimeout = DefaultNeighborTimeout
	}
	if opts.PacketBudget <= 0 || opts.PacketBudget > proto.MaxPacketSize {
		opts.PacketBudget = proto.MaxPacketSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	per := proto.MaxRangeTxs(opts.PacketBudget)
	if per < 1 {
		per = 1
	}
	return &SyncEngine{
		ledger:    l,
		tx:        tx,
		opts:      opts,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		perPacket: per,
		slots:     make([]neighborSlot, opts.Slots),
		neighbors: make(map[uint16]Neighbor),
	}
}

// PerPacket is how many transactions one range response carries.
func (s *SyncEngine) PerPacket() int {
	return s.perPacket
}

// HandleHeartbeat records neighbor liveness and evaluates its summary.
func (s *SyncEngine) HandleHeartbeat(now time.Time, src uint16, hb proto.Heartbeat) {
	s.HandleSummary(now, src, hb.Summary)
}

// HandleSummary decides whether src has transactions we lack and starts
// a range fetch if so.
func (s *SyncEngine) HandleSummary(now time.Time, src uint16, remote proto.Summary) {
	local := s.ledger.Summary()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(now, src, remote)

	var from, lag uint32
	repair := false
	switch {
	case remote.LastLamport > local.LastLamport:
		from = local.LastLamport + 1
		lag = remote.LastLamport - local.LastLamport
	case remote.TxCount > local.TxCount:
		// same or older horizon but more records: something in the middle is missing
		repair = true
		lag = remote.TxCount - local.TxCount
	case remote.TxCount == local.TxCount && remote.LedgerHash != local.LedgerHash:
		repair = true
		lag = 1
	default:
		return
	}

	slot := s.slotLocked(src, lag)
	if slot == nil {
		s.log.Debug("no sync slot for neighbor", zap.Uint16("neighbor", src), zap.Uint32("lag", lag))
		return
	}
	if repair && slot.State == SlotCaughtUp && slot.repairedRemote == remote && slot.repairedLocal == local {
		return
	}
	slot.AdvertisedLamport = remote.LastLamport
	slot.AdvertisedCount = remote.TxCount
	slot.Priority = lag
	if slot.State == SlotRequesting && now.Sub(slot.LastRequestTime) < s.opts.RequestTimeout {
		return
	}
	slot.NextExpectedLamport = from
	slot.cursor = proto.Transaction{}
	if repair {
		slot.repairedRemote = remote
		slot.repairedLocal = local
	} else {
		slot.repairedRemote = proto.Summary{}
		slot.repairedLocal = proto.Summary{}
	}
	s.requestLocked(now, slot)
}

// HandleSummaryRequest answers a LEDGER_SYNC request with our summary.
func (s *SyncEngine) HandleSummaryRequest(src uint16) {
	if err := s.tx.Send(src, s.ledger.Summary()); err != nil {
		s.log.Debug("summary reply not queued", zap.Uint16("neighbor", src), zap.Error(err))
	}
}

// HandleRangeRequest serves one reply of at most a packet's worth of
// records with lamport >= from, resuming after req.After when set. An empty
// reply tells the requester we have nothing further.
func (s *SyncEngine) HandleRangeRequest(src uint16, req proto.RangeRequest) {
	max := int(req.MaxCount)
	if max <= 0 || max > s.perPacket {
		max = s.perPacket
	}
	txs := s.ledger.Range(req.FromLamport, req.After, max)
	s.sendRange(src, proto.RangeResponse{FromLamport: req.FromLamport, Txs: txs})
}

func (s *SyncEngine) sendRange(dst uint16, resp proto.RangeResponse) {
	if err := s.tx.Send(dst, resp); err != nil {
		s.log.Debug("range response not queued", zap.Uint16("neighbor", dst), zap.Error(err))
		return
	}
	s.metrics.IncRangeResponses()
}

// HandleRangeResponse imports the batch and keeps fetching until the
// neighbor runs out of records past its advertised horizon.
func (s *SyncEngine) HandleRangeResponse(now time.Time, src uint16, resp proto.RangeResponse) error {
	if len(resp.Txs) > 0 {
		if _, err := s.ledger.ApplyIncomingBatch(resp.Txs); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.findLocked(src)
	if slot == nil || slot.State != SlotRequesting {
		return nil
	}
	if len(resp.Txs) == 0 {
		s.caughtUpLocked(slot)
		return nil
	}
	tail := resp.Txs[len(resp.Txs)-1]
	// the cursor only moves forward; stale or repeated replies are no-ops
	if tail.Lamport < slot.NextExpectedLamport || (!slot.cursor.ID.IsZero() && !proto.Less(slot.cursor, tail)) {
		return nil
	}
	slot.NextExpectedLamport = tail.Lamport
	slot.cursor = tail
	// a full reply at the horizon may still be mid-group, so only a short
	// one ends the fetch there
	if tail.Lamport > slot.AdvertisedLamport || (tail.Lamport == slot.AdvertisedLamport && len(resp.Txs) < s.perPacket) {
		s.caughtUpLocked(slot)
		return nil
	}
	s.requestLocked(now, slot)
	return nil
}

// Tick drives heartbeats, periodic summary requests and request timeouts.
func (s *SyncEngine) Tick(now time.Time) {
	s.mu.Lock()
	if !s.started {
		s.started = true
		s.lastHeartbeat = now
		s.lastSummary = now
	}
	heartbeat := now.Sub(s.lastHeartbeat) >= s.opts.HeartbeatInterval
	if heartbeat {
		s.lastHeartbeat = now
	}
	summary := now.Sub(s.lastSummary) >= s.opts.SummaryInterval
	if summary {
		s.lastSummary = now
	}
	for i := range s.slots {
		slot := &s.slots[i]
		if slot.InUse && slot.State == SlotRequesting && now.Sub(slot.LastRequestTime) >= s.opts.RequestTimeout {
			s.log.Debug("range request timed out", zap.Uint16("neighbor", slot.Neighbor))
			slot.State = SlotIdle
		}
	}
	for id, n := range s.neighbors {
		if now.Sub(n.LastSeen) >= s.opts.NeighborTimeout {
			delete(s.neighbors, id)
		}
	}
	s.mu.Unlock()

	if heartbeat {
		if err := s.tx.Send(proto.Broadcast, proto.Heartbeat{Summary: s.ledger.Summary()}); err != nil {
			s.log.Debug("heartbeat not queued", zap.Error(err))
		}
	}
	if summary {
		if err := s.tx.Send(proto.Broadcast, proto.SummaryRequest{}); err != nil {
			s.log.Debug("summary request not queued", zap.Error(err))
		}
	}
}

// Slots returns the in-use sync slots ordered by neighbor.
func (s *SyncEngine) Slots() []SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SlotInfo
	for _, slot := range s.slots {
		if !slot.InUse {
			continue
		}
		out = append(out, SlotInfo{
			Neighbor:     slot.Neighbor,
			State:        slot.State,
			NextExpected: slot.NextExpectedLamport,
			Advertised:   slot.AdvertisedLamport,
			Priority:     slot.Priority,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Neighbor < out[j].Neighbor })
	return out
}

// Neighbors lists devices heard from within the neighbor timeout.
func (s *SyncEngine) Neighbors() []Neighbor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Neighbor, 0, len(s.neighbors))
	for _, n := range s.neighbors {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *SyncEngine) touchLocked(now time.Time, src uint16, sum proto.Summary) {
	if _, ok := s.neighbors[src]; !ok && len(s.neighbors) >= s.opts.NeighborCapacity {
		var oldest uint16
		var at time.Time
		first := true
		for id, n := range s.neighbors {
			if first || n.LastSeen.Before(at) {
				oldest, at, first = id, n.LastSeen, false
			}
		}
		delete(s.neighbors, oldest)
	}
	s.neighbors[src] = Neighbor{ID: src, Summary: sum, LastSeen: now}
}

func (s *SyncEngine) findLocked(src uint16) *neighborSlot {
	for i := range s.slots {
		if s.slots[i].InUse && s.slots[i].Neighbor == src {
			return &s.slots[i]
		}
	}
	return nil
}

// slotLocked returns the slot for src, allocating one if needed. When all
// slots are taken the lowest-priority one is reused, but an active request
// is only displaced by a neighbor that is further ahead.
func (s *SyncEngine) slotLocked(src uint16, priority uint32) *neighborSlot {
	if slot := s.findLocked(src); slot != nil {
		return slot
	}
	var victim *neighborSlot
	for i := range s.slots {
		slot := &s.slots[i]
		if !slot.InUse {
			victim = slot
			break
		}
		if victim == nil || evictBefore(slot, victim) {
			victim = slot
		}
	}
	if victim == nil {
		return nil
	}
	if victim.InUse && victim.State == SlotRequesting && victim.Priority >= priority {
		return nil
	}
	*victim = neighborSlot{Neighbor: src, InUse: true, State: SlotIdle, Priority: priority}
	return victim
}

func evictBefore(a, b *neighborSlot) bool {
	ar, br := a.State == SlotRequesting, b.State == SlotRequesting
	if ar != br {
		return !ar
	}
	return a.Priority < b.Priority
}

func (s *SyncEngine) requestLocked(now time.Time, slot *neighborSlot) {
	req := proto.RangeRequest{FromLamport: slot.NextExpectedLamport, MaxCount: uint32(s.perPacket), After: slot.cursor.ID}
	slot.State = SlotRequesting
	slot.LastRequestTime = now
	if err := s.tx.Send(slot.Neighbor, req); err != nil {
		s.log.Debug("range request not queued", zap.Uint16("neighbor", slot.Neighbor), zap.Error(err))
		slot.State = SlotIdle
		return
	}
	s.metrics.IncRangeRequests()
}

// caughtUpLocked ends a fetch. The slot stays allocated because it carries
// the repair memo that stops the same divergence from being refetched; it
// is the first one evicted when another neighbor needs room.
func (s *SyncEngine) caughtUpLocked(slot *neighborSlot) {
	slot.State = SlotCaughtUp
	slot.Priority = 0
	slot.cursor = proto.Transaction{}
}
