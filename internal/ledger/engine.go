package ledger

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meshledger/internal/clock"
	"meshledger/internal/metrics"
	"meshledger/internal/proto"
	"meshledger/internal/store"
)

const DefaultCheckpointInterval = 100

// maxRetryRounds bounds how often one apply re-runs the pools.
const maxRetryRounds = 8

type State int32

const (
	StateRunning State = iota
	StateFatalStorage
	StateWiped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateFatalStorage:
		return "FATAL_STORAGE"
	case StateWiped:
		return "WIPED"
	default:
		return "UNKNOWN"
	}
}

var ErrHalted = errors.New("ledger halted")

type Signer interface {
	Sign(msg []byte) []byte
}

type Options struct {
	// Owner is the identity of the person using this device.
	Owner              string
	DeviceID           string
	PendingCapacity    int
	// DeferredCapacity bounds rejections kept for another try, such as a
	// spend that arrived before the transfer funding it.
	DeferredCapacity   int
	CheckpointInterval uint32
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
}

// Engine owns the ledger store, the clock and the pending pool. Every
// mutation goes through one lock so checkpoint and wipe never interleave
// with an append.
type Engine struct {
	mu        sync.Mutex
	store     *store.Store
	clock     *clock.Lamport
	validator *Validator
	signer    Signer
	pending   *PendingPool
	deferred  *PendingPool
	opts      Options
	log       *zap.Logger
	metrics   *metrics.Metrics
	state     atomic.Int32
	summary   proto.Summary
	digest    [32]byte
	lastCkpt  uint32
}

func NewEngine(st *store.Store, v *Validator, signer Signer, opts Options) (*Engine, error) {
	if st == nil || v == nil {
		return nil, errors.New("engine needs a store and a validator")
	}
	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &Engine{
		store:     st,
		validator: v,
		signer:    signer,
		pending:   NewPendingPool(opts.PendingCapacity),
		deferred:  NewPendingPool(opts.DeferredCapacity),
		opts:      opts,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
	meta := st.Meta()
	e.clock = clock.New(meta.LogicalClock)
	if ck, err := st.LoadCheckpoint(); err == nil {
		e.lastCkpt = ck.TxCount
	}
	if err := st.Fatal(); err != nil {
		e.state.Store(int32(StateFatalStorage))
	}
	e.refreshLocked()
	return e, nil
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) Clock() uint32 {
	return e.clock.Value()
}

func (e *Engine) Owner() string {
	return e.opts.Owner
}

func (e *Engine) DeviceID() string {
	return e.opts.DeviceID
}

func (e *Engine) PendingLen() int {
	return e.pending.Len()
}

// DeferredLen counts rejected transactions held for a retry.
func (e *Engine) DeferredLen() int {
	return e.deferred.Len()
}

// Summary is what heartbeats advertise: highest lamport, count, hash.
func (e *Engine) Summary() proto.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary
}

func (e *Engine) CachedBalance() int64 {
	return e.store.Meta().CachedBalance
}

// Balance recomputes identity's balance by scanning the store.
func (e *Engine) Balance(identity string) (int64, store.ScanStats) {
	bal, st := e.store.BalanceOf(identity)
	e.metrics.AddCorruptRecords(st.Corrupt)
	return bal, st
}

func (e *Engine) Transactions() []proto.Transaction {
	txs, _ := e.store.All()
	return txs
}

// Range serves a range request: at most max records with lamport >= from
// in canonical order. A non-zero after resumes behind that record; when it
// is not held here the reply starts over at from.
func (e *Engine) Range(from uint32, after proto.TxID, max int) []proto.Transaction {
	if max <= 0 {
		return nil
	}
	all := e.store.Since(from)
	if !after.IsZero() {
		for i, tx := range all {
			if tx.ID == after {
				all = all[i+1:]
				break
			}
		}
	}
	if len(all) > max {
		all = all[:max]
	}
	return all
}

func (e *Engine) haltedLocked() error {
	if s := e.State(); s != StateRunning {
		return errors.Wrap(ErrHalted, s.String())
	}
	return nil
}

// CreateTransaction signs a new transfer from the owner and applies it.
func (e *Engine) CreateTransaction(receiver string, amount uint64) (proto.Transaction, Result, error) {
	if e.signer == nil {
		return proto.Transaction{}, Result{}, errors.New("no signer configured")
	}
	e.mu.Lock()
	if err := e.haltedLocked(); err != nil {
		e.mu.Unlock()
		return proto.Transaction{}, Result{}, err
	}
	tx := proto.Transaction{
		Sender:   e.opts.Owner,
		Receiver: receiver,
		DeviceID: e.opts.DeviceID,
		Amount:   amount,
		Lamport:  e.clock.AdvanceLocal(),
	}
	copy(tx.PrevHash[:], e.digest[:proto.PrevHashSize])
	if last, ok := e.store.Last(); ok {
		tx.Parents[0] = last.ID
	}
	e.mu.Unlock()

	tx.ID = proto.ComputeTxID(tx)
	copy(tx.Signature[:], e.signer.Sign(proto.SigningBytes(tx)))

	results, _, err := e.apply([]proto.Transaction{tx})
	if err != nil {
		return tx, Result{}, err
	}
	r := results[tx.ID]
	tx.Flags = r.Flag()
	return tx, r, nil
}

// ApplyTransaction imports one transaction and reports its classification.
func (e *Engine) ApplyTransaction(tx proto.Transaction) (Result, error) {
	results, _, err := e.apply([]proto.Transaction{tx})
	if err != nil {
		return Result{}, err
	}
	return results[tx.ID], nil
}

// ApplyIncomingBatch imports a batch and returns how many transactions
// were newly committed, pool retries included.
func (e *Engine) ApplyIncomingBatch(txs []proto.Transaction) (int, error) {
	_, applied, err := e.apply(txs)
	return applied, err
}

func (e *Engine) apply(txs []proto.Transaction) (map[proto.TxID]Result, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return nil, 0, err
	}
	last := e.digest
	results, applied, err := e.applyLocked(txs)
	if err != nil {
		return results, applied, err
	}
	// a changed image may unblock pooled records; stop once it settles
	for round := 0; round < maxRetryRounds && e.digest != last; round++ {
		if e.pending.Len()+e.deferred.Len() == 0 {
			break
		}
		last = e.digest
		retry := append(e.pending.Drain(), e.deferred.Drain()...)
		r2, n, err := e.applyLocked(retry)
		for id, r := range r2 {
			if _, ok := results[id]; ok && r.Reason != ReasonDuplicate {
				results[id] = r
			}
		}
		applied += n
		if err != nil {
			return results, applied, err
		}
	}
	return results, applied, nil
}

func (e *Engine) applyLocked(txs []proto.Transaction) (map[proto.TxID]Result, int, error) {
	results := make(map[proto.TxID]Result, len(txs))
	// a forged copy must never take part in same-id resolution
	authentic := txs[:0:0]
	for _, tx := range txs {
		if r := e.validator.Authentic(tx); !r.Accepted() {
			if _, ok := results[tx.ID]; !ok {
				results[tx.ID] = r
			}
			e.classify(tx, r)
			continue
		}
		authentic = append(authentic, tx)
	}
	incoming := Merge(authentic)
	if len(incoming) == 0 {
		return results, 0, nil
	}
	local, st := e.store.All()
	e.metrics.AddCorruptRecords(st.Corrupt)

	view := newMemLedger(e.validator.Policy(), e.clock.Value())
	for _, tx := range local {
		view.apply(tx)
	}

	fresh := incoming[:0:0]
	needMerge := false
	localByID := make(map[proto.TxID]proto.Transaction, len(local))
	for _, tx := range local {
		localByID[tx.ID] = tx
	}
	for _, tx := range incoming {
		if cur, ok := localByID[tx.ID]; ok {
			if cur.SameContent(tx) {
				results[tx.ID] = rejected(ReasonDuplicate)
				continue
			}
			needMerge = true
		}
		fresh = append(fresh, tx)
	}
	if len(fresh) == 0 {
		return results, 0, nil
	}
	if tail, ok := view.tail(); ok && !proto.Less(tail, fresh[0]) {
		needMerge = true
	}
	if needMerge {
		return e.reconcileLocked(local, fresh, results)
	}
	return e.appendLocked(view, fresh, results)
}

// appendLocked is the common case: every new transaction sorts after the
// local tail, so validating in order on top of the current image is the
// same as a full merge.
func (e *Engine) appendLocked(view *memLedger, fresh []proto.Transaction, results map[proto.TxID]Result) (map[proto.TxID]Result, int, error) {
	applied := 0
	var maxLamport uint32
	for _, tx := range fresh {
		r := e.validator.Validate(view, tx)
		results[tx.ID] = r
		if !e.classify(tx, r) {
			continue
		}
		tx.Flags = r.Flag()
		if _, err := e.store.Append(tx); err != nil {
			e.storageErrorLocked(err)
			e.refreshLocked()
			return results, applied, errors.Wrap(err, "append transaction")
		}
		view.apply(tx)
		applied++
		if tx.DeviceID != e.opts.DeviceID && tx.Lamport > maxLamport {
			maxLamport = tx.Lamport
		}
	}
	return results, applied, e.commitLocked(applied, maxLamport, false)
}

// reconcileLocked replays the merged set onto a scratch ledger and swaps
// the accepted sequence in as the new image.
func (e *Engine) reconcileLocked(local, fresh []proto.Transaction, results map[proto.TxID]Result) (map[proto.TxID]Result, int, error) {
	e.metrics.IncReconciles()
	merged := Merge(local, fresh)
	scratch := newMemLedger(e.validator.Policy(), e.clock.Value())

	before := make(map[proto.TxID]proto.Transaction, len(local))
	for _, tx := range local {
		before[tx.ID] = tx
	}
	incoming := make(map[proto.TxID]struct{}, len(fresh))
	for _, tx := range fresh {
		incoming[tx.ID] = struct{}{}
	}

	applied := 0
	var maxLamport uint32
	for _, tx := range merged {
		r := e.validator.Validate(scratch, tx)
		if _, ok := incoming[tx.ID]; ok {
			results[tx.ID] = r
		}
		prev, wasLocal := before[tx.ID]
		unchanged := wasLocal && prev.SameContent(tx)
		if !(unchanged && r.Accepted()) && !e.classify(tx, r) {
			if wasLocal && prev.Flags.Counts() {
				e.log.Info("dropping previously accepted transaction",
					zap.String("tx_id", tx.ID.String()), zap.Stringer("result", r))
			}
			continue
		}
		tx.Flags = r.Flag()
		scratch.apply(tx)
		if !unchanged {
			applied++
			if tx.DeviceID != e.opts.DeviceID && tx.Lamport > maxLamport {
				maxLamport = tx.Lamport
			}
		}
	}
	if err := e.store.ReplaceAll(scratch.txs, e.clock.Value()); err != nil {
		e.storageErrorLocked(err)
		e.refreshLocked()
		return results, 0, errors.Wrap(err, "commit merged ledger")
	}
	e.lastCkpt = 0
	return results, applied, e.commitLocked(applied, maxLamport, true)
}

// classify records the outcome and reports whether tx should be stored.
func (e *Engine) classify(tx proto.Transaction, r Result) bool {
	switch r.Status {
	case StatusValid:
		e.metrics.IncApplied()
		return true
	case StatusSuspicious:
		e.metrics.IncApplied()
		e.metrics.IncSuspicious()
		e.log.Info("suspicious transaction accepted", zap.String("tx_id", tx.ID.String()), zap.String("sender", tx.Sender))
		return true
	case StatusPending:
		e.metrics.IncPending()
		if evicted, dropped := e.pending.Add(tx); dropped {
			e.log.Debug("pending pool full, evicted", zap.String("tx_id", evicted.String()))
		}
		return false
	default:
		if r.Reason == ReasonDuplicate {
			return false
		}
		e.metrics.IncRejected(metrics.Rejection{TxID: tx.ID.String(), Sender: tx.Sender, Result: r.String()})
		e.log.Debug("transaction rejected", zap.String("tx_id", tx.ID.String()), zap.Stringer("result", r))
		if e.validator.Retryable(tx, r) {
			if evicted, dropped := e.deferred.Add(tx); dropped {
				e.log.Debug("deferred pool full, evicted", zap.String("tx_id", evicted.String()))
			}
		}
		return false
	}
}

func (e *Engine) commitLocked(applied int, maxLamport uint32, replaced bool) error {
	if applied > 0 {
		// own transactions already advanced the clock when they were created
		if maxLamport > 0 {
			e.clock.ObserveRemote(maxLamport)
		}
		if err := e.store.SetClock(e.clock.Value()); err != nil {
			e.storageErrorLocked(err)
			e.refreshLocked()
			return errors.Wrap(err, "persist clock")
		}
	}
	e.refreshLocked()
	count := e.store.Count()
	if count-e.lastCkpt >= e.opts.CheckpointInterval || (replaced && count >= e.opts.CheckpointInterval) {
		ck, err := e.store.Checkpoint()
		if err != nil {
			e.storageErrorLocked(err)
			return errors.Wrap(err, "checkpoint")
		}
		e.lastCkpt = ck.TxCount
		e.metrics.IncCheckpoints()
	}
	return nil
}

// Checkpoint forces a checkpoint outside the append cadence.
func (e *Engine) Checkpoint() (store.Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.haltedLocked(); err != nil {
		return store.Checkpoint{}, err
	}
	ck, err := e.store.Checkpoint()
	if err != nil {
		e.storageErrorLocked(err)
		return ck, err
	}
	e.lastCkpt = ck.TxCount
	e.metrics.IncCheckpoints()
	return ck, nil
}

func (e *Engine) storageErrorLocked(err error) {
	if errors.Is(err, store.ErrFatal) {
		e.state.Store(int32(StateFatalStorage))
		e.log.Error("ledger storage failed, halting", zap.Error(err))
	}
}

func (e *Engine) refreshLocked() {
	txs, st := e.store.All()
	e.metrics.AddCorruptRecords(st.Corrupt)
	sort.SliceStable(txs, func(i, j int) bool { return proto.Less(txs[i], txs[j]) })
	e.summary = SummaryOf(txs)
	e.digest = Digest(txs)
}

// EmergencyWipe destroys the ledger irreversibly. The engine stays halted
// in the WIPED state afterwards.
func (e *Engine) EmergencyWipe(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Warn("emergency wipe", zap.String("reason", reason))
	if err := e.store.SecureErase(); err != nil {
		e.state.Store(int32(StateFatalStorage))
		return errors.Wrap(err, "emergency wipe")
	}
	e.pending.Drain()
	e.clock = clock.New(0)
	e.lastCkpt = 0
	e.state.Store(int32(StateWiped))
	e.refreshLocked()
	return nil
}
