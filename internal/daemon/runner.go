// Package daemon runs one mesh ledger node: it drains the radio, applies
// what it hears, floods packets onward and drives sync and the outbox from
// a single tick loop.
package daemon

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meshledger/internal/crypto"
	"meshledger/internal/debuglog"
	"meshledger/internal/ledger"
	"meshledger/internal/mesh"
	"meshledger/internal/metrics"
	"meshledger/internal/network"
	"meshledger/internal/proto"
	"meshledger/internal/replay"
	"meshledger/internal/trust"
)

const (
	DefaultTick            = 200 * time.Millisecond
	DefaultInboundQueue    = 16
	DefaultMetricsInterval = time.Second
	securityLogInterval    = 30 * time.Second
)

var ErrQueueFull = errors.New("outbound queue full")

type Options struct {
	// Address is this node's 16-bit mesh address.
	Address         uint16
	TTL             uint8
	PacketBudget    int
	InboundQueue    int
	Tick            time.Duration
	ReplayRaw       int
	ReplayMessages  int
	MetricsPath     string
	MetricsInterval time.Duration
	Sync            mesh.SyncOptions
	Outbox          mesh.OutboxOptions
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// Runner owns the receive pipeline of one node. Everything except Deliver
// runs on the goroutine calling Run (or Step in tests).
type Runner struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *debuglog.Limiter

	engine *ledger.Engine
	trust  *trust.Table
	link   network.Link
	sync   *mesh.SyncEngine
	outbox *mesh.Outbox

	rawSeen *replay.Cache
	msgSeen *replay.Cache
	inbound chan []byte
	msgID   atomic.Uint32

	lastMetrics time.Time
}

func NewRunner(engine *ledger.Engine, table *trust.Table, link network.Link, opts Options) (*Runner, error) {
	if engine == nil || link == nil {
		return nil, errors.New("runner needs an engine and a link")
	}
	if opts.Address == proto.Broadcast {
		return nil, errors.Errorf("address %#04x is reserved for broadcast", opts.Address)
	}
	if opts.TTL == 0 {
		opts.TTL = proto.DefaultTTL
	}
	if opts.PacketBudget <= 0 || opts.PacketBudget > proto.MaxPacketSize {
		opts.PacketBudget = proto.MaxPacketSize
	}
	if opts.InboundQueue <= 0 {
		opts.InboundQueue = DefaultInboundQueue
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = DefaultMetricsInterval
	}
	if opts.ReplayRaw <= 0 {
		opts.ReplayRaw = replay.DefaultRawCapacity
	}
	if opts.ReplayMessages <= 0 {
		opts.ReplayMessages = replay.DefaultMessageCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.Uint16("addr", opts.Address))

	r := &Runner{
		opts:    opts,
		log:     log,
		metrics: opts.Metrics,
		limiter: debuglog.NewLimiter(),
		engine:  engine,
		trust:   table,
		link:    link,
		rawSeen: replay.New(opts.ReplayRaw),
		msgSeen: replay.New(opts.ReplayMessages),
		inbound: make(chan []byte, opts.InboundQueue),
	}

	seed, err := crypto.RandomBytes(4)
	if err != nil {
		return nil, errors.Wrap(err, "seed message ids")
	}
	r.msgID.Store(binary.LittleEndian.Uint32(seed))

	so := opts.Sync
	so.PacketBudget = opts.PacketBudget
	if so.Logger == nil {
		so.Logger = log.Named("sync")
	}
	if so.Metrics == nil {
		so.Metrics = opts.Metrics
	}
	r.sync = mesh.NewSyncEngine(engine, r, so)

	oo := opts.Outbox
	if oo.Logger == nil {
		oo.Logger = log.Named("outbox")
	}
	if oo.Metrics == nil {
		oo.Metrics = opts.Metrics
	}
	r.outbox = mesh.NewOutbox(oo)

	link.SetReceiver(func(raw []byte) { r.Deliver(raw) })
	return r, nil
}

func (r *Runner) Engine() *ledger.Engine { return r.engine }
func (r *Runner) Sync() *mesh.SyncEngine { return r.sync }
func (r *Runner) Address() uint16        { return r.opts.Address }

// Deliver queues a raw packet for the tick loop. It never blocks; a full
// queue drops the packet.
func (r *Runner) Deliver(raw []byte) bool {
	select {
	case r.inbound <- raw:
		return true
	default:
		r.metrics.IncInboundOverflow()
		return false
	}
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Tick)
	defer ticker.Stop()
	r.log.Info("node running",
		zap.String("owner", r.engine.Owner()),
		zap.String("device", r.engine.DeviceID()),
		zap.Duration("tick", r.opts.Tick))
	for {
		select {
		case <-ctx.Done():
			r.writeMetrics(time.Now(), true)
			return ctx.Err()
		case now := <-ticker.C:
			r.Step(now)
		}
	}
}

// Step runs one pass of the loop at now.
func (r *Runner) Step(now time.Time) {
drain:
	for {
		select {
		case raw := <-r.inbound:
			r.handle(now, raw)
		default:
			break drain
		}
	}
	r.sync.Tick(now)
	r.outbox.ProcessReady(now, r.link.Send)
	r.writeMetrics(now, false)
}

func (r *Runner) writeMetrics(now time.Time, force bool) {
	if r.metrics == nil || r.opts.MetricsPath == "" {
		return
	}
	if !force && now.Sub(r.lastMetrics) < r.opts.MetricsInterval {
		return
	}
	r.lastMetrics = now
	if err := r.metrics.WriteSnapshot(r.opts.MetricsPath); err != nil {
		r.limiter.Warn(r.log, "metrics-write", securityLogInterval, "metrics snapshot failed", zap.Error(err))
	}
}

func (r *Runner) drop(reason string) {
	r.metrics.IncDropByReason(reason)
}

func (r *Runner) handle(now time.Time, raw []byte) {
	if len(raw) < proto.HeaderSize+proto.TrailerSize || len(raw) > proto.MaxPacketSize {
		r.drop("size")
		return
	}
	if r.rawSeen.Check(replay.Hash(raw)) {
		r.drop("replay")
		return
	}
	pkt, err := proto.DecodePacket(raw)
	if err != nil {
		if errors.Is(err, proto.ErrBadCRC) {
			r.drop("crc")
		} else {
			r.drop("malformed")
		}
		return
	}
	if pkt.TTL == 0 || pkt.Hops >= proto.MaxHops {
		r.drop("ttl")
		return
	}
	if pkt.Src == r.opts.Address {
		r.drop("own")
		return
	}
	if r.msgSeen.Check(replay.MessageKey(pkt.Src, pkt.MsgID)) {
		r.drop("replay_msg")
		return
	}
	r.metrics.IncRecvByType(pkt.Type.String())

	if pkt.Dst == proto.Broadcast || pkt.Dst == r.opts.Address {
		r.dispatch(now, pkt)
	}
	if pkt.Dst != r.opts.Address {
		r.forward(now, pkt)
	}
}

func (r *Runner) dispatch(now time.Time, pkt proto.Packet) {
	switch p := pkt.Payload.(type) {
	case proto.TxMessage:
		res, err := r.engine.ApplyTransaction(p.Tx)
		if err != nil {
			r.limiter.Warn(r.log, "apply", securityLogInterval, "apply failed", zap.Error(err))
			return
		}
		if res.Reason == ledger.ReasonSignatureInvalid {
			r.limiter.Warn(r.log, "sig:"+p.Tx.DeviceID, securityLogInterval, "bad transaction signature",
				zap.String("device", p.Tx.DeviceID), zap.Uint16("src", pkt.Src))
		}
	case proto.Summary:
		r.sync.HandleSummary(now, pkt.Src, p)
	case proto.SummaryRequest:
		r.sync.HandleSummaryRequest(pkt.Src)
	case proto.Heartbeat:
		r.sync.HandleHeartbeat(now, pkt.Src, p)
	case proto.RangeRequest:
		r.sync.HandleRangeRequest(pkt.Src, p)
	case proto.RangeResponse:
		if err := r.sync.HandleRangeResponse(now, pkt.Src, p); err != nil {
			r.limiter.Warn(r.log, "range", securityLogInterval, "range response not applied",
				zap.Uint16("src", pkt.Src), zap.Error(err))
		}
	case proto.GroupSavings:
		r.log.Debug("group savings",
			zap.String("group", p.Group),
			zap.String("member", p.Member),
			zap.Uint64("amount", p.Amount),
			zap.Uint32("round", p.Round))
	case proto.TrustUpdate:
		if r.trust == nil {
			return
		}
		if err := r.trust.Apply(p); err != nil {
			r.limiter.Warn(r.log, "trust:"+p.Issuer, securityLogInterval, "trust update refused",
				zap.String("issuer", p.Issuer), zap.Error(err))
		}
	}
}

// forward re-floods a packet one hop further. Packets that would arrive
// with no TTL left or past the hop limit are not sent at all.
func (r *Runner) forward(now time.Time, pkt proto.Packet) {
	if pkt.TTL <= 1 || int(pkt.Hops)+1 >= proto.MaxHops {
		return
	}
	h := pkt.Header
	h.TTL--
	h.Hops++
	raw, err := proto.EncodePacketWithBudget(h, pkt.Payload, r.opts.PacketBudget)
	if err != nil {
		r.drop("forward_encode")
		return
	}
	r.rawSeen.Remember(replay.Hash(raw))
	if r.outbox.Enqueue(now, raw) {
		r.metrics.IncForwarded()
	}
}

func (r *Runner) nextMsgID() uint32 {
	return r.msgID.Add(1)
}

// Send encodes p from this node and queues it. It satisfies
// mesh.Transmitter.
func (r *Runner) Send(dst uint16, p proto.Payload) error {
	h := proto.Header{
		Src:   r.opts.Address,
		Dst:   dst,
		TTL:   r.opts.TTL,
		MsgID: r.nextMsgID(),
	}
	raw, err := proto.EncodePacketWithBudget(h, p, r.opts.PacketBudget)
	if err != nil {
		return errors.Wrapf(err, "encode %s", p.Type())
	}
	r.msgSeen.Remember(replay.MessageKey(h.Src, h.MsgID))
	// zero time: due on the next pass whatever clock Step runs on
	if !r.outbox.Enqueue(time.Time{}, raw) {
		return ErrQueueFull
	}
	return nil
}

// Submit creates a transfer from the local owner, applies it and floods it
// when it was accepted.
func (r *Runner) Submit(receiver string, amount uint64) (proto.Transaction, ledger.Result, error) {
	tx, res, err := r.engine.CreateTransaction(receiver, amount)
	if err != nil {
		return tx, res, err
	}
	if !res.Accepted() {
		return tx, res, nil
	}
	return tx, res, r.Send(proto.Broadcast, proto.TxMessage{Tx: tx})
}

// PublishTrust applies a signed trust update locally and floods it.
func (r *Runner) PublishTrust(u proto.TrustUpdate) error {
	if r.trust == nil {
		return errors.New("no trust table configured")
	}
	if err := r.trust.Apply(u); err != nil {
		return err
	}
	return r.Send(proto.Broadcast, u)
}

// Close detaches from the link.
func (r *Runner) Close() error {
	return r.link.Close()
}
