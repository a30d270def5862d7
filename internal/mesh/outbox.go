package mesh

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"meshledger/internal/metrics"
)

const (
	DefaultOutboxCapacity = 32
	DefaultRetryBase      = 5 * time.Second
	DefaultMaxRetry       = 5
)

type outboxSlot struct {
	packet    []byte
	retries   int
	nextRetry time.Time
	inUse     bool
}

type OutboxOptions struct {
	Capacity  int
	RetryBase time.Duration
	MaxRetry  int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Outbox is the bounded store-and-forward queue in front of the radio.
// A failed send is retried after base*2^retry until MaxRetry is reached.
type Outbox struct {
	mu      sync.Mutex
	slots   []outboxSlot
	opts    OutboxOptions
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewOutbox(opts OutboxOptions) *Outbox {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultOutboxCapacity
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = DefaultMaxRetry
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Outbox{
		slots:   make([]outboxSlot, opts.Capacity),
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// Enqueue stores a packet for transmission on the next ProcessReady. It
// reports false when every slot is taken.
func (o *Outbox) Enqueue(now time.Time, packet []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.slots {
		if o.slots[i].inUse {
			continue
		}
		o.slots[i] = outboxSlot{
			packet:    append([]byte(nil), packet...),
			nextRetry: now,
			inUse:     true,
		}
		return true
	}
	o.metrics.IncQueueFull()
	return false
}

// ProcessReady transmits every packet whose retry time has come.
func (o *Outbox) ProcessReady(now time.Time, send func([]byte) error) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	sent := 0
	for i := range o.slots {
		s := &o.slots[i]
		if !s.inUse || now.Before(s.nextRetry) {
			continue
		}
		err := send(s.packet)
		if err == nil {
			*s = outboxSlot{}
			sent++
			o.metrics.IncSent()
			continue
		}
		s.retries++
		if s.retries >= o.opts.MaxRetry {
			o.log.Debug("dropping packet after retries", zap.Int("retries", s.retries), zap.Error(err))
			*s = outboxSlot{}
			o.metrics.IncSendDropped()
			continue
		}
		o.metrics.IncSendRetries()
		s.nextRetry = now.Add(o.opts.RetryBase << s.retries)
	}
	return sent
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for i := range o.slots {
		if o.slots[i].inUse {
			n++
		}
	}
	return n
}
