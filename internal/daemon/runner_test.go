package daemon

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshledger/internal/ledger"
	"meshledger/internal/mesh"
	"meshledger/internal/metrics"
	"meshledger/internal/network"
	"meshledger/internal/proto"
	"meshledger/internal/store"
	"meshledger/internal/testutil"
	"meshledger/internal/trust"
)

type nodeConfig struct {
	addr   uint16
	owner  string
	policy ledger.Policy
	table  *trust.Table
}

func newNode(t *testing.T, hub *network.MemHub, devs *testutil.Devices, cfg nodeConfig) (*Runner, *metrics.Metrics) {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := metrics.New()
	st, err := store.Open(t.TempDir(), store.Options{Owner: cfg.owner, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var scorer ledger.TrustScorer
	if cfg.table != nil {
		scorer = cfg.table
	}
	var signer ledger.Signer
	if s, ok := devs.Signers[cfg.owner]; ok {
		signer = s
	}
	e, err := ledger.NewEngine(st, ledger.NewValidator(cfg.policy, devs.Keys, scorer), signer, ledger.Options{
		Owner:    cfg.owner,
		DeviceID: cfg.owner,
		Logger:   log,
		Metrics:  m,
	})
	require.NoError(t, err)

	r, err := NewRunner(e, cfg.table, hub.Join(cfg.addr), Options{
		Address:      cfg.addr,
		InboundQueue: 256,
		Outbox:       mesh.OutboxOptions{Capacity: 64},
		Logger:       log,
		Metrics:      m,
	})
	require.NoError(t, err)
	return r, m
}

// capture is a bare link on the hub that records every packet it hears.
type capture struct {
	mu      sync.Mutex
	packets []proto.Packet
}

func listen(t *testing.T, hub *network.MemHub, addr uint16) *capture {
	t.Helper()
	c := &capture{}
	hub.Join(addr).SetReceiver(func(raw []byte) {
		pkt, err := proto.DecodePacket(raw)
		require.NoError(t, err)
		c.mu.Lock()
		c.packets = append(c.packets, pkt)
		c.mu.Unlock()
	})
	return c
}

func (c *capture) take() []proto.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.packets
	c.packets = nil
	return out
}

func encode(t *testing.T, h proto.Header, p proto.Payload) []byte {
	t.Helper()
	raw, err := proto.EncodePacket(h, p)
	require.NoError(t, err)
	return raw
}

func stepAll(now time.Time, rounds int, step time.Duration, nodes ...*Runner) time.Time {
	for i := 0; i < rounds; i++ {
		for _, n := range nodes {
			n.Step(now)
		}
		now = now.Add(step)
	}
	return now
}

func TestDuplicatePacketAppliedOnce(t *testing.T) {
	hub := network.NewMemHub(1)
	devs := testutil.NewDevices(t, "A", "C")
	p := ledger.DefaultPolicy()
	p.Issuers = []string{"A"}
	node, m := newNode(t, hub, devs, nodeConfig{addr: 3, owner: "C", policy: p})

	tx := devs.Tx(t, "A", "A", "C", 40, 1)
	raw := encode(t, proto.Header{Src: 1, Dst: proto.Broadcast, TTL: 1, MsgID: 77}, proto.TxMessage{Tx: tx})
	require.True(t, node.Deliver(raw))
	require.True(t, node.Deliver(raw))

	// same message relayed one hop further: new bytes, same origin and id
	relay := encode(t, proto.Header{Src: 1, Dst: proto.Broadcast, TTL: 1, Hops: 1, MsgID: 77}, proto.TxMessage{Tx: tx})
	require.True(t, node.Deliver(relay))
	node.Step(time.Unix(1000, 0))

	assert.Equal(t, uint32(1), node.Engine().Summary().TxCount)
	bal, _ := node.Engine().Balance("C")
	assert.Equal(t, int64(40), bal)
	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.DropByReason["replay"])
	assert.Equal(t, uint64(1), snap.DropByReason["replay_msg"])
	assert.Equal(t, uint64(1), snap.Ledger.Applied)
	assert.Equal(t, uint64(1), snap.RecvByType["transaction"])
}

func TestMalformedPacketsAreCounted(t *testing.T) {
	hub := network.NewMemHub(1)
	devs := testutil.NewDevices(t, "C")
	node, m := newNode(t, hub, devs, nodeConfig{addr: 3, owner: "C", policy: ledger.DefaultPolicy()})

	good := encode(t, proto.Header{Src: 1, Dst: 3, TTL: 1}, proto.SummaryRequest{})
	bad := append([]byte(nil), good...)
	bad[1] ^= 0xFF
	node.Deliver([]byte{1, 2, 3})
	node.Deliver(bad)
	node.Deliver(encode(t, proto.Header{Src: 3, Dst: proto.Broadcast, TTL: 1, MsgID: 9}, proto.SummaryRequest{}))
	node.Deliver(encode(t, proto.Header{Src: 1, Dst: 3, TTL: 0, MsgID: 10}, proto.SummaryRequest{}))
	node.Deliver(encode(t, proto.Header{Src: 1, Dst: 3, TTL: 1, Hops: proto.MaxHops, MsgID: 11}, proto.SummaryRequest{}))
	node.Step(time.Unix(1000, 0))

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.DropByReason["size"])
	assert.Equal(t, uint64(1), snap.DropByReason["crc"])
	assert.Equal(t, uint64(1), snap.DropByReason["own"])
	assert.Equal(t, uint64(2), snap.DropByReason["ttl"])
	assert.Empty(t, snap.RecvByType)
}

func TestForwarding(t *testing.T) {
	cases := []struct {
		name    string
		hdr     proto.Header
		forward bool
		answer  bool
	}{
		{"relayed", proto.Header{Src: 5, Dst: 9, TTL: 3, Hops: 1}, true, false},
		{"last ttl", proto.Header{Src: 5, Dst: 9, TTL: 1, Hops: 1}, false, false},
		{"hop limit", proto.Header{Src: 5, Dst: 9, TTL: 3, Hops: proto.MaxHops - 1}, false, false},
		{"addressed to us", proto.Header{Src: 5, Dst: 3, TTL: 3}, false, true},
		{"broadcast", proto.Header{Src: 5, Dst: proto.Broadcast, TTL: 3}, true, true},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hub := network.NewMemHub(1)
			devs := testutil.NewDevices(t, "C")
			node, m := newNode(t, hub, devs, nodeConfig{addr: 3, owner: "C", policy: ledger.DefaultPolicy()})
			air := listen(t, hub, 7)

			tc.hdr.MsgID = uint32(100 + i)
			node.Deliver(encode(t, tc.hdr, proto.SummaryRequest{}))
			node.Step(time.Unix(1000, 0))

			var forwarded, answered []proto.Packet
			for _, pkt := range air.take() {
				if pkt.Src == 3 {
					answered = append(answered, pkt)
				} else {
					forwarded = append(forwarded, pkt)
				}
			}
			if tc.forward {
				require.Len(t, forwarded, 1)
				assert.Equal(t, tc.hdr.TTL-1, forwarded[0].TTL)
				assert.Equal(t, tc.hdr.Hops+1, forwarded[0].Hops)
				assert.Equal(t, tc.hdr.MsgID, forwarded[0].MsgID)
				assert.Equal(t, uint64(1), m.Snapshot().Mesh.Forwarded)
			} else {
				assert.Empty(t, forwarded)
			}
			if tc.answer {
				require.Len(t, answered, 1)
				assert.Equal(t, uint16(5), answered[0].Dst)
				assert.IsType(t, proto.Summary{}, answered[0].Payload)
			} else {
				assert.Empty(t, answered)
			}
		})
	}
}

func TestInboundOverflowDrops(t *testing.T) {
	hub := network.NewMemHub(1)
	devs := testutil.NewDevices(t, "C")
	m := metrics.New()
	st, err := store.Open(t.TempDir(), store.Options{Owner: "C"})
	require.NoError(t, err)
	defer st.Close()
	e, err := ledger.NewEngine(st, ledger.NewValidator(ledger.DefaultPolicy(), devs.Keys, nil), devs.Signers["C"], ledger.Options{Owner: "C", DeviceID: "C"})
	require.NoError(t, err)
	node, err := NewRunner(e, nil, hub.Join(3), Options{Address: 3, InboundQueue: 1, Metrics: m})
	require.NoError(t, err)

	assert.True(t, node.Deliver([]byte{1}))
	assert.False(t, node.Deliver([]byte{2}))
	assert.Equal(t, uint64(1), m.Snapshot().Mesh.InboundOverflow)
}

func TestRunnerRejectsBroadcastAddress(t *testing.T) {
	hub := network.NewMemHub(1)
	devs := testutil.NewDevices(t, "C")
	st, err := store.Open(t.TempDir(), store.Options{Owner: "C"})
	require.NoError(t, err)
	defer st.Close()
	e, err := ledger.NewEngine(st, ledger.NewValidator(ledger.DefaultPolicy(), devs.Keys, nil), nil, ledger.Options{Owner: "C", DeviceID: "C"})
	require.NoError(t, err)
	_, err = NewRunner(e, nil, hub.Join(proto.Broadcast), Options{Address: proto.Broadcast})
	require.Error(t, err)
}

func TestSubmitFloodsTransaction(t *testing.T) {
	hub := network.NewMemHub(1)
	devs := testutil.NewDevices(t, "A")
	p := ledger.DefaultPolicy()
	p.Issuers = []string{"A"}
	node, _ := newNode(t, hub, devs, nodeConfig{addr: 1, owner: "A", policy: p})
	air := listen(t, hub, 7)

	tx, res, err := node.Submit("B", 25)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusValid, res.Status)
	node.Step(time.Unix(1000, 0))

	pkts := air.take()
	require.Len(t, pkts, 1)
	assert.Equal(t, uint16(1), pkts[0].Src)
	assert.Equal(t, proto.Broadcast, pkts[0].Dst)
	assert.Equal(t, uint8(proto.DefaultTTL), pkts[0].TTL)
	msg, ok := pkts[0].Payload.(proto.TxMessage)
	require.True(t, ok)
	assert.Equal(t, tx.ID, msg.Tx.ID)
}

func TestTrustUpdateFromAuthority(t *testing.T) {
	hub := network.NewMemHub(1)
	devs := testutil.NewDevices(t, "K", "M", "C")
	table := trust.NewTable(trust.DefaultScore, 0, []string{"K"}, devs.Keys)
	node, _ := newNode(t, hub, devs, nodeConfig{addr: 3, owner: "C", policy: ledger.DefaultPolicy(), table: table})

	good := devs.Trust(t, "K", "mallory", 10)
	forged := devs.Trust(t, "M", "alice", 0)
	tampered := devs.Trust(t, "K", "bob", 90)
	tampered.Score = 5

	node.Deliver(encode(t, proto.Header{Src: 1, Dst: proto.Broadcast, TTL: 1, MsgID: 1}, good))
	node.Deliver(encode(t, proto.Header{Src: 1, Dst: proto.Broadcast, TTL: 1, MsgID: 2}, forged))
	node.Deliver(encode(t, proto.Header{Src: 1, Dst: proto.Broadcast, TTL: 1, MsgID: 3}, tampered))
	node.Step(time.Unix(1000, 0))

	assert.Equal(t, uint8(10), table.Score("mallory"))
	assert.Equal(t, uint8(trust.DefaultScore), table.Score("alice"))
	assert.Equal(t, uint8(trust.DefaultScore), table.Score("bob"))
}

func TestPublishTrustAppliesAndFloods(t *testing.T) {
	hub := network.NewMemHub(1)
	devs := testutil.NewDevices(t, "K")
	table := trust.NewTable(trust.DefaultScore, 0, []string{"K"}, devs.Keys)
	node, _ := newNode(t, hub, devs, nodeConfig{addr: 1, owner: "K", policy: ledger.DefaultPolicy(), table: table})
	air := listen(t, hub, 7)

	require.NoError(t, node.PublishTrust(devs.Trust(t, "K", "mallory", 15)))
	assert.Equal(t, uint8(15), table.Score("mallory"))
	node.Step(time.Unix(1000, 0))
	pkts := air.take()
	require.Len(t, pkts, 1)
	assert.IsType(t, proto.TrustUpdate{}, pkts[0].Payload)

	require.Error(t, node.PublishTrust(devs.Trust(t, "K", "mallory", 200)))
}

func TestThreeNodesConvergeAfterPartition(t *testing.T) {
	hub := network.NewMemHub(7)
	devs := testutil.NewDevices(t, "A", "B", "C")
	p := ledger.DefaultPolicy()
	p.Issuers = []string{"A"}

	a, _ := newNode(t, hub, devs, nodeConfig{addr: 1, owner: "A", policy: p})
	b, _ := newNode(t, hub, devs, nodeConfig{addr: 2, owner: "B", policy: p})
	c, _ := newNode(t, hub, devs, nodeConfig{addr: 3, owner: "C", policy: p})
	nodes := []*Runner{a, b, c}

	hub.Cut(1, 3)
	hub.Cut(2, 3)
	now := stepAll(time.Unix(1000, 0), 1, time.Second, nodes...)

	_, res, err := a.Submit("B", 500)
	require.NoError(t, err)
	require.True(t, res.Accepted())
	now = stepAll(now, 3, time.Second, nodes...)

	bal, _ := b.Engine().Balance("B")
	require.Equal(t, int64(500), bal, "B should hear A's transfer by flooding")

	_, res, err = b.Submit("C", 200)
	require.NoError(t, err)
	require.True(t, res.Accepted())
	now = stepAll(now, 3, time.Second, nodes...)

	require.Equal(t, uint32(2), a.Engine().Summary().TxCount)
	require.Zero(t, c.Engine().Summary().TxCount)

	hub.Heal(1, 3)
	hub.Heal(2, 3)
	stepAll(now, 120, time.Second, nodes...)

	want := map[string]int64{"A": -500, "B": 300, "C": 200}
	for _, n := range nodes {
		got := map[string]int64{}
		for id := range want {
			got[id], _ = n.Engine().Balance(id)
		}
		assert.Equal(t, want, got, "node %d", n.Address())
		assert.Equal(t, a.Engine().Summary(), n.Engine().Summary(), "node %d", n.Address())
	}
	assert.Equal(t, int64(200), c.Engine().CachedBalance())
}
