package network

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/pkg/errors"
	quic "github.com/quic-go/quic-go"

	"meshledger/internal/proto"
)

const neighborIdle = 30 * time.Second

type neighborConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// neighborConns holds at most one outbound connection per radio neighbor
// and writes one framed packet per stream.
type neighborConns struct {
	tlsConf *tls.Config
	idle    time.Duration

	mu    sync.Mutex
	conns map[string]neighborConn
}

func newNeighborConns(tlsConf *tls.Config, idle time.Duration) *neighborConns {
	if idle <= 0 {
		idle = neighborIdle
	}
	return &neighborConns{tlsConf: tlsConf, idle: idle, conns: make(map[string]neighborConn)}
}

// cached returns a live connection that has not sat idle too long and
// closes the entry otherwise.
func (n *neighborConns) cached(addr string, now time.Time) *quic.Conn {
	n.mu.Lock()
	ent, ok := n.conns[addr]
	if !ok {
		n.mu.Unlock()
		return nil
	}
	if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= n.idle {
		ent.lastUsed = now
		n.conns[addr] = ent
		n.mu.Unlock()
		return ent.conn
	}
	delete(n.conns, addr)
	n.mu.Unlock()
	_ = ent.conn.CloseWithError(0, "idle")
	return nil
}

func (n *neighborConns) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	now := time.Now()
	if c := n.cached(addr, now); c != nil {
		return c, nil
	}
	c, err := quic.DialAddr(ctx, addr, n.tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "dial neighbor %s", addr)
	}
	n.mu.Lock()
	if old, ok := n.conns[addr]; ok && old.conn.Context().Err() == nil {
		// lost a dial race; keep the first connection
		n.mu.Unlock()
		_ = c.CloseWithError(0, "duplicate")
		return old.conn, nil
	}
	n.conns[addr] = neighborConn{conn: c, lastUsed: now}
	n.mu.Unlock()
	return c, nil
}

// send writes packet on a fresh stream. Any failure evicts the
// connection so the next attempt redials.
func (n *neighborConns) send(ctx context.Context, addr string, packet []byte) error {
	c, err := n.dial(ctx, addr)
	if err != nil {
		return err
	}
	stream, err := c.OpenStreamSync(ctx)
	if err != nil {
		n.forget(addr, c, "open stream")
		return errors.Wrap(err, "open stream")
	}
	_ = stream.SetWriteDeadline(time.Now().Add(streamTimeout))
	if err := proto.WriteFrame(stream, packet); err != nil {
		_ = stream.Close()
		n.forget(addr, c, "write")
		return errors.Wrap(err, "write frame")
	}
	if err := stream.Close(); err != nil {
		n.forget(addr, c, "close stream")
		return errors.Wrap(err, "close stream")
	}
	return nil
}

func (n *neighborConns) forget(addr string, c *quic.Conn, why string) {
	n.mu.Lock()
	if ent, ok := n.conns[addr]; ok && ent.conn == c {
		delete(n.conns, addr)
	}
	n.mu.Unlock()
	_ = c.CloseWithError(0, why)
}

func (n *neighborConns) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *neighborConns) close() {
	n.mu.Lock()
	conns := n.conns
	n.conns = make(map[string]neighborConn)
	n.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}
