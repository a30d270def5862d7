package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"meshledger/internal/proto"
)

const (
	alpn                 = "meshledger-radio"
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamTimeout        = 5 * time.Second
	defaultDialAttempts  = 3
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a fixed self-signed certificate. The radio emulation only
// needs transport framing; packets carry their own signatures.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshledger-dev-radio"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpn}}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}}, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, ServerName: "localhost", NextProtos: []string{alpn}}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

type QUICOptions struct {
	Listen string
	// Peers are the static neighbors that are "in range".
	Peers           []string
	Insecure        bool
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	DialAttempts    uint
	Logger          *zap.Logger
}

// QUICLink emulates the radio over QUIC for development: every Send opens
// one stream per static peer and writes a single length-prefixed packet.
type QUICLink struct {
	opts     QUICOptions
	log      *zap.Logger
	listener *quic.Listener
	conns    *neighborConns
	limiter  *ipLimiter
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	peers []string
	recv  func([]byte)
}

func ListenQUIC(ctx context.Context, opts QUICOptions) (*QUICLink, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DialAttempts == 0 {
		opts.DialAttempts = defaultDialAttempts
	}
	srvTLS, err := serverTLSConfig()
	if err != nil {
		return nil, errors.Wrap(err, "server tls")
	}
	cliTLS, err := clientTLSConfig(opts.Insecure)
	if err != nil {
		return nil, errors.Wrap(err, "client tls")
	}
	ln, err := quic.ListenAddr(opts.Listen, srvTLS, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "quic listen %s", opts.Listen)
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &QUICLink{
		opts:     opts,
		log:      opts.Logger,
		listener: ln,
		conns:    newNeighborConns(cliTLS, 0),
		limiter:  newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		ctx:      ctx,
		cancel:   cancel,
		peers:    append([]string(nil), opts.Peers...),
	}
	l.log.Info("quic radio listening", zap.String("addr", ln.Addr().String()))
	go l.acceptLoop()
	return l, nil
}

func (l *QUICLink) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *QUICLink) AddPeer(addr string) {
	l.mu.Lock()
	l.peers = append(l.peers, addr)
	l.mu.Unlock()
}

func (l *QUICLink) SetReceiver(fn func([]byte)) {
	l.mu.Lock()
	l.recv = fn
	l.mu.Unlock()
}

// Send delivers to every peer; it only fails when no peer could be reached.
func (l *QUICLink) Send(packet []byte) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	if len(packet) > proto.MaxPacketSize {
		return proto.ErrFrameTooLarge
	}
	l.mu.Lock()
	peers := append([]string(nil), l.peers...)
	l.mu.Unlock()
	if len(peers) == 0 {
		return nil
	}
	var lastErr error
	delivered := 0
	for _, addr := range peers {
		err := retry.Do(func() error {
			ctx, cancel := context.WithTimeout(l.ctx, streamTimeout)
			defer cancel()
			return l.conns.send(ctx, addr, packet)
		},
			retry.Context(l.ctx),
			retry.Attempts(l.opts.DialAttempts),
			retry.Delay(100*time.Millisecond),
			retry.MaxDelay(time.Second),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				l.log.Debug("quic send retry", zap.String("peer", addr), zap.Uint("attempt", n), zap.Error(err))
			}),
		)
		if err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Wrap(lastErr, "no peer reachable")
	}
	return nil
}

func (l *QUICLink) acceptLoop() {
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log.Warn("quic accept failed", zap.Error(err))
			}
			return
		}
		ip := remoteIP(conn.RemoteAddr())
		if !l.limiter.acquireConn(ip) {
			l.log.Debug("quic connection over limit", zap.String("ip", ip))
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		go l.serveConn(conn, ip)
	}
}

func (l *QUICLink) serveConn(conn *quic.Conn, ip string) {
	defer l.limiter.releaseConn(ip)
	for {
		stream, err := conn.AcceptStream(l.ctx)
		if err != nil {
			return
		}
		if !l.limiter.acquireStream(ip) {
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer l.limiter.releaseStream(ip)
			defer s.Close()
			_ = s.SetReadDeadline(time.Now().Add(streamTimeout))
			packet, err := proto.ReadFrame(s)
			if err != nil {
				l.log.Debug("quic read failed", zap.String("ip", ip), zap.Error(err))
				return
			}
			l.mu.Lock()
			fn := l.recv
			l.mu.Unlock()
			if fn != nil {
				fn(packet)
			}
		}(stream)
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (l *QUICLink) Close() error {
	l.cancel()
	l.conns.close()
	return l.listener.Close()
}

var _ Link = (*QUICLink)(nil)
