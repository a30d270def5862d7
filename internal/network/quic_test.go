package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshledger/internal/proto"
)

func TestQUICLinkLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := zaptest.NewLogger(t)

	a, err := ListenQUIC(ctx, QUICOptions{Listen: "127.0.0.1:0", Logger: log})
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenQUIC(ctx, QUICOptions{Listen: "127.0.0.1:0", Logger: log, MaxStreamsPerIP: 4})
	require.NoError(t, err)
	defer b.Close()
	a.AddPeer(b.Addr().String())

	got := make(chan []byte, 1)
	b.SetReceiver(func(p []byte) { got <- p })

	require.NoError(t, a.Send([]byte("mesh packet")))
	select {
	case p := <-got:
		require.Equal(t, []byte("mesh packet"), p)
	case <-time.After(5 * time.Second):
		t.Fatal("packet not delivered")
	}
	require.Equal(t, 1, a.conns.Len(), "neighbor connection is reused")
	require.ErrorIs(t, a.Send(make([]byte, 300)), proto.ErrFrameTooLarge)
}

func TestQUICLinkWithoutPeersIsSilent(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	l, err := ListenQUIC(context.Background(), QUICOptions{Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, l.Send([]byte{1}))
	require.NoError(t, l.Close())
	require.ErrorIs(t, l.Send([]byte{1}), ErrClosed)
}

func TestDevTLSIsStable(t *testing.T) {
	_, a, err := devTLSCert()
	require.NoError(t, err)
	_, b, err := devTLSCert()
	require.NoError(t, err)
	require.Equal(t, a, b)

	conf, err := clientTLSConfig(false)
	require.NoError(t, err)
	require.NotNil(t, conf.RootCAs)
	require.Equal(t, []string{alpn}, conf.NextProtos)
}
