package mesh

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshledger/internal/metrics"
)

func TestOutboxBackoffSchedule(t *testing.T) {
	m := metrics.New()
	o := NewOutbox(OutboxOptions{Metrics: m})
	t0 := time.Unix(1000, 0)
	require.True(t, o.Enqueue(t0, []byte{1, 2, 3}))

	var attempts []time.Duration
	fail := func(now time.Time) func([]byte) error {
		return func([]byte) error {
			attempts = append(attempts, now.Sub(t0))
			return errors.New("radio busy")
		}
	}
	for _, at := range []time.Duration{0, 9 * time.Second, 10 * time.Second, 29 * time.Second, 30 * time.Second, 70 * time.Second, 149 * time.Second, 150 * time.Second} {
		o.ProcessReady(t0.Add(at), fail(t0.Add(at)))
	}

	require.Equal(t, []time.Duration{0, 10 * time.Second, 30 * time.Second, 70 * time.Second, 150 * time.Second}, attempts)
	require.Zero(t, o.Len())
	snap := m.Snapshot()
	require.Equal(t, uint64(4), snap.Mesh.SendRetries)
	require.Equal(t, uint64(1), snap.Mesh.SendDropped)
}

func TestOutboxSendsAndFrees(t *testing.T) {
	m := metrics.New()
	o := NewOutbox(OutboxOptions{Capacity: 2, Metrics: m})
	now := time.Unix(0, 0)
	packet := []byte("hello")
	require.True(t, o.Enqueue(now, packet))
	packet[0] = 'j'
	require.True(t, o.Enqueue(now, []byte("world")))
	require.False(t, o.Enqueue(now, []byte("full")))
	require.Equal(t, uint64(1), m.Snapshot().Mesh.QueueFull)

	var got []string
	n := o.ProcessReady(now, func(b []byte) error {
		got = append(got, string(b))
		return nil
	})
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"hello", "world"}, got)
	require.Zero(t, o.Len())
	require.Equal(t, uint64(2), m.Snapshot().Mesh.Sent)
}
