package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncApplied()
	m.IncApplied()
	m.IncRejected(Rejection{TxID: "aa", Sender: "A", Result: "REJECTED/DUPLICATE"})
	m.IncPending()
	m.IncSuspicious()
	m.AddCorruptRecords(3)
	m.AddCorruptRecords(0)
	m.IncForwarded()
	m.IncRecvByType("heartbeat")
	m.IncRecvByType("heartbeat")
	m.IncDropByReason("crc")

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.Ledger.Applied)
	require.Equal(t, uint64(1), snap.Ledger.Rejected)
	require.Equal(t, uint64(1), snap.Ledger.Pending)
	require.Equal(t, uint64(1), snap.Ledger.Suspicious)
	require.Equal(t, uint64(3), snap.Ledger.CorruptRecords)
	require.Equal(t, uint64(1), snap.Mesh.Forwarded)
	require.Equal(t, uint64(2), snap.RecvByType["heartbeat"])
	require.Equal(t, uint64(1), snap.DropByReason["crc"])
	require.Len(t, snap.Recent, 1)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncApplied()
	m.IncRejected(Rejection{})
	m.IncRecvByType("x")
	m.IncQueueFull()
}

func TestRecentKeepsNewest(t *testing.T) {
	r := NewRecent(2)
	r.Add(Rejection{TxID: "1"})
	r.Add(Rejection{TxID: "2"})
	r.Add(Rejection{TxID: "3"})
	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "2", list[0].TxID)
	require.Equal(t, "3", list[1].TxID)
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncSent()
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, m.WriteSnapshot(path))
	require.NoError(t, m.WriteSnapshot(""))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, uint64(1), snap.Mesh.Sent)
}
