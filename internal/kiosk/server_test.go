package kiosk

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshledger/internal/ledger"
	"meshledger/internal/metrics"
	"meshledger/internal/store"
	"meshledger/internal/testutil"
)

func newEngine(t *testing.T, devs *testutil.Devices, owner string) *ledger.Engine {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{Owner: owner})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	p := ledger.DefaultPolicy()
	p.Issuers = []string{"A"}
	e, err := ledger.NewEngine(st, ledger.NewValidator(p, devs.Keys, nil), nil, ledger.Options{Owner: owner, DeviceID: owner})
	require.NoError(t, err)
	return e
}

func seeded(t *testing.T) (*ledger.Engine, *testutil.Devices) {
	devs := testutil.NewDevices(t, "A")
	e := newEngine(t, devs, "C")
	for i, amt := range []uint64{500, 1250} {
		r, err := e.ApplyTransaction(devs.Tx(t, "A", "A", "C", amt, uint32(i+1)))
		require.NoError(t, err)
		require.True(t, r.Accepted())
	}
	return e, devs
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestStatus(t *testing.T) {
	e, _ := seeded(t)
	s := New(e, Options{Metrics: metrics.New(), Logger: zaptest.NewLogger(t)})

	w := do(t, s.Handler(), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "RUNNING", out["state"])
	assert.Equal(t, "C", out["owner"])
	assert.Equal(t, "17.50", out["balance"])
	sum := out["summary"].(map[string]any)
	assert.EqualValues(t, 2, sum["tx_count"])
	assert.Len(t, sum["ledger_hash"], 8)
	assert.Contains(t, out, "metrics")
	assert.Empty(t, out["neighbors"])
}

func TestBalance(t *testing.T) {
	e, _ := seeded(t)
	s := New(e, Options{})

	out := decode(t, do(t, s.Handler(), http.MethodGet, "/balance/A", nil))
	assert.Equal(t, "-17.50", out["balance"])
	assert.EqualValues(t, -1750, out["minor_units"])

	out = decode(t, do(t, s.Handler(), http.MethodGet, "/balance/nobody", nil))
	assert.Equal(t, "0.00", out["balance"])

	w := do(t, s.Handler(), http.MethodGet, "/balance/"+strings.Repeat("x", 40), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransactions(t *testing.T) {
	e, _ := seeded(t)
	s := New(e, Options{})

	out := decode(t, do(t, s.Handler(), http.MethodGet, "/transactions?from=2&max=10", nil))
	txs := out["transactions"].([]any)
	require.Len(t, txs, 1)
	tx := txs[0].(map[string]any)
	assert.Equal(t, "12.50", tx["amount"])
	assert.EqualValues(t, 2, tx["lamport"])

	w := do(t, s.Handler(), http.MethodGet, "/transactions?max=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotTransfer(t *testing.T) {
	src, devs := seeded(t)
	dst := newEngine(t, devs, "C")

	w := do(t, New(src, Options{}).Handler(), http.MethodGet, "/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "false", w.Header().Get("X-Snapshot-Sealed"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("MLSN")))

	w = do(t, New(dst, Options{}).Handler(), http.MethodPost, "/snapshot", w.Body.Bytes())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decode(t, w)["applied"])
	assert.Equal(t, src.Summary(), dst.Summary())

	// importing the same snapshot again adds nothing
	again := do(t, New(src, Options{}).Handler(), http.MethodGet, "/snapshot", nil)
	w = do(t, New(dst, Options{}).Handler(), http.MethodPost, "/snapshot", again.Body.Bytes())
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["applied"])

	w = do(t, New(dst, Options{}).Handler(), http.MethodPost, "/snapshot", []byte("not a snapshot"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSealedSnapshot(t *testing.T) {
	src, devs := seeded(t)
	dst := newEngine(t, devs, "C")

	w := do(t, New(src, Options{Passphrase: "coop secret"}).Handler(), http.MethodGet, "/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Snapshot-Sealed"))
	sealed := w.Body.Bytes()
	assert.False(t, bytes.HasPrefix(sealed, []byte("MLSN")))

	w = do(t, New(dst, Options{Passphrase: "wrong"}).Handler(), http.MethodPost, "/snapshot", sealed)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, dst.Summary().TxCount)

	w = do(t, New(dst, Options{Passphrase: "coop secret"}).Handler(), http.MethodPost, "/snapshot", sealed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, src.Summary(), dst.Summary())
}

func TestWipe(t *testing.T) {
	e, _ := seeded(t)
	s := New(e, Options{})

	w := do(t, s.Handler(), http.MethodPost, "/wipe", []byte(`{"confirm":"yes"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s.Handler(), http.MethodPost, "/wipe", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ledger.StateRunning, e.State())

	w = do(t, s.Handler(), http.MethodPost, "/wipe", []byte(`{"confirm":"WIPE","reason":"device seized"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "WIPED", decode(t, w)["state"])
	assert.Equal(t, ledger.StateWiped, e.State())
	assert.Zero(t, e.Summary().TxCount)

	snap := ledger.EncodeSnapshot(nil)
	w = do(t, s.Handler(), http.MethodPost, "/snapshot", snap)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSealHelpersMatchServer(t *testing.T) {
	src, _ := seeded(t)
	w := do(t, New(src, Options{Passphrase: "p"}).Handler(), http.MethodGet, "/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)

	plain, err := OpenSnapshot("p", w.Body.Bytes())
	require.NoError(t, err)
	txs, err := ledger.DecodeSnapshot(plain)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	_, err = OpenSnapshot("q", w.Body.Bytes())
	require.Error(t, err)
}
