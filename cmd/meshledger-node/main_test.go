package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	cfg     string
	dataDir string
	keyDir  string
}

// newTestNode writes a config for one device. keyring may be shared
// between nodes so they trust each other's signatures.
func newTestNode(t *testing.T, device, keyring string, extra string) testNode {
	t.Helper()
	dir := t.TempDir()
	n := testNode{
		cfg:     filepath.Join(dir, "meshledger.yaml"),
		dataDir: filepath.Join(dir, "data"),
		keyDir:  filepath.Join(dir, "keys"),
	}
	deviceLine := ""
	if device != "" {
		deviceLine = "  deviceID: " + device + "\n  owner: " + device + "\n"
	}
	yaml := fmt.Sprintf("node:\n  dataDir: %s\n  keyDir: %s\n  keyring: %s\n  logLevel: error\n%s%s",
		n.dataDir, n.keyDir, keyring, deviceLine, extra)
	require.NoError(t, os.WriteFile(n.cfg, []byte(yaml), 0600))
	return n
}

func (n testNode) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	color.NoColor = true
	var out, errOut bytes.Buffer
	code := execute(append([]string{"--config", n.cfg}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := execute([]string{"--help"}, &out, &out)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "meshledger-node")
	for _, sub := range []string{"run", "status", "balance", "send", "export", "import", "wipe", "keygen", "trust"} {
		assert.Contains(t, out.String(), sub)
	}
}

func TestKeygenPersistsDeviceID(t *testing.T) {
	keyring := filepath.Join(t.TempDir(), "keyring.jsonl")
	n := newTestNode(t, "", keyring, "")

	code, first, stderr := n.run(t, "keygen")
	require.Equal(t, 0, code, stderr)
	code, second, _ := n.run(t, "keygen")
	require.Equal(t, 0, code)
	assert.Equal(t, first, second)

	id, err := os.ReadFile(filepath.Join(n.keyDir, deviceIDFile))
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(string(id)), 16)
	assert.Contains(t, first, "device "+strings.TrimSpace(string(id)))

	ring, err := os.ReadFile(keyring)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(ring), "\n"), "own key is added once")
}

func TestTransferExportImportWipe(t *testing.T) {
	keyring := filepath.Join(t.TempDir(), "keyring.jsonl")
	issuers := "ledger:\n  issuers: [kiosk]\n"
	kiosk := newTestNode(t, "kiosk", keyring, issuers)
	village := newTestNode(t, "village", keyring, issuers)

	code, out, stderr := kiosk.run(t, "send", "alice", "12.5")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "kiosk -> alice 12.50")
	assert.Contains(t, out, "VALID")

	code, out, _ = kiosk.run(t, "balance", "alice")
	require.Equal(t, 0, code)
	assert.Equal(t, "alice 12.50\n", out)
	code, out, _ = kiosk.run(t, "balance")
	require.Equal(t, 0, code)
	assert.Equal(t, "kiosk -12.50\n", out)

	snap := filepath.Join(t.TempDir(), "ledger.mlsn")
	code, _, stderr = kiosk.run(t, "export", snap, "--passphrase", "coop")
	require.Equal(t, 0, code, stderr)

	code, _, _ = village.run(t, "import", snap, "--passphrase", "nope")
	require.Equal(t, 1, code)
	code, out, stderr = village.run(t, "import", snap, "--passphrase", "coop")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "imported 1 transactions\n", out)
	code, out, _ = village.run(t, "balance", "alice")
	require.Equal(t, 0, code)
	assert.Equal(t, "alice 12.50\n", out)

	code, out, _ = village.run(t, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "State: RUNNING")
	assert.Contains(t, out, "Ledger: 1 transactions")

	code, _, stderr = village.run(t, "wipe")
	require.Equal(t, 1, code)
	assert.Contains(t, stderr, "--confirm WIPE")
	code, out, _ = village.run(t, "wipe", "--confirm", "WIPE", "--reason", "test")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "WIPED")

	code, out, _ = village.run(t, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Ledger: 0 transactions")
}

func TestSendValidation(t *testing.T) {
	keyring := filepath.Join(t.TempDir(), "keyring.jsonl")
	n := newTestNode(t, "poor", keyring, "")

	code, _, stderr := n.run(t, "send", "alice", "1.234")
	require.Equal(t, 1, code)
	assert.Contains(t, stderr, "decimal places")

	code, _, stderr = n.run(t, "send", "alice", "5")
	require.Equal(t, 1, code)
	assert.Contains(t, stderr, "INSUFFICIENT_FUNDS")

	code, _, _ = n.run(t, "send", "alice")
	require.Equal(t, 1, code)
}

func TestTrustQueuesSignedUpdate(t *testing.T) {
	keyring := filepath.Join(t.TempDir(), "keyring.jsonl")
	auth := newTestNode(t, "coop", keyring, "trust:\n  authorities: [coop]\n")

	code, out, stderr := auth.run(t, "trust", "mallory", "10")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "mallory=10")

	updates, err := takeTrustUpdates(auth.dataDir)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "mallory", updates[0].Subject)
	assert.Equal(t, "coop", updates[0].Issuer)
	_, err = os.Stat(filepath.Join(auth.dataDir, trustUpdatesFile))
	assert.True(t, os.IsNotExist(err))

	code, _, _ = auth.run(t, "trust", "mallory", "101")
	assert.Equal(t, 1, code)

	other := newTestNode(t, "nobody", keyring, "trust:\n  authorities: [coop]\n")
	code, _, stderr = other.run(t, "trust", "mallory", "10")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not an authority")
}
