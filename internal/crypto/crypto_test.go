package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignerAndKeyring(t *testing.T) {
	pub, priv, err := GenKeypair()
	require.NoError(t, err)
	s, err := NewSigner("dev-a", priv)
	require.NoError(t, err)
	require.Equal(t, pub, s.Public())

	ring := NewKeyring()
	require.NoError(t, ring.Add("dev-a", pub))

	msg := []byte("transfer")
	sig := s.Sign(msg)
	require.True(t, ring.Verify(msg, sig, "dev-a"))
	require.False(t, ring.Verify([]byte("transfeR"), sig, "dev-a"))
	require.False(t, ring.Verify(msg, sig, "dev-unknown"))
	require.False(t, ring.Verify(msg, sig[:10], "dev-a"))
}

func TestKeyringFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "keyring.jsonl")
	empty, err := LoadKeyring(path)
	require.NoError(t, err)
	require.Zero(t, empty.Len())

	pubA, _, err := GenKeypair()
	require.NoError(t, err)
	pubB, _, err := GenKeypair()
	require.NoError(t, err)
	require.NoError(t, AppendKeyring(path, "dev-a", pubA))
	require.NoError(t, AppendKeyring(path, "dev-b", pubB))

	ring, err := LoadKeyring(path)
	require.NoError(t, err)
	require.Equal(t, 2, ring.Len())
	got, ok := ring.Lookup("dev-b")
	require.True(t, ok)
	require.Equal(t, pubB, got)
}

func TestKeypairPersistence(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := LoadOrCreateKeypair(dir)
	require.NoError(t, err)
	pub2, priv2, err := LoadOrCreateKeypair(dir)
	require.NoError(t, err)
	require.Equal(t, pub, pub2)
	require.Equal(t, priv, priv2)
}

func TestSealOpen(t *testing.T) {
	key := SealKeyFromPassphrase("kiosk-7")
	sealed, err := XSeal(key, []byte("snapshot"), []byte("aad"))
	require.NoError(t, err)

	plain, err := XOpen(key, sealed, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot"), plain)

	_, err = XOpen(key, sealed, []byte("other"))
	require.Error(t, err)
	_, err = XOpen(SealKeyFromPassphrase("wrong"), sealed, []byte("aad"))
	require.Error(t, err)
	_, err = XSeal(key[:5], nil, nil)
	require.Error(t, err)
}
