package trust

import (
	"testing"

	"github.com/stretchr/testify/require"

	"meshledger/internal/crypto"
	"meshledger/internal/proto"
)

func TestDefaultAndSet(t *testing.T) {
	tbl := NewTable(60, 2, nil, nil)
	require.Equal(t, uint8(60), tbl.Score("alice"))
	require.NoError(t, tbl.Set("alice", 10))
	require.Equal(t, uint8(10), tbl.Score("alice"))
	require.ErrorIs(t, tbl.Set("bob", 101), ErrBadScore)
}

func TestCapacityEvictsOldest(t *testing.T) {
	tbl := NewTable(50, 2, nil, nil)
	require.NoError(t, tbl.Set("a", 1))
	require.NoError(t, tbl.Set("b", 2))
	require.NoError(t, tbl.Set("a", 3))
	require.NoError(t, tbl.Set("c", 4))
	require.Equal(t, 2, tbl.Len())
	require.Equal(t, uint8(50), tbl.Score("a"))
	require.Equal(t, uint8(4), tbl.Score("c"))
}

func TestApplySignedUpdate(t *testing.T) {
	pub, priv, err := crypto.GenKeypair()
	require.NoError(t, err)
	signer, err := crypto.NewSigner("kiosk", priv)
	require.NoError(t, err)
	ring := crypto.NewKeyring()
	require.NoError(t, ring.Add("kiosk", pub))

	tbl := NewTable(DefaultScore, 0, []string{"kiosk"}, ring)
	u := proto.TrustUpdate{Subject: "mallory", Score: 5, Issuer: "kiosk"}
	copy(u.Signature[:], signer.Sign(proto.TrustSigningBytes(u)))
	require.NoError(t, tbl.Apply(u))
	require.Equal(t, uint8(5), tbl.Score("mallory"))

	forged := u
	forged.Score = 99
	require.ErrorIs(t, tbl.Apply(forged), ErrBadSignature)

	stranger := u
	stranger.Issuer = "bob"
	require.ErrorIs(t, tbl.Apply(stranger), ErrNotAuthority)
}
