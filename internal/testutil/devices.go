package testutil

import (
	"testing"

	"meshledger/internal/crypto"
	"meshledger/internal/proto"
	"meshledger/internal/trust"
)

// Devices is a keyring plus one signer per device, for building signed
// transactions in tests.
type Devices struct {
	Keys    *crypto.Keyring
	Signers map[string]*crypto.Signer
}

func NewDevices(t testing.TB, ids ...string) *Devices {
	t.Helper()
	d := &Devices{Keys: crypto.NewKeyring(), Signers: make(map[string]*crypto.Signer)}
	for _, id := range ids {
		pub, priv, err := crypto.GenKeypair()
		if err != nil {
			t.Fatalf("keypair %s: %v", id, err)
		}
		s, err := crypto.NewSigner(id, priv)
		if err != nil {
			t.Fatalf("signer %s: %v", id, err)
		}
		if err := d.Keys.Add(id, pub); err != nil {
			t.Fatalf("keyring %s: %v", id, err)
		}
		d.Signers[id] = s
	}
	return d
}

// Tx builds a transaction signed by device, with the id derived from content.
func (d *Devices) Tx(t testing.TB, device, sender, receiver string, amount uint64, lamport uint32, parents ...proto.TxID) proto.Transaction {
	t.Helper()
	s, ok := d.Signers[device]
	if !ok {
		t.Fatalf("unknown device %q", device)
	}
	tx := proto.Transaction{
		Sender:   sender,
		Receiver: receiver,
		DeviceID: device,
		Amount:   amount,
		Lamport:  lamport,
		Flags:    proto.FlagPending,
	}
	copy(tx.Parents[:], parents)
	tx.ID = proto.ComputeTxID(tx)
	copy(tx.Signature[:], s.Sign(proto.SigningBytes(tx)))
	return tx
}

// Trust signs a trust update as issuer.
func (d *Devices) Trust(t testing.TB, issuer, subject string, score uint8) proto.TrustUpdate {
	t.Helper()
	s, ok := d.Signers[issuer]
	if !ok {
		t.Fatalf("unknown issuer %q", issuer)
	}
	return trust.Sign(s, issuer, subject, score)
}
