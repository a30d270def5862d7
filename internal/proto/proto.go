// internal/proto/proto.go
package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/crypto/sha3"
)

const (
	IdentitySize  = 16
	TxIDSize      = 16
	PrevHashSize  = 8
	MaxParents    = 2
	SignatureSize = 64

	// body: sender, receiver, device, amount, lamport, prev hash, parents
	bodySize = 3*IdentitySize + 8 + 4 + PrevHashSize + MaxParents*TxIDSize
	// SignedSize is the prefix covered by the signature.
	SignedSize = TxIDSize + bodySize
	TxSize     = SignedSize + SignatureSize + 1
)

type Flag uint8

const (
	FlagPending    Flag = 1
	FlagValid      Flag = 2
	FlagInvalid    Flag = 3
	FlagSuspicious Flag = 4
)

func (f Flag) String() string {
	switch f {
	case FlagPending:
		return "pending"
	case FlagValid:
		return "valid"
	case FlagInvalid:
		return "invalid"
	case FlagSuspicious:
		return "suspicious"
	default:
		return fmt.Sprintf("flag(%d)", uint8(f))
	}
}

// Counts reports whether a record with this flag moves funds.
func (f Flag) Counts() bool {
	return f == FlagValid || f == FlagSuspicious
}

type TxID [TxIDSize]byte

func (id TxID) String() string {
	return hex.EncodeToString(id[:])
}

func (id TxID) IsZero() bool {
	return id == TxID{}
}

func ParseTxID(s string) (TxID, error) {
	var id TxID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != TxIDSize {
		return id, fmt.Errorf("tx id must be %d bytes", TxIDSize)
	}
	copy(id[:], raw)
	return id, nil
}

type Transaction struct {
	ID        TxID
	Sender    string
	Receiver  string
	DeviceID  string
	Amount    uint64
	Lamport   uint32
	PrevHash  [PrevHashSize]byte
	Parents   [MaxParents]TxID
	Signature [SignatureSize]byte
	Flags     Flag
}

// ParentIDs returns the non-zero ancestry references.
func (t Transaction) ParentIDs() []TxID {
	var out []TxID
	for _, p := range t.Parents {
		if !p.IsZero() {
			out = append(out, p)
		}
	}
	return out
}

// SameContent compares everything except the mutable flag.
func (t Transaction) SameContent(o Transaction) bool {
	a := EncodeTx(t)
	b := EncodeTx(o)
	return bytes.Equal(a[:TxSize-1], b[:TxSize-1])
}

// Delta is the signed balance change this transaction applies to identity.
func (t Transaction) Delta(identity string) int64 {
	var d int64
	if t.Receiver == identity {
		d += int64(t.Amount)
	}
	if t.Sender == identity {
		d -= int64(t.Amount)
	}
	return d
}

func putIdentity(dst []byte, s string) {
	copy(dst[:IdentitySize], s)
}

func getIdentity(src []byte) string {
	b := src[:IdentitySize]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func ValidIdentity(s string) bool {
	return s != "" && len(s) <= IdentitySize && !bytes.ContainsRune([]byte(s), 0)
}

func encodeBody(dst []byte, t Transaction) {
	off := 0
	putIdentity(dst[off:], t.Sender)
	off += IdentitySize
	putIdentity(dst[off:], t.Receiver)
	off += IdentitySize
	putIdentity(dst[off:], t.DeviceID)
	off += IdentitySize
	binary.LittleEndian.PutUint64(dst[off:], t.Amount)
	off += 8
	binary.LittleEndian.PutUint32(dst[off:], t.Lamport)
	off += 4
	copy(dst[off:], t.PrevHash[:])
	off += PrevHashSize
	for _, p := range t.Parents {
		copy(dst[off:], p[:])
		off += TxIDSize
	}
}

// ComputeTxID derives the content id from the body fields.
func ComputeTxID(t Transaction) TxID {
	var body [bodySize]byte
	encodeBody(body[:], t)
	sum := sha3.Sum256(body[:])
	var id TxID
	copy(id[:], sum[:TxIDSize])
	return id
}

// SigningBytes is the prefix the originating device signs.
func SigningBytes(t Transaction) []byte {
	b := make([]byte, SignedSize)
	copy(b, t.ID[:])
	encodeBody(b[TxIDSize:], t)
	return b
}

func EncodeTx(t Transaction) []byte {
	b := make([]byte, TxSize)
	copy(b, t.ID[:])
	encodeBody(b[TxIDSize:], t)
	copy(b[SignedSize:], t.Signature[:])
	b[TxSize-1] = byte(t.Flags)
	return b
}

func DecodeTx(b []byte) (Transaction, error) {
	if len(b) != TxSize {
		return Transaction{}, fmt.Errorf("bad tx size: %d", len(b))
	}
	var t Transaction
	copy(t.ID[:], b[:TxIDSize])
	off := TxIDSize
	t.Sender = getIdentity(b[off:])
	off += IdentitySize
	t.Receiver = getIdentity(b[off:])
	off += IdentitySize
	t.DeviceID = getIdentity(b[off:])
	off += IdentitySize
	t.Amount = binary.LittleEndian.Uint64(b[off:])
	off += 8
	t.Lamport = binary.LittleEndian.Uint32(b[off:])
	off += 4
	copy(t.PrevHash[:], b[off:off+PrevHashSize])
	off += PrevHashSize
	for i := range t.Parents {
		copy(t.Parents[i][:], b[off:off+TxIDSize])
		off += TxIDSize
	}
	copy(t.Signature[:], b[off:off+SignatureSize])
	t.Flags = Flag(b[TxSize-1])
	return t, nil
}

// WellFormed checks the structural rules every transaction must satisfy.
func WellFormed(t Transaction) error {
	switch {
	case t.ID.IsZero():
		return fmt.Errorf("empty tx id")
	case !ValidIdentity(t.Sender), !ValidIdentity(t.Receiver), !ValidIdentity(t.DeviceID):
		return fmt.Errorf("bad identity")
	case t.Sender == t.Receiver:
		return fmt.Errorf("sender equals receiver")
	case t.Amount == 0:
		return fmt.Errorf("zero amount")
	case t.Amount > math.MaxInt64:
		return fmt.Errorf("amount out of range")
	}
	return nil
}

// Less is the canonical (lamport, device_id) order; tx id breaks the rest.
func Less(a, b Transaction) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	if a.DeviceID != b.DeviceID {
		return a.DeviceID < b.DeviceID
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
