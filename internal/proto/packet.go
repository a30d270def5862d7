package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type MsgType uint8

const (
	MsgTransaction   MsgType = 1
	MsgLedgerSync    MsgType = 2
	MsgHeartbeat     MsgType = 3
	MsgGroupSavings  MsgType = 4
	MsgTrustUpdate   MsgType = 5
	MsgRangeRequest  MsgType = 6
	MsgRangeResponse MsgType = 7
)

func (t MsgType) String() string {
	switch t {
	case MsgTransaction:
		return "transaction"
	case MsgLedgerSync:
		return "ledger_sync"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgGroupSavings:
		return "group_savings"
	case MsgTrustUpdate:
		return "trust_update"
	case MsgRangeRequest:
		return "tx_range_request"
	case MsgRangeResponse:
		return "tx_range_response"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

const (
	Broadcast     uint16 = 0xFFFF
	HeaderSize           = 11
	TrailerSize          = 2
	DefaultTTL           = 5
	MaxHops              = 8
	MaxPacketSize        = 250
	// MinTxPacketSize is the smallest budget that still carries one range response entry.
	MinTxPacketSize = HeaderSize + rangeResponseHead + TxSize + TrailerSize

	summarySize       = 12
	rangeRequestSize  = 8
	rangeResumeSize   = rangeRequestSize + TxIDSize
	rangeResponseHead = 8
	groupSavingsSize  = 2*IdentitySize + 8 + 4
	trustUpdateSize   = IdentitySize + 1 + IdentitySize + SignatureSize
)

var (
	ErrShortPacket = errors.New("packet too short")
	ErrLongPacket  = errors.New("packet exceeds budget")
	ErrBadCRC      = errors.New("packet crc mismatch")
)

type Header struct {
	Type  MsgType
	Src   uint16
	Dst   uint16
	TTL   uint8
	Hops  uint8
	MsgID uint32
}

// Payload is one of the message variants below.
type Payload interface {
	Type() MsgType
	appendTo(b []byte) []byte
}

type Packet struct {
	Header
	Payload Payload
}

type TxMessage struct {
	Tx Transaction
}

type Summary struct {
	LastLamport uint32
	TxCount     uint32
	LedgerHash  uint32
}

// SummaryRequest travels as a LEDGER_SYNC packet with an empty payload.
type SummaryRequest struct{}

type Heartbeat struct {
	Summary Summary
}

// RangeRequest asks for records with lamport >= FromLamport in canonical
// order. A non-zero After names the last record already received from this
// neighbor; the reply resumes right after it, which lets a fetch walk a
// lamport group larger than one reply. After is only put on the wire when set.
type RangeRequest struct {
	FromLamport uint32
	MaxCount    uint32
	After       TxID
}

type RangeResponse struct {
	FromLamport uint32
	Txs         []Transaction
}

type GroupSavings struct {
	Group  string
	Member string
	Amount uint64
	Round  uint32
}

type TrustUpdate struct {
	Subject   string
	Score     uint8
	Issuer    string
	Signature [SignatureSize]byte
}

func (TxMessage) Type() MsgType      { return MsgTransaction }
func (Summary) Type() MsgType        { return MsgLedgerSync }
func (SummaryRequest) Type() MsgType { return MsgLedgerSync }
func (Heartbeat) Type() MsgType      { return MsgHeartbeat }
func (RangeRequest) Type() MsgType   { return MsgRangeRequest }
func (RangeResponse) Type() MsgType  { return MsgRangeResponse }
func (GroupSavings) Type() MsgType   { return MsgGroupSavings }
func (TrustUpdate) Type() MsgType    { return MsgTrustUpdate }

func (m TxMessage) appendTo(b []byte) []byte { return append(b, EncodeTx(m.Tx)...) }

func (s Summary) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, s.LastLamport)
	b = binary.LittleEndian.AppendUint32(b, s.TxCount)
	return binary.LittleEndian.AppendUint32(b, s.LedgerHash)
}

func (SummaryRequest) appendTo(b []byte) []byte { return b }

func (h Heartbeat) appendTo(b []byte) []byte { return h.Summary.appendTo(b) }

func (r RangeRequest) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, r.FromLamport)
	b = binary.LittleEndian.AppendUint32(b, r.MaxCount)
	if r.After.IsZero() {
		return b
	}
	return append(b, r.After[:]...)
}

func (r RangeResponse) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, r.FromLamport)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.Txs)))
	for _, tx := range r.Txs {
		b = append(b, EncodeTx(tx)...)
	}
	return b
}

func (g GroupSavings) appendTo(b []byte) []byte {
	var ids [2 * IdentitySize]byte
	putIdentity(ids[:], g.Group)
	putIdentity(ids[IdentitySize:], g.Member)
	b = append(b, ids[:]...)
	b = binary.LittleEndian.AppendUint64(b, g.Amount)
	return binary.LittleEndian.AppendUint32(b, g.Round)
}

func (u TrustUpdate) appendTo(b []byte) []byte {
	b = append(b, TrustSigningBytes(u)...)
	return append(b, u.Signature[:]...)
}

// TrustSigningBytes is the part of a trust update covered by the issuer signature.
func TrustSigningBytes(u TrustUpdate) []byte {
	b := make([]byte, 2*IdentitySize+1)
	putIdentity(b, u.Subject)
	b[IdentitySize] = u.Score
	putIdentity(b[IdentitySize+1:], u.Issuer)
	return b
}

// MaxRangeTxs is how many transactions fit in one range response under budget.
func MaxRangeTxs(budget int) int {
	if budget <= 0 || budget > MaxPacketSize {
		budget = MaxPacketSize
	}
	n := (budget - HeaderSize - rangeResponseHead - TrailerSize) / TxSize
	if n < 0 {
		return 0
	}
	return n
}

func EncodePacket(h Header, p Payload) ([]byte, error) {
	return EncodePacketWithBudget(h, p, MaxPacketSize)
}

func EncodePacketWithBudget(h Header, p Payload, budget int) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	if budget <= 0 || budget > MaxPacketSize {
		budget = MaxPacketSize
	}
	h.Type = p.Type()
	b := make([]byte, HeaderSize, budget)
	b[0] = byte(h.Type)
	binary.LittleEndian.PutUint16(b[1:], h.Src)
	binary.LittleEndian.PutUint16(b[3:], h.Dst)
	b[5] = h.TTL
	b[6] = h.Hops
	binary.LittleEndian.PutUint32(b[7:], h.MsgID)
	b = p.appendTo(b)
	b = AppendCRC(b)
	if len(b) > budget {
		return nil, ErrLongPacket
	}
	return b, nil
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	return Header{
		Type:  MsgType(b[0]),
		Src:   binary.LittleEndian.Uint16(b[1:]),
		Dst:   binary.LittleEndian.Uint16(b[3:]),
		TTL:   b[5],
		Hops:  b[6],
		MsgID: binary.LittleEndian.Uint32(b[7:]),
	}, nil
}

func DecodePacket(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize+TrailerSize {
		return Packet{}, ErrShortPacket
	}
	if len(raw) > MaxPacketSize {
		return Packet{}, ErrLongPacket
	}
	body, ok := SplitCRC(raw)
	if !ok {
		return Packet{}, ErrBadCRC
	}
	h, err := DecodeHeader(body)
	if err != nil {
		return Packet{}, err
	}
	p, err := decodePayload(h.Type, body[HeaderSize:])
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Payload: p}, nil
}

func decodePayload(t MsgType, b []byte) (Payload, error) {
	switch t {
	case MsgTransaction:
		tx, err := DecodeTx(b)
		if err != nil {
			return nil, err
		}
		return TxMessage{Tx: tx}, nil
	case MsgLedgerSync:
		if len(b) == 0 {
			return SummaryRequest{}, nil
		}
		return decodeSummary(b)
	case MsgHeartbeat:
		s, err := decodeSummary(b)
		if err != nil {
			return nil, err
		}
		return Heartbeat{Summary: s}, nil
	case MsgRangeRequest:
		if len(b) != rangeRequestSize && len(b) != rangeResumeSize {
			return nil, fmt.Errorf("bad range request size: %d", len(b))
		}
		req := RangeRequest{
			FromLamport: binary.LittleEndian.Uint32(b),
			MaxCount:    binary.LittleEndian.Uint32(b[4:]),
		}
		if len(b) == rangeResumeSize {
			copy(req.After[:], b[rangeRequestSize:])
			if req.After.IsZero() {
				return nil, fmt.Errorf("zero resume id")
			}
		}
		return req, nil
	case MsgRangeResponse:
		return decodeRangeResponse(b)
	case MsgGroupSavings:
		if len(b) != groupSavingsSize {
			return nil, fmt.Errorf("bad group savings size: %d", len(b))
		}
		return GroupSavings{
			Group:  getIdentity(b),
			Member: getIdentity(b[IdentitySize:]),
			Amount: binary.LittleEndian.Uint64(b[2*IdentitySize:]),
			Round:  binary.LittleEndian.Uint32(b[2*IdentitySize+8:]),
		}, nil
	case MsgTrustUpdate:
		if len(b) != trustUpdateSize {
			return nil, fmt.Errorf("bad trust update size: %d", len(b))
		}
		u := TrustUpdate{
			Subject: getIdentity(b),
			Score:   b[IdentitySize],
			Issuer:  getIdentity(b[IdentitySize+1:]),
		}
		copy(u.Signature[:], b[2*IdentitySize+1:])
		return u, nil
	default:
		return nil, fmt.Errorf("unexpected msg type: %s", t)
	}
}

func decodeSummary(b []byte) (Summary, error) {
	if len(b) != summarySize {
		return Summary{}, fmt.Errorf("bad summary size: %d", len(b))
	}
	return Summary{
		LastLamport: binary.LittleEndian.Uint32(b),
		TxCount:     binary.LittleEndian.Uint32(b[4:]),
		LedgerHash:  binary.LittleEndian.Uint32(b[8:]),
	}, nil
}

func decodeRangeResponse(b []byte) (RangeResponse, error) {
	if len(b) < rangeResponseHead {
		return RangeResponse{}, fmt.Errorf("short range response")
	}
	r := RangeResponse{FromLamport: binary.LittleEndian.Uint32(b)}
	n := int(binary.LittleEndian.Uint32(b[4:]))
	rest := b[rangeResponseHead:]
	if n < 0 || len(rest) != n*TxSize {
		return RangeResponse{}, fmt.Errorf("range response count %d does not match %d bytes", n, len(rest))
	}
	r.Txs = make([]Transaction, 0, n)
	for i := 0; i < n; i++ {
		tx, err := DecodeTx(rest[i*TxSize : (i+1)*TxSize])
		if err != nil {
			return RangeResponse{}, err
		}
		r.Txs = append(r.Txs, tx)
	}
	return r, nil
}
