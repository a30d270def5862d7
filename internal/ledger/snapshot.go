package ledger

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"meshledger/internal/proto"
)

const snapshotVersion = 1

var (
	snapshotMagic = []byte("MLSN")

	ErrBadSnapshot = errors.New("bad snapshot")
)

// ExportSnapshot serializes every readable record:
// magic, version, count, records, CRC16 over everything before it.
func (e *Engine) ExportSnapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	txs, st := e.store.All()
	if st.Corrupt > 0 {
		e.metrics.AddCorruptRecords(st.Corrupt)
		e.log.Sugar().Warnf("snapshot export skipped %d corrupt records", st.Corrupt)
	}
	return EncodeSnapshot(txs), nil
}

func EncodeSnapshot(txs []proto.Transaction) []byte {
	var buf bytes.Buffer
	buf.Grow(len(snapshotMagic) + 5 + len(txs)*proto.TxSize + proto.TrailerSize)
	buf.Write(snapshotMagic)
	buf.WriteByte(snapshotVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(txs)))
	for _, tx := range txs {
		buf.Write(proto.EncodeTx(tx))
	}
	return proto.AppendCRC(buf.Bytes())
}

func DecodeSnapshot(data []byte) ([]proto.Transaction, error) {
	body, ok := proto.SplitCRC(data)
	if !ok {
		return nil, errors.Wrap(ErrBadSnapshot, "crc mismatch")
	}
	hdr := len(snapshotMagic) + 5
	if len(body) < hdr || !bytes.Equal(body[:len(snapshotMagic)], snapshotMagic) {
		return nil, errors.Wrap(ErrBadSnapshot, "missing magic")
	}
	if v := body[len(snapshotMagic)]; v != snapshotVersion {
		return nil, errors.Wrapf(ErrBadSnapshot, "unsupported version %d", v)
	}
	n := int(binary.LittleEndian.Uint32(body[len(snapshotMagic)+1:]))
	rest := body[hdr:]
	if len(rest) != n*proto.TxSize {
		return nil, errors.Wrapf(ErrBadSnapshot, "%d records do not fit %d bytes", n, len(rest))
	}
	out := make([]proto.Transaction, 0, n)
	for i := 0; i < n; i++ {
		tx, err := proto.DecodeTx(rest[i*proto.TxSize : (i+1)*proto.TxSize])
		if err != nil {
			return nil, errors.Wrap(ErrBadSnapshot, err.Error())
		}
		out = append(out, tx)
	}
	return out, nil
}

// ImportSnapshot merges a snapshot through the normal reconcile path, so a
// snapshot can add transactions but never bypass validation.
func (e *Engine) ImportSnapshot(data []byte) (int, error) {
	txs, err := DecodeSnapshot(data)
	if err != nil {
		return 0, err
	}
	return e.ApplyIncomingBatch(txs)
}
