// internal/store/store.go
package store

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meshledger/internal/proto"
)

const (
	DefaultCapacity = 4096

	recordSize     = proto.TxSize + proto.TrailerSize
	metaSize       = 4 + 4 + 8 + proto.TrailerSize
	balanceRecSize = proto.IdentitySize + 8
)

var (
	ErrFull           = errors.New("ledger store full")
	ErrCorrupt        = errors.New("record checksum mismatch")
	ErrWriteIntegrity = errors.New("write integrity check failed")
	ErrNotFound       = errors.New("record not found")
	ErrNoCheckpoint   = errors.New("no checkpoint")
	ErrFatal          = errors.New("storage failed")
)

var (
	recordPrefix = []byte("r/")
	indexPrefix  = []byte("i/")
	metaKey      = []byte("m")
	ckptKey      = []byte("c")
)

// Meta is the persisted cursor state of the ledger.
type Meta struct {
	LastAppliedIndex uint32
	LogicalClock     uint32
	CachedBalance    int64
}

type Checkpoint struct {
	TxCount  uint32
	Clock    uint32
	Balances map[string]int64
}

// ScanStats separates skipped corrupt records from an empty ledger.
type ScanStats struct {
	Read    int
	Corrupt int
}

type Options struct {
	Capacity uint32
	// Owner is the identity whose balance is cached in Meta.
	Owner  string
	Logger *zap.Logger
}

type Store struct {
	mu    sync.Mutex
	db    *pebble.DB
	path  string
	opts  Options
	meta  Meta
	log   *zap.Logger
	fatal error
}

func Open(path string, opts Options) (*Store, error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{Logger: &pebbleLogger{opts.Logger}})
	if err != nil {
		return nil, errors.Wrap(err, "open ledger store")
	}
	s := &Store{db: db, path: path, opts: opts, log: opts.Logger}
	if err := s.loadMeta(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func recordKey(index uint32) []byte {
	k := make([]byte, len(recordPrefix)+4)
	copy(k, recordPrefix)
	binary.BigEndian.PutUint32(k[len(recordPrefix):], index)
	return k
}

func indexKey(id proto.TxID) []byte {
	k := make([]byte, len(indexPrefix)+proto.TxIDSize)
	copy(k, indexPrefix)
	copy(k[len(indexPrefix):], id[:])
	return k
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func encodeRecord(tx proto.Transaction) []byte {
	return proto.AppendCRC(proto.EncodeTx(tx))
}

func decodeRecord(raw []byte) (proto.Transaction, error) {
	if len(raw) != recordSize {
		return proto.Transaction{}, ErrCorrupt
	}
	body, ok := proto.SplitCRC(raw)
	if !ok {
		return proto.Transaction{}, ErrCorrupt
	}
	return proto.DecodeTx(body)
}

func encodeMeta(m Meta) []byte {
	b := make([]byte, 0, metaSize)
	b = binary.LittleEndian.AppendUint32(b, m.LastAppliedIndex)
	b = binary.LittleEndian.AppendUint32(b, m.LogicalClock)
	b = binary.LittleEndian.AppendUint64(b, uint64(m.CachedBalance))
	return proto.AppendCRC(b)
}

func decodeMeta(raw []byte) (Meta, error) {
	if len(raw) != metaSize {
		return Meta{}, ErrCorrupt
	}
	body, ok := proto.SplitCRC(raw)
	if !ok {
		return Meta{}, ErrCorrupt
	}
	return Meta{
		LastAppliedIndex: binary.LittleEndian.Uint32(body),
		LogicalClock:     binary.LittleEndian.Uint32(body[4:]),
		CachedBalance:    int64(binary.LittleEndian.Uint64(body[8:])),
	}, nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, nil
}

func (s *Store) loadMeta() error {
	raw, err := s.get(metaKey)
	if errors.Is(err, ErrNotFound) {
		s.meta = Meta{}
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load meta")
	}
	m, err := decodeMeta(raw)
	if err == nil {
		s.meta = m
		return nil
	}
	// meta is derived state; rebuild it from the checkpoint and the record log
	s.log.Warn("ledger meta corrupt, recovering from checkpoint")
	ck, rerr := s.recoverLocked()
	if rerr != nil {
		return errors.Wrap(rerr, "recover meta")
	}
	s.meta = Meta{
		LastAppliedIndex: ck.TxCount,
		LogicalClock:     ck.Clock,
		CachedBalance:    ck.Balances[s.opts.Owner],
	}
	return nil
}

func (s *Store) setFatal(err error) error {
	s.fatal = errors.Wrap(ErrFatal, err.Error())
	s.log.Error("ledger storage failure", zap.Error(err))
	return s.fatal
}

// Fatal returns the unrecoverable storage error, if any.
func (s *Store) Fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Store) Capacity() uint32 {
	return s.opts.Capacity
}

func (s *Store) Owner() string {
	return s.opts.Owner
}

func (s *Store) Count() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.LastAppliedIndex
}

// SetClock persists the logical clock without touching records.
func (s *Store) SetClock(v uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return s.fatal
	}
	if v <= s.meta.LogicalClock {
		return nil
	}
	m := s.meta
	m.LogicalClock = v
	if err := s.db.Set(metaKey, encodeMeta(m), pebble.Sync); err != nil {
		return s.setFatal(err)
	}
	s.meta = m
	return nil
}

func (s *Store) Exists(id proto.TxID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.get(indexKey(id))
	return err == nil
}

func (s *Store) Append(tx proto.Transaction) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return 0, s.fatal
	}
	if s.meta.LastAppliedIndex >= s.opts.Capacity {
		return 0, ErrFull
	}
	index := s.meta.LastAppliedIndex
	rec := encodeRecord(tx)
	next := s.meta
	next.LastAppliedIndex++
	if tx.Flags.Counts() {
		next.CachedBalance += tx.Delta(s.opts.Owner)
	}
	if tx.Lamport > next.LogicalClock {
		next.LogicalClock = tx.Lamport
	}

	b := s.db.NewBatch()
	_ = b.Set(recordKey(index), rec, nil)
	_ = b.Set(indexKey(tx.ID), binary.BigEndian.AppendUint32(nil, index), nil)
	_ = b.Set(metaKey, encodeMeta(next), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, s.setFatal(errors.Wrap(err, "append"))
	}

	stored, err := s.get(recordKey(index))
	if err != nil || !bytes.Equal(stored, rec) {
		s.rollbackAppendLocked(index, tx.ID)
		return 0, ErrWriteIntegrity
	}
	s.meta = next
	return index, nil
}

func (s *Store) rollbackAppendLocked(index uint32, id proto.TxID) {
	b := s.db.NewBatch()
	_ = b.Delete(recordKey(index), nil)
	_ = b.Delete(indexKey(id), nil)
	_ = b.Set(metaKey, encodeMeta(s.meta), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		_ = s.setFatal(errors.Wrap(err, "rollback append"))
	}
}

// Load returns ErrCorrupt when the stored checksum does not match.
func (s *Store) Load(index uint32) (proto.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= s.meta.LastAppliedIndex {
		return proto.Transaction{}, ErrNotFound
	}
	raw, err := s.get(recordKey(index))
	if err != nil {
		return proto.Transaction{}, err
	}
	tx, err := decodeRecord(raw)
	if err != nil {
		return proto.Transaction{}, errors.Wrapf(ErrCorrupt, "record %d", index)
	}
	return tx, nil
}

// Scan visits readable records in index order until fn returns false.
// Corrupt records are skipped and counted.
func (s *Store) Scan(fn func(index uint32, tx proto.Transaction) bool) ScanStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanLocked(0, s.meta.LastAppliedIndex, fn)
}

func (s *Store) scanLocked(from, to uint32, fn func(index uint32, tx proto.Transaction) bool) ScanStats {
	var st ScanStats
	if s.db == nil {
		return st
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: recordKey(from),
		UpperBound: prefixEnd(recordPrefix),
	})
	if err != nil {
		s.log.Error("ledger scan", zap.Error(err))
		return st
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		index := binary.BigEndian.Uint32(iter.Key()[len(recordPrefix):])
		if index >= to {
			break
		}
		tx, err := decodeRecord(iter.Value())
		if err != nil {
			st.Corrupt++
			s.log.Warn("skipping corrupt ledger record", zap.Uint32("index", index))
			continue
		}
		st.Read++
		if !fn(index, tx) {
			break
		}
	}
	return st
}

func (s *Store) All() ([]proto.Transaction, ScanStats) {
	var out []proto.Transaction
	st := s.Scan(func(_ uint32, tx proto.Transaction) bool {
		out = append(out, tx)
		return true
	})
	return out, st
}

// BalanceOf sums signed deltas of every counted record by full scan.
func (s *Store) BalanceOf(identity string) (int64, ScanStats) {
	var bal int64
	st := s.Scan(func(_ uint32, tx proto.Transaction) bool {
		if tx.Flags.Counts() {
			bal += tx.Delta(identity)
		}
		return true
	})
	return bal, st
}

// SentInEpoch sums what identity sent in counted records of one logical epoch.
func (s *Store) SentInEpoch(identity string, epoch, epochLen uint32) uint64 {
	if epochLen == 0 {
		return 0
	}
	var sum uint64
	s.Scan(func(_ uint32, tx proto.Transaction) bool {
		if tx.Flags.Counts() && tx.Sender == identity && tx.Lamport/epochLen == epoch {
			sum += tx.Amount
		}
		return true
	})
	return sum
}

func (s *Store) MaxLamport() uint32 {
	var max uint32
	s.Scan(func(_ uint32, tx proto.Transaction) bool {
		if tx.Lamport > max {
			max = tx.Lamport
		}
		return true
	})
	return max
}

// Since returns readable records with lamport >= from in canonical order.
func (s *Store) Since(from uint32) []proto.Transaction {
	var out []proto.Transaction
	s.Scan(func(_ uint32, tx proto.Transaction) bool {
		if tx.Lamport >= from {
			out = append(out, tx)
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return proto.Less(out[i], out[j]) })
	return out
}

// Last returns the record at the tail of the log.
func (s *Store) Last() (proto.Transaction, bool) {
	n := s.Count()
	for n > 0 {
		n--
		tx, err := s.Load(n)
		if err == nil {
			return tx, true
		}
	}
	return proto.Transaction{}, false
}

// ReplaceAll swaps the whole record image in one atomic batch.
func (s *Store) ReplaceAll(txs []proto.Transaction, clock uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return s.fatal
	}
	if uint32(len(txs)) > s.opts.Capacity {
		return ErrFull
	}
	next := Meta{LastAppliedIndex: uint32(len(txs)), LogicalClock: s.meta.LogicalClock}
	if clock > next.LogicalClock {
		next.LogicalClock = clock
	}
	b := s.db.NewBatch()
	_ = b.DeleteRange(recordPrefix, prefixEnd(recordPrefix), nil)
	_ = b.DeleteRange(indexPrefix, prefixEnd(indexPrefix), nil)
	for i, tx := range txs {
		idx := uint32(i)
		_ = b.Set(recordKey(idx), encodeRecord(tx), nil)
		_ = b.Set(indexKey(tx.ID), binary.BigEndian.AppendUint32(nil, idx), nil)
		if tx.Flags.Counts() {
			next.CachedBalance += tx.Delta(s.opts.Owner)
		}
		if tx.Lamport > next.LogicalClock {
			next.LogicalClock = tx.Lamport
		}
	}
	_ = b.Set(metaKey, encodeMeta(next), nil)
	// the checkpoint would describe the old image
	_ = b.Delete(ckptKey, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return s.setFatal(errors.Wrap(err, "replace ledger image"))
	}
	s.meta = next
	return nil
}

func encodeCheckpoint(c Checkpoint) []byte {
	ids := make([]string, 0, len(c.Balances))
	for id := range c.Balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	b := make([]byte, 0, 12+len(ids)*balanceRecSize+proto.TrailerSize)
	b = binary.LittleEndian.AppendUint32(b, c.TxCount)
	b = binary.LittleEndian.AppendUint32(b, c.Clock)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(ids)))
	for _, id := range ids {
		var name [proto.IdentitySize]byte
		copy(name[:], id)
		b = append(b, name[:]...)
		b = binary.LittleEndian.AppendUint64(b, uint64(c.Balances[id]))
	}
	return proto.AppendCRC(b)
}

func decodeCheckpoint(raw []byte) (Checkpoint, error) {
	body, ok := proto.SplitCRC(raw)
	if !ok || len(body) < 12 {
		return Checkpoint{}, ErrCorrupt
	}
	c := Checkpoint{
		TxCount:  binary.LittleEndian.Uint32(body),
		Clock:    binary.LittleEndian.Uint32(body[4:]),
		Balances: make(map[string]int64),
	}
	n := int(binary.LittleEndian.Uint32(body[8:]))
	rest := body[12:]
	if len(rest) != n*balanceRecSize {
		return Checkpoint{}, ErrCorrupt
	}
	for i := 0; i < n; i++ {
		rec := rest[i*balanceRecSize:]
		name := rec[:proto.IdentitySize]
		end := 0
		for end < len(name) && name[end] != 0 {
			end++
		}
		c.Balances[string(name[:end])] = int64(binary.LittleEndian.Uint64(rec[proto.IdentitySize:]))
	}
	return c, nil
}

func (s *Store) aggregateLocked(from, to uint32, into map[string]int64) (uint32, ScanStats) {
	var max uint32
	st := s.scanLocked(from, to, func(_ uint32, tx proto.Transaction) bool {
		if tx.Lamport > max {
			max = tx.Lamport
		}
		if tx.Flags.Counts() {
			into[tx.Sender] -= int64(tx.Amount)
			into[tx.Receiver] += int64(tx.Amount)
		}
		return true
	})
	return max, st
}

// Checkpoint persists transaction count, clock and aggregate balances.
func (s *Store) Checkpoint() (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return Checkpoint{}, s.fatal
	}
	c := Checkpoint{TxCount: s.meta.LastAppliedIndex, Clock: s.meta.LogicalClock, Balances: make(map[string]int64)}
	if prev, err := s.loadCheckpointLocked(); err == nil && prev.TxCount <= c.TxCount {
		for id, v := range prev.Balances {
			c.Balances[id] = v
		}
		s.aggregateLocked(prev.TxCount, c.TxCount, c.Balances)
	} else {
		s.aggregateLocked(0, c.TxCount, c.Balances)
	}
	if err := s.db.Set(ckptKey, encodeCheckpoint(c), pebble.Sync); err != nil {
		return Checkpoint{}, s.setFatal(errors.Wrap(err, "checkpoint"))
	}
	s.log.Debug("ledger checkpoint", zap.Uint32("tx_count", c.TxCount), zap.Uint32("clock", c.Clock))
	return c, nil
}

func (s *Store) LoadCheckpoint() (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCheckpointLocked()
}

func (s *Store) loadCheckpointLocked() (Checkpoint, error) {
	raw, err := s.get(ckptKey)
	if errors.Is(err, ErrNotFound) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return decodeCheckpoint(raw)
}

// Recover rebuilds aggregate state from the checkpoint plus the records
// written after it, without replaying the records it covers.
func (s *Store) Recover() (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverLocked()
}

func (s *Store) recoverLocked() (Checkpoint, error) {
	out := Checkpoint{Balances: make(map[string]int64)}
	if c, err := s.loadCheckpointLocked(); err == nil {
		out = c
	} else if !errors.Is(err, ErrNoCheckpoint) {
		s.log.Warn("ignoring unreadable checkpoint", zap.Error(err))
	}
	count, err := s.recordCountLocked()
	if err != nil {
		return Checkpoint{}, err
	}
	if count < out.TxCount {
		return Checkpoint{}, errors.Wrapf(ErrCorrupt, "checkpoint covers %d records, log has %d", out.TxCount, count)
	}
	max, _ := s.aggregateLocked(out.TxCount, count, out.Balances)
	out.TxCount = count
	if max > out.Clock {
		out.Clock = max
	}
	return out, nil
}

// recordCountLocked derives the log length from the highest record key.
func (s *Store) recordCountLocked() (uint32, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: recordPrefix,
		UpperBound: prefixEnd(recordPrefix),
	})
	if err != nil {
		return 0, errors.Wrap(err, "count records")
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	return binary.BigEndian.Uint32(iter.Key()[len(recordPrefix):]) + 1, nil
}

// SecureErase destroys every stored key and resets meta to zero.
func (s *Store) SecureErase() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrFatal
	}
	b := s.db.NewBatch()
	_ = b.DeleteRange([]byte{0x00}, []byte{0xFF}, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return s.setFatal(errors.Wrap(err, "secure erase"))
	}
	if err := s.db.Compact([]byte{0x00}, []byte{0xFF}, true); err != nil {
		return s.setFatal(errors.Wrap(err, "secure erase compact"))
	}
	s.meta = Meta{}
	s.log.Warn("ledger store erased")
	return nil
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Debugf(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}

var _ io.Closer = (*Store)(nil)
