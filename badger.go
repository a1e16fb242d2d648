package bucketpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// sharedBadger is one BadgerDB shared by every bucket of the process.
// Buckets write disjoint key prefixes, so their transactions never conflict.
type sharedBadger struct {
	db *badger.DB

	mu       sync.Mutex
	refs     int
	closeErr error
}

// openSharedBadger opens the database directory, creating it if needed.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func openSharedBadger(dbPath string, durability DurabilityPolicy, logger *slog.Logger) (*sharedBadger, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	opts.SyncWrites = durability != DurabilityBatched

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	logger.Debug("badger opened", "path", dbPath, "syncWrites", opts.SyncWrites)
	return &sharedBadger{db: db, refs: 1}, nil
}

func (s *sharedBadger) acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

func (s *sharedBadger) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return s.closeErr
	}
	s.refs--
	if s.refs == 0 {
		s.closeErr = s.db.Close()
	}
	return s.closeErr
}

// BadgerBackend implements the Backend interface over a prefix of a shared BadgerDB.
// Each stored value carries the sequence number of the write that produced it.
type BadgerBackend struct {
	shared *sharedBadger
	db     *badger.DB
	bucket BucketID
	logger *slog.Logger
	prefix []byte
	seq    uint64
	closed bool
}

// key prefixes, relative to the bucket prefix "b/<bucket>/"
const (
	keyPrefixRecord = "k/"
	keySeq          = "m/seq"
)

func newBadgerBackend(shared *sharedBadger, id BucketID, logger *slog.Logger) (*BadgerBackend, error) {
	if shared == nil {
		return nil, fmt.Errorf("%w: badger engine not opened", ErrInvalidConfig)
	}
	b := &BadgerBackend{
		shared: shared,
		db:     shared.db,
		bucket: id,
		logger: logger.With("bucket", id.String()),
		prefix: []byte(fmt.Sprintf("b/%s/", id)),
	}
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.seqKey())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("sequence value has %d bytes", len(val))
			}
			b.seq = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return nil, ioError(id, "load sequence", err)
	}
	shared.acquire()
	b.logger.Debug("badger backend opened", "seq", b.seq)
	return b, nil
}

// OpenBadgerBackend opens a BadgerDB at dir that serves a single bucket.
// The database is closed with the backend.
func OpenBadgerBackend(dir string, bucket BucketID, durability DurabilityPolicy, logger *slog.Logger) (*BadgerBackend, error) {
	shared, err := openSharedBadger(dir, durability, logger)
	if err != nil {
		return nil, err
	}
	defer shared.release()
	return newBadgerBackend(shared, bucket, logger)
}

// recordKey returns the key for a record
func (b *BadgerBackend) recordKey(key string) []byte {
	out := make([]byte, 0, len(b.prefix)+len(keyPrefixRecord)+len(key))
	out = append(out, b.prefix...)
	out = append(out, keyPrefixRecord...)
	return append(out, key...)
}

// seqKey returns the key holding the bucket sequence number
func (b *BadgerBackend) seqKey() []byte {
	return append(slices.Clip(b.prefix), keySeq...)
}

func encodeSeqValue(seq uint64, value []byte) []byte {
	out := make([]byte, 8, 8+len(value))
	binary.BigEndian.PutUint64(out, seq)
	return append(out, value...)
}

func decodeSeqValue(key string, raw []byte) (Record, error) {
	if len(raw) < 8 {
		return Record{}, fmt.Errorf("record %q has %d bytes", key, len(raw))
	}
	return Record{Key: key, Seq: binary.BigEndian.Uint64(raw[:8]), Value: cloneBytes(raw[8:])}, nil
}

func getRecord(txn *badger.Txn, dbKey []byte, key string) (Record, bool, error) {
	item, err := txn.Get(dbKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		var derr error
		rec, derr = decodeSeqValue(key, val)
		return derr
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Buckets use disjoint prefixes, so conflicts only come from badger internals.
func (b *BadgerBackend) retryUpdate(fn func(txn *badger.Txn) error) error {
	const maxRetries = 10
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// Get returns the record stored under key.
func (b *BadgerBackend) Get(key string) (Record, bool, error) {
	if b.closed {
		return Record{}, false, ErrClosed
	}
	var (
		rec Record
		ok  bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, ok, err = getRecord(txn, b.recordKey(key), key)
		return err
	})
	if err != nil {
		return Record{}, false, ioError(b.bucket, "get", err)
	}
	return rec, ok, nil
}

// Put stores value and advances the bucket sequence in one transaction.
func (b *BadgerBackend) Put(key string, value []byte) (Record, bool, error) {
	if b.closed {
		return Record{}, false, ErrClosed
	}
	next := b.seq + 1
	var (
		prev    Record
		existed bool
	)
	err := b.retryUpdate(func(txn *badger.Txn) error {
		var err error
		prev, existed, err = getRecord(txn, b.recordKey(key), key)
		if err != nil {
			return err
		}
		if err := txn.Set(b.recordKey(key), encodeSeqValue(next, value)); err != nil {
			return err
		}
		return txn.Set(b.seqKey(), binary.BigEndian.AppendUint64(nil, next))
	})
	if err != nil {
		return Record{}, false, ioError(b.bucket, "put", err)
	}
	b.seq = next
	b.logger.Debug("Put", "key", key, "seq", next, "existed", existed)
	return prev, existed, nil
}

// Delete removes key and advances the bucket sequence if it existed.
func (b *BadgerBackend) Delete(key string) (bool, error) {
	if b.closed {
		return false, ErrClosed
	}
	next := b.seq + 1
	var existed bool
	err := b.retryUpdate(func(txn *badger.Txn) error {
		var err error
		_, existed, err = getRecord(txn, b.recordKey(key), key)
		if err != nil || !existed {
			return err
		}
		if err := txn.Delete(b.recordKey(key)); err != nil {
			return err
		}
		return txn.Set(b.seqKey(), binary.BigEndian.AppendUint64(nil, next))
	})
	if err != nil {
		return false, ioError(b.bucket, "delete", err)
	}
	if existed {
		b.seq = next
	}
	return existed, nil
}

// Scan collects matching records inside one read transaction, so the result is
// consistent as of the call. Keys come back in byte order.
func (b *BadgerBackend) Scan(match func(Record) bool) (iter.Seq[Record], error) {
	if b.closed {
		return nil, ErrClosed
	}
	recordPrefix := b.recordKey("")
	var records []Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(recordPrefix):])
			var rec Record
			err := item.Value(func(val []byte) error {
				var derr error
				rec, derr = decodeSeqValue(key, val)
				return derr
			})
			if err != nil {
				return err
			}
			if match == nil || match(rec) {
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, ioError(b.bucket, "scan", err)
	}
	return slices.Values(records), nil
}

// Flush syncs the shared database to disk.
func (b *BadgerBackend) Flush() error {
	if b.closed {
		return ErrClosed
	}
	return ioError(b.bucket, "sync", b.db.Sync())
}

// LastSeq returns the sequence number of the last applied write.
func (b *BadgerBackend) LastSeq() uint64 {
	return b.seq
}

// Close drops this bucket's reference; the last bucket closes the database.
func (b *BadgerBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.shared.release()
}
