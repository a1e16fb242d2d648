package bucketpool

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
)

// FileOptions configures a FileBackend.
type FileOptions struct {
	// Dir holds the bucket's log and snapshot files.
	Dir string
	// Bucket names the files and tags errors.
	Bucket BucketID
	// Durability decides whether every append is fsynced.
	Durability DurabilityPolicy
	// CompactionMinRecords is the active log size (in records) that makes compaction due.
	CompactionMinRecords int
}

// FileBackend implements the Backend interface with a per-bucket write-ahead log
// and a periodically written snapshot. The full key space is indexed in memory;
// the files exist to rebuild that index after a restart.
type FileBackend struct {
	opts   FileOptions
	logger *slog.Logger

	index      map[string]Record
	seq        uint64
	log        *os.File // nil until the first write after open or compaction
	logSize    int64    // bytes in the active log, always on a record boundary
	logRecords int      // records in the active log
	dirty      bool     // appended since the last fsync
	broken     error    // set when a failed append could not be rolled back

	compacting chan error // non-nil while a snapshot is written in the background
	closed     bool
}

// OpenFileBackend opens the bucket's files and recovers its state.
// Recovery loads the snapshot and replays the log tail in sequence order.
// A torn trailing record is discarded; anything else untrustworthy is a *CorruptionError.
func OpenFileBackend(opts FileOptions, logger *slog.Logger) (*FileBackend, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: file backend requires a directory", ErrInvalidConfig)
	}
	if opts.Durability == "" {
		opts.Durability = DurabilitySync
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}
	b := &FileBackend{opts: opts, logger: logger.With("bucket", opts.Bucket.String())}
	if err := b.recover(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) logPath() string {
	return filepath.Join(b.opts.Dir, fmt.Sprintf("bucket-%s.log", b.opts.Bucket))
}

func (b *FileBackend) oldLogPath() string {
	return b.logPath() + ".old"
}

func (b *FileBackend) snapPath() string {
	return filepath.Join(b.opts.Dir, fmt.Sprintf("bucket-%s.snap", b.opts.Bucket))
}

func (b *FileBackend) recover() error {
	seq, index, err := readSnapshot(b.opts.Bucket, b.snapPath())
	if err != nil {
		return err
	}
	b.seq = seq
	b.index = index
	snapSeq := seq

	apply := func(path string) func(logEntry, int64) error {
		return func(e logEntry, offset int64) error {
			if e.Seq <= b.seq {
				return nil // already covered by the snapshot
			}
			if e.Seq != b.seq+1 {
				return &CorruptionError{
					Bucket: b.opts.Bucket, File: path, Offset: offset,
					Reason: fmt.Sprintf("sequence gap: expected %d, found %d", b.seq+1, e.Seq),
				}
			}
			b.applyEntry(e)
			return nil
		}
	}

	oldPath := b.oldLogPath()
	oldScan, err := readLog(b.opts.Bucket, oldPath, apply(oldPath))
	if err != nil {
		return err
	}
	oldExists := fileExists(oldPath)

	logPath := b.logPath()
	scan, err := readLog(b.opts.Bucket, logPath, apply(logPath))
	if err != nil {
		return err
	}
	if scan.Torn {
		b.logger.Warn("discarding torn trailing log record", "file", logPath, "validSize", scan.ValidSize)
		if err := os.Truncate(logPath, scan.ValidSize); err != nil {
			return ioError(b.opts.Bucket, "truncate torn log", err)
		}
	}
	if oldScan.Torn {
		b.logger.Warn("discarding torn trailing record of interrupted compaction", "file", oldPath, "validSize", oldScan.ValidSize)
		if err := os.Truncate(oldPath, oldScan.ValidSize); err != nil {
			return ioError(b.opts.Bucket, "truncate torn log", err)
		}
	}
	b.logRecords = int(b.seq - snapSeq)

	// A leftover .old log means a compaction died before its snapshot landed; fold it in now.
	if oldExists {
		b.logger.Info("completing interrupted compaction", "seq", b.seq)
		if err := b.compactSync(); err != nil {
			return err
		}
	}

	b.logger.Debug("file backend recovered", "seq", b.seq, "records", len(b.index), "snapshotSeq", snapSeq)
	return nil
}

func (b *FileBackend) applyEntry(e logEntry) {
	b.seq = e.Seq
	switch e.Op {
	case logOpPut:
		b.index[e.Key] = Record{Key: e.Key, Value: e.Value, Seq: e.Seq}
	case logOpDelete:
		delete(b.index, e.Key)
	}
}

// Get returns the record stored under key.
func (b *FileBackend) Get(key string) (Record, bool, error) {
	if b.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := b.index[key]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// Put appends a put record and updates the index once the append succeeded.
func (b *FileBackend) Put(key string, value []byte) (Record, bool, error) {
	if b.closed {
		return Record{}, false, ErrClosed
	}
	// recovery rejects frames above maxPayloadSize, so they must never be appended
	if n := logPayloadSize(key, value); n > maxPayloadSize {
		return Record{}, false, &OperationError{Bucket: b.opts.Bucket, Key: key,
			Err: fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrValueTooLarge, n, maxPayloadSize)}
	}
	e := logEntry{Seq: b.seq + 1, Op: logOpPut, Key: key, Value: cloneBytes(value)}
	if e.Value == nil {
		e.Value = []byte{}
	}
	if err := b.append(e); err != nil {
		return Record{}, false, err
	}
	prev, existed := b.index[key]
	b.applyEntry(e)
	return prev, existed, nil
}

// Delete appends a delete record if key exists.
func (b *FileBackend) Delete(key string) (bool, error) {
	if b.closed {
		return false, ErrClosed
	}
	if _, ok := b.index[key]; !ok {
		return false, nil
	}
	e := logEntry{Seq: b.seq + 1, Op: logOpDelete, Key: key}
	if err := b.append(e); err != nil {
		return false, err
	}
	b.applyEntry(e)
	return true, nil
}

// Scan returns matching records ordered by key.
func (b *FileBackend) Scan(match func(Record) bool) (iter.Seq[Record], error) {
	if b.closed {
		return nil, ErrClosed
	}
	return scanIndex(b.index, match), nil
}

// Flush fsyncs the active log if anything was appended since the last fsync.
func (b *FileBackend) Flush() error {
	if b.closed {
		return ErrClosed
	}
	return b.syncLog()
}

// LastSeq returns the sequence number of the last applied record.
func (b *FileBackend) LastSeq() uint64 {
	return b.seq
}

// Close waits for a running compaction, fsyncs and closes the log.
func (b *FileBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.compacting != nil {
		errs = append(errs, <-b.compacting)
		b.compacting = nil
	}
	if b.log != nil {
		errs = append(errs, b.syncLog())
		if err := b.log.Close(); err != nil {
			errs = append(errs, ioError(b.opts.Bucket, "close log", err))
		}
		b.log = nil
	}
	return errors.Join(errs...)
}

// append writes one framed record to the active log, creating the log lazily.
// A failed write or fsync is undone by truncating back to the previous record boundary,
// so an error always means the record is not part of the bucket's state.
func (b *FileBackend) append(e logEntry) error {
	if b.broken != nil {
		return ioError(b.opts.Bucket, "append log", fmt.Errorf("log unusable after failed rollback: %w", b.broken))
	}
	if b.log == nil {
		f, err := os.OpenFile(b.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return ioError(b.opts.Bucket, "open log", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return ioError(b.opts.Bucket, "stat log", err)
		}
		b.log = f
		b.logSize = info.Size()
	}
	frame := encodeLogEntry(e)
	if _, err := b.log.Write(frame); err != nil {
		b.undoAppend()
		return ioError(b.opts.Bucket, "append log", err)
	}
	if b.opts.Durability == DurabilitySync {
		if err := b.log.Sync(); err != nil {
			b.undoAppend()
			return ioError(b.opts.Bucket, "fsync log", err)
		}
	} else {
		b.dirty = true
	}
	b.logSize += int64(len(frame))
	b.logRecords++
	return nil
}

func (b *FileBackend) undoAppend() {
	if err := b.log.Truncate(b.logSize); err != nil {
		b.broken = err
		b.logger.Error("failed to roll back partial log write", "size", b.logSize, "error", err)
	}
}

func (b *FileBackend) syncLog() error {
	if b.log == nil || !b.dirty {
		return nil
	}
	if err := b.log.Sync(); err != nil {
		return ioError(b.opts.Bucket, "fsync log", err)
	}
	b.dirty = false
	return nil
}

// MaybeCompact reaps a finished background compaction and starts a new one when the
// active log holds at least CompactionMinRecords records, or when force is set.
// Only the log rotation and the index copy run on the caller's goroutine.
func (b *FileBackend) MaybeCompact(force bool) error {
	if b.closed {
		return ErrClosed
	}
	if b.compacting != nil {
		select {
		case err := <-b.compacting:
			b.compacting = nil
			if err != nil {
				return ioError(b.opts.Bucket, "compact", err)
			}
			b.logger.Debug("compaction finished", "seq", b.seq)
		default:
			return nil
		}
	}
	if b.logRecords == 0 {
		return nil
	}
	if !force && b.logRecords < b.opts.CompactionMinRecords {
		return nil
	}

	seq, frozen, err := b.rotate()
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	b.compacting = done
	snapPath, oldPath := b.snapPath(), b.oldLogPath()
	b.logger.Debug("compaction started", "seq", seq, "records", len(frozen))
	go func() {
		done <- finishCompaction(snapPath, oldPath, seq, frozen)
	}()
	return nil
}

// compactSync runs a whole compaction on the caller's goroutine.
func (b *FileBackend) compactSync() error {
	seq, frozen, err := b.rotate()
	if err != nil {
		return err
	}
	if err := finishCompaction(b.snapPath(), b.oldLogPath(), seq, frozen); err != nil {
		return ioError(b.opts.Bucket, "compact", err)
	}
	return nil
}

// rotate retires the active log to .old and freezes the index at the current sequence.
// If an .old log is still present its records are older than the active log's and the
// snapshot about to be written covers both, so the active log is appended to it.
func (b *FileBackend) rotate() (uint64, []Record, error) {
	if b.log != nil {
		if err := b.syncLog(); err != nil {
			return 0, nil, err
		}
		if err := b.log.Close(); err != nil {
			return 0, nil, ioError(b.opts.Bucket, "close log", err)
		}
		b.log = nil
	}
	logPath, oldPath := b.logPath(), b.oldLogPath()
	if fileExists(logPath) {
		if fileExists(oldPath) {
			if err := appendFile(oldPath, logPath); err != nil {
				return 0, nil, ioError(b.opts.Bucket, "merge log", err)
			}
			if err := os.Remove(logPath); err != nil {
				return 0, nil, ioError(b.opts.Bucket, "remove log", err)
			}
		} else if err := os.Rename(logPath, oldPath); err != nil {
			return 0, nil, ioError(b.opts.Bucket, "rotate log", err)
		}
	}
	b.logRecords = 0

	frozen := make([]Record, 0, len(b.index))
	for _, rec := range b.index {
		frozen = append(frozen, rec)
	}
	return b.seq, frozen, nil
}

func finishCompaction(snapPath, oldPath string, seq uint64, records []Record) error {
	if err := writeSnapshot(snapPath, seq, records); err != nil {
		return err
	}
	if err := os.Remove(oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove retired log: %w", err)
	}
	return nil
}

func appendFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
