package bucketpool

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
)

// Backend represents the storage strategy behind a single bucket.
// A Backend is owned by exactly one bucket worker and is never called
// concurrently, so implementations need no internal locking for their own state.
type Backend interface {
	// Get returns the record stored under key, if any.
	Get(key string) (Record, bool, error)

	// Put stores value under key and returns the record it replaced.
	Put(key string, value []byte) (Record, bool, error)

	// Delete removes key and reports whether it existed.
	Delete(key string) (bool, error)

	// Scan returns the records matching the predicate (nil matches all), ordered by key.
	// The result reflects the state at call time; ranging it again yields the same records.
	Scan(match func(Record) bool) (iter.Seq[Record], error)

	// Flush forces buffered writes to stable storage. No-op for the memory backend.
	Flush() error

	// Close releases resources. Calling Close more than once is safe.
	Close() error
}

// Compactor is implemented by backends that rewrite their storage in the background.
type Compactor interface {
	// MaybeCompact starts a compaction if one is due (or force is set) and reaps a finished one.
	MaybeCompact(force bool) error
}

// Sequenced is implemented by backends that number their writes.
type Sequenced interface {
	LastSeq() uint64
}

// SelectBackend decides the backend kind for the whole process.
// Without durable persistence every bucket lives in memory; otherwise the configured
// engine is used, defaulting to the file backend.
func SelectBackend(cfg *Config) BackendKind {
	if cfg == nil || !cfg.Durable {
		return BackendMemory
	}
	if cfg.Engine == "" {
		return BackendFile
	}
	return cfg.Engine
}

// backendSet opens per-bucket backends of one kind and owns anything the kind shares across buckets.
type backendSet struct {
	kind   BackendKind
	cfg    *Config
	logger *slog.Logger
	badger *sharedBadger
	sqlite *sharedSQLite
}

func newBackendSet(kind BackendKind, cfg *Config, logger *slog.Logger) (*backendSet, error) {
	set := &backendSet{kind: kind, cfg: cfg, logger: logger}
	if !kind.Durable() {
		return set, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := checkMeta(cfg.Dir, kind, cfg.BucketCount); err != nil {
		return nil, err
	}
	switch kind {
	case BackendBadger:
		shared, err := openSharedBadger(filepath.Join(cfg.Dir, "badger"), cfg.Durability, logger)
		if err != nil {
			return nil, err
		}
		set.badger = shared
	case BackendSQLite:
		shared, err := openSharedSQLite(filepath.Join(cfg.Dir, "bucketpool.db"), cfg.Durability)
		if err != nil {
			return nil, err
		}
		set.sqlite = shared
	}
	return set, nil
}

// open creates and recovers the backend for one bucket.
func (s *backendSet) open(id BucketID) (Backend, error) {
	switch s.kind {
	case BackendMemory:
		return NewInMemoryBackend(), nil
	case BackendFile:
		b, err := OpenFileBackend(FileOptions{
			Dir:                  s.cfg.Dir,
			Bucket:               id,
			Durability:           s.cfg.Durability,
			CompactionMinRecords: s.cfg.CompactionMinRecords,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendBadger:
		b, err := newBadgerBackend(s.badger, id, s.logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendSQLite:
		b, err := newSQLiteBackend(s.sqlite, id)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", ErrInvalidConfig, s.kind)
	}
}

// release drops the set's own reference to shared engines; the last bucket closes them.
func (s *backendSet) release() error {
	var errs []error
	if s.badger != nil {
		errs = append(errs, s.badger.release())
	}
	if s.sqlite != nil {
		errs = append(errs, s.sqlite.release())
	}
	return errors.Join(errs...)
}

const metaFileName = "bucketpool.meta"

type dirMeta struct {
	Engine  BackendKind `json:"engine"`
	Buckets int         `json:"buckets"`
}

// checkMeta pins the bucket count of a durable directory on first use and rejects a different one later.
func checkMeta(dir string, kind BackendKind, buckets int) error {
	path := filepath.Join(dir, metaFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data, err = json.Marshal(dirMeta{Engine: kind, Buckets: buckets})
		if err != nil {
			return fmt.Errorf("failed to marshal meta: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write meta: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read meta: %w", err)
	}
	var meta dirMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse meta %s: %w", path, err)
	}
	if meta.Buckets != buckets {
		return fmt.Errorf("%w: directory has %d buckets, configured %d", ErrBucketCountMismatch, meta.Buckets, buckets)
	}
	return nil
}
