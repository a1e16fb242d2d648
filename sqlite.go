//go:build sqlite
// +build sqlite

package bucketpool

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// sharedSQLite is one SQLite database shared by every bucket of the process.
type sharedSQLite struct {
	db *sql.DB

	mu       sync.Mutex
	refs     int
	closeErr error
}

// openSharedSQLite opens the database file, creating it and its schema if needed.
func openSharedSQLite(dbPath string, durability DurabilityPolicy) (*sharedSQLite, error) {
	synchronous := "FULL"
	if durability == DurabilityBatched {
		synchronous = "NORMAL"
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=%s&_busy_timeout=5000", dbPath, synchronous))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &sharedSQLite{db: db, refs: 1}, nil
}

// initSchema initializes the database schema
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		bucket INTEGER NOT NULL,
		key BLOB NOT NULL,
		seq INTEGER NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (bucket, key)
	);

	CREATE TABLE IF NOT EXISTS buckets (
		bucket INTEGER PRIMARY KEY,
		seq INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *sharedSQLite) acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

func (s *sharedSQLite) release() error {
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

// SQLiteBackend implements the Backend interface over the rows of one bucket
// in a shared SQLite database. It provides ACID transactions and is suitable
// for single-server deployments.
type SQLiteBackend struct {
	shared *sharedSQLite
	db     *sql.DB
	bucket BucketID
	seq    uint64
	closed bool
}

func newSQLiteBackend(shared *sharedSQLite, id BucketID) (*SQLiteBackend, error) {
	if shared == nil {
		return nil, fmt.Errorf("%w: sqlite engine not opened", ErrInvalidConfig)
	}
	b := &SQLiteBackend{shared: shared, db: shared.db, bucket: id}
	err := b.db.QueryRow("SELECT seq FROM buckets WHERE bucket = ?", int64(id)).Scan(&b.seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, ioError(id, "load sequence", err)
	}
	shared.acquire()
	return b, nil
}

// OpenSQLiteBackend opens a SQLite database at dbPath that serves a single bucket.
// The database is closed with the backend.
func OpenSQLiteBackend(dbPath string, bucket BucketID, durability DurabilityPolicy) (*SQLiteBackend, error) {
	shared, err := openSharedSQLite(dbPath, durability)
	if err != nil {
		return nil, err
	}
	defer shared.release()
	return newSQLiteBackend(shared, bucket)
}

// Get returns the record stored under key.
func (b *SQLiteBackend) Get(key string) (Record, bool, error) {
	if b.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok, err := querySQLiteRecord(b.db, b.bucket, key)
	if err != nil {
		return Record{}, false, ioError(b.bucket, "get", err)
	}
	return rec, ok, nil
}

type sqlQueryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func querySQLiteRecord(q sqlQueryer, bucket BucketID, key string) (Record, bool, error) {
	rec := Record{Key: key}
	err := q.QueryRow("SELECT seq, value FROM records WHERE bucket = ? AND key = ?", int64(bucket), []byte(key)).Scan(&rec.Seq, &rec.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Put upserts the row and advances the bucket sequence in one transaction.
func (b *SQLiteBackend) Put(key string, value []byte) (Record, bool, error) {
	if b.closed {
		return Record{}, false, ErrClosed
	}
	if value == nil {
		value = []byte{}
	}
	next := b.seq + 1
	var (
		prev    Record
		existed bool
	)
	err := b.inTx(func(tx *sql.Tx) error {
		var err error
		prev, existed, err = querySQLiteRecord(tx, b.bucket, key)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO records (bucket, key, seq, value) VALUES (?, ?, ?, ?)
			ON CONFLICT (bucket, key) DO UPDATE SET seq = excluded.seq, value = excluded.value`,
			int64(b.bucket), []byte(key), next, value)
		if err != nil {
			return err
		}
		return b.bumpSeq(tx, next)
	})
	if err != nil {
		return Record{}, false, ioError(b.bucket, "put", err)
	}
	b.seq = next
	return prev, existed, nil
}

// Delete removes the row and advances the bucket sequence if it existed.
func (b *SQLiteBackend) Delete(key string) (bool, error) {
	if b.closed {
		return false, ErrClosed
	}
	next := b.seq + 1
	var existed bool
	err := b.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM records WHERE bucket = ? AND key = ?", int64(b.bucket), []byte(key))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		existed = n > 0
		if !existed {
			return nil
		}
		return b.bumpSeq(tx, next)
	})
	if err != nil {
		return false, ioError(b.bucket, "delete", err)
	}
	if existed {
		b.seq = next
	}
	return existed, nil
}

func (b *SQLiteBackend) bumpSeq(tx *sql.Tx, seq uint64) error {
	_, err := tx.Exec(`
		INSERT INTO buckets (bucket, seq) VALUES (?, ?)
		ON CONFLICT (bucket) DO UPDATE SET seq = excluded.seq`, int64(b.bucket), seq)
	return err
}

func (b *SQLiteBackend) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Scan reads matching rows ordered by key in a single query.
func (b *SQLiteBackend) Scan(match func(Record) bool) (iter.Seq[Record], error) {
	if b.closed {
		return nil, ErrClosed
	}
	rows, err := b.db.Query("SELECT key, seq, value FROM records WHERE bucket = ? ORDER BY key", int64(b.bucket))
	if err != nil {
		return nil, ioError(b.bucket, "scan", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			key []byte
			rec Record
		)
		if err := rows.Scan(&key, &rec.Seq, &rec.Value); err != nil {
			return nil, ioError(b.bucket, "scan", err)
		}
		rec.Key = string(key)
		if match == nil || match(rec) {
			records = append(records, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, ioError(b.bucket, "scan", err)
	}
	return slices.Values(records), nil
}

// Flush checkpoints the SQLite WAL into the main database file.
func (b *SQLiteBackend) Flush() error {
	if b.closed {
		return ErrClosed
	}
	_, err := b.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	return ioError(b.bucket, "checkpoint", err)
}

// LastSeq returns the sequence number of the last applied write.
func (b *SQLiteBackend) LastSeq() uint64 {
	return b.seq
}

// Close drops this bucket's reference; the last bucket closes the database.
func (b *SQLiteBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.shared.release()
}
