package bucketpool

import (
	"iter"
	"sort"
)

// InMemoryBackend implements the Backend interface using in-memory storage.
// Nothing survives a restart; it is chosen when durable persistence is disabled
// and is suitable for development and testing.
type InMemoryBackend struct {
	records map[string]Record
	seq     uint64
	closed  bool
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		records: make(map[string]Record),
	}
}

// Get returns the record stored under key.
func (b *InMemoryBackend) Get(key string) (Record, bool, error) {
	if b.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := b.records[key]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// Put stores value under key and returns the previous record.
func (b *InMemoryBackend) Put(key string, value []byte) (Record, bool, error) {
	if b.closed {
		return Record{}, false, ErrClosed
	}
	prev, existed := b.records[key]
	b.seq++
	b.records[key] = Record{Key: key, Value: cloneBytes(value), Seq: b.seq}
	return prev, existed, nil
}

// Delete removes key.
func (b *InMemoryBackend) Delete(key string) (bool, error) {
	if b.closed {
		return false, ErrClosed
	}
	if _, ok := b.records[key]; !ok {
		return false, nil
	}
	b.seq++
	delete(b.records, key)
	return true, nil
}

// Scan returns matching records ordered by key.
func (b *InMemoryBackend) Scan(match func(Record) bool) (iter.Seq[Record], error) {
	if b.closed {
		return nil, ErrClosed
	}
	return scanIndex(b.records, match), nil
}

// Flush is a no-op.
func (b *InMemoryBackend) Flush() error {
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.records = nil
	return nil
}

// LastSeq returns the number of mutations applied since creation.
func (b *InMemoryBackend) LastSeq() uint64 {
	return b.seq
}

// scanIndex freezes the index at call time. Stored values are never mutated in place,
// so a shallow copy is enough for a consistent snapshot.
func scanIndex(index map[string]Record, match func(Record) bool) iter.Seq[Record] {
	frozen := make([]Record, 0, len(index))
	for _, rec := range index {
		frozen = append(frozen, rec)
	}
	sort.Slice(frozen, func(i, j int) bool { return frozen[i].Key < frozen[j].Key })

	return func(yield func(Record) bool) {
		for _, rec := range frozen {
			if match != nil && !match(rec) {
				continue
			}
			if !yield(cloneRecord(rec)) {
				return
			}
		}
	}
}

func cloneRecord(rec Record) Record {
	rec.Value = cloneBytes(rec.Value)
	return rec
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
