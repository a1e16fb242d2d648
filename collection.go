package bucketpool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Collection is a JSON-encoded namespace of entities stored through a scheduler,
// e.g. MQTT sessions keyed by client id or retained messages keyed by topic.
// The stored key is namespace + "/" + id, so every id of a namespace routes to a
// stable bucket.
type Collection[T any] struct {
	sched     *Scheduler
	namespace string
}

// NewCollection binds a namespace to a scheduler.
func NewCollection[T any](s *Scheduler, namespace string) *Collection[T] {
	return &Collection[T]{sched: s, namespace: namespace}
}

// Key returns the backend key that stores id.
func (c *Collection[T]) Key(id string) string {
	return c.namespace + "/" + id
}

func (c *Collection[T]) prefix() string {
	return c.namespace + "/"
}

// Get loads and decodes the entity stored under id.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var value T
	key := c.Key(id)
	rec, err := SubmitSync(ctx, c.sched, key, func(_ context.Context, b Backend) (*Record, error) {
		rec, ok, err := b.Get(key)
		if err != nil || !ok {
			return nil, err
		}
		return &rec, nil
	})
	if err != nil || rec == nil {
		return value, false, err
	}
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		return value, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return value, true, nil
}

// Put encodes and stores value under id, waiting for the write to complete.
func (c *Collection[T]) Put(ctx context.Context, id string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c.Key(id), err)
	}
	key := c.Key(id)
	_, err = SubmitSync(ctx, c.sched, key, func(_ context.Context, b Backend) (struct{}, error) {
		_, _, err := b.Put(key, data)
		return struct{}{}, err
	})
	return err
}

// PutAsync is Put without waiting. It fails fast with ErrCapacityExceeded when the
// bucket queue is full. The value is encoded before the call returns.
func (c *Collection[T]) PutAsync(id string, value T) (*Future[struct{}], error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", c.Key(id), err)
	}
	key := c.Key(id)
	return Submit(c.sched, key, func(_ context.Context, b Backend) (struct{}, error) {
		_, _, err := b.Put(key, data)
		return struct{}{}, err
	})
}

// Delete removes id and reports whether it existed.
func (c *Collection[T]) Delete(ctx context.Context, id string) (bool, error) {
	key := c.Key(id)
	return SubmitSync(ctx, c.sched, key, func(_ context.Context, b Backend) (bool, error) {
		return b.Delete(key)
	})
}

// List decodes every entity of the namespace, keyed by id. Buckets are scanned in
// parallel, each on its own worker, so the result is not a point-in-time view
// across buckets.
func (c *Collection[T]) List(ctx context.Context) (map[string]T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	prefix := c.prefix()
	perBucket := make([][]Record, c.sched.BucketCount())

	g, gctx := errgroup.WithContext(ctx)
	for i := range perBucket {
		bucket := BucketID(i)
		g.Go(func() error {
			records, err := SubmitToBucket(gctx, c.sched, bucket, func(_ context.Context, b Backend) ([]Record, error) {
				seq, err := b.Scan(func(rec Record) bool { return strings.HasPrefix(rec.Key, prefix) })
				if err != nil {
					return nil, err
				}
				var records []Record
				for rec := range seq {
					records = append(records, rec)
				}
				return records, nil
			})
			if err != nil {
				return err
			}
			perBucket[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]T)
	for _, records := range perBucket {
		for _, rec := range records {
			var value T
			if err := json.Unmarshal(rec.Value, &value); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", rec.Key, err)
			}
			out[strings.TrimPrefix(rec.Key, prefix)] = value
		}
	}
	return out, nil
}
