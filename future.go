package bucketpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// task states
const (
	taskQueued int32 = iota
	taskRunning
	taskFinished
)

// Future is the single-assignment result of a submitted task.
// It is resolved exactly once: by the bucket worker, by Cancel while the task
// is still queued, or by shutdown abort.
type Future[T any] struct {
	bucket      BucketID
	key         string
	submittedAt time.Time

	state atomic.Int32
	done  chan struct{}

	mu        sync.Mutex
	value     T
	err       error
	resolved  bool
	callbacks []func(T, error)
}

func newFuture[T any](bucket BucketID, key string) *Future[T] {
	return &Future[T]{
		bucket:      bucket,
		key:         key,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// Wait blocks until the task resolves or ctx is done.
// A ctx expiry does not cancel the task; use Cancel for that.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Poll returns the outcome without blocking. ok is false while the task is unresolved.
func (f *Future[T]) Poll() (value T, ok bool, err error) {
	select {
	case <-f.done:
		value, err = f.result()
		return value, true, err
	default:
		return value, false, nil
	}
}

// Done returns a channel closed when the task resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Then registers fn to run with the outcome. If the task already resolved, fn runs
// immediately on the caller's goroutine; otherwise it runs on the resolving goroutine,
// which is usually a bucket worker, so fn must not block.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

// Cancel prevents a queued task from running and resolves it with ErrCancelled.
// It returns false once the worker has started the task or the task already resolved.
func (f *Future[T]) Cancel() bool {
	if !f.state.CompareAndSwap(taskQueued, taskFinished) {
		return false
	}
	var zero T
	f.resolve(zero, ErrCancelled)
	return true
}

// Bucket returns the bucket the task was routed to.
func (f *Future[T]) Bucket() BucketID {
	return f.bucket
}

// SubmittedAt returns when the task was submitted.
func (f *Future[T]) SubmittedAt() time.Time {
	return f.submittedAt
}

func (f *Future[T]) result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

func (f *Future[T]) resolve(value T, err error) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		panic(fmt.Sprintf("bucketpool: future for key %q resolved twice", f.key))
	}
	f.value, f.err, f.resolved = value, err, true
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.done)
	for _, fn := range callbacks {
		runCallback(fn, value, err)
	}
}

// runCallback keeps a panicking continuation from taking down the resolving worker.
func runCallback[T any](fn func(T, error), value T, err error) {
	defer func() { _ = recover() }()
	fn(value, err)
}

// pendingTask is what a bucket queue holds; it hides the result type from the worker.
type pendingTask interface {
	// begin moves the task from queued to running; false means it was cancelled.
	begin() bool
	// execute runs the operation against the bucket's backend, reports the outcome
	// to account and then resolves the future. It returns the operation error, if any.
	execute(ctx context.Context, b Backend, account func(error)) error
	// abort resolves a queued task with err; false if it already left the queue.
	abort(err error) bool
	submitted() time.Time
}

type typedTask[T any] struct {
	future *Future[T]
	op     func(context.Context, Backend) (T, error)
}

func (t *typedTask[T]) begin() bool {
	return t.future.state.CompareAndSwap(taskQueued, taskRunning)
}

func (t *typedTask[T]) execute(ctx context.Context, b Backend, account func(error)) (err error) {
	var value T
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value, err = zero, &OperationError{Bucket: t.future.bucket, Key: t.future.key, Err: fmt.Errorf("panic: %v", r)}
		}
		account(err)
		t.future.state.Store(taskFinished)
		t.future.resolve(value, err)
	}()

	value, err = t.op(ctx, b)
	if err != nil {
		err = classifyOpError(t.future.bucket, t.future.key, err)
	}
	return err
}

func (t *typedTask[T]) abort(err error) bool {
	if !t.future.state.CompareAndSwap(taskQueued, taskFinished) {
		return false
	}
	var zero T
	t.future.resolve(zero, err)
	return true
}

func (t *typedTask[T]) submitted() time.Time {
	return t.future.submittedAt
}
