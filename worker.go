package bucketpool

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// bucketWorker is the single goroutine allowed to touch one bucket's backend.
// It drains the bucket queue in FIFO order, runs periodic flushes for batched
// durability and periodic compaction checks between tasks.
type bucketWorker struct {
	id      BucketID
	backend Backend
	queue   chan pendingTask
	config  *Config
	logger  *slog.Logger

	drainCh chan struct{} // closed by Shutdown: finish queued tasks, then exit
	abortCh chan struct{} // closed when the drain timeout elapses: fail queued tasks
	doneCh  chan struct{} // closed after the backend is closed

	processed atomic.Uint64
	failed    atomic.Uint64
	lastSeq   atomic.Uint64
	degraded  atomic.Bool

	// owned by the worker goroutine; read by Shutdown only after doneCh is closed
	ioFailures int
	aborted    int
	closeErr   error
}

func newBucketWorker(id BucketID, backend Backend, config *Config, logger *slog.Logger) *bucketWorker {
	w := &bucketWorker{
		id:      id,
		backend: backend,
		queue:   make(chan pendingTask, config.QueueCapacity),
		config:  config,
		logger:  logger.With("bucket", id.String()),
		drainCh: make(chan struct{}),
		abortCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if seq, ok := backend.(Sequenced); ok {
		w.lastSeq.Store(seq.LastSeq())
	}
	return w
}

// start launches the worker goroutine. It returns immediately.
func (w *bucketWorker) start(ctx context.Context) {
	go w.processLoop(ctx)
}

// processLoop continuously executes tasks until the drain signal.
func (w *bucketWorker) processLoop(ctx context.Context) {
	defer close(w.doneCh)
	defer w.closeBackend()

	var flushC <-chan time.Time
	if w.config.Durability == DurabilityBatched && w.config.FlushInterval > 0 {
		ticker := time.NewTicker(w.config.FlushInterval)
		defer ticker.Stop()
		flushC = ticker.C
	}

	var compactC <-chan time.Time
	if _, ok := w.backend.(Compactor); ok && w.config.CompactionInterval > 0 {
		ticker := time.NewTicker(w.config.CompactionInterval)
		defer ticker.Stop()
		compactC = ticker.C
	}

	for {
		select {
		case <-w.drainCh:
			w.drain(ctx)
			return
		default:
		}

		select {
		case t := <-w.queue:
			w.dispatch(ctx, t)
		case <-flushC:
			w.flush()
		case <-compactC:
			w.compact(false)
		case <-w.drainCh:
			w.drain(ctx)
			return
		}
	}
}

// drain runs whatever is still queued, switching to abort once abortCh closes.
// No producer can enqueue after drainCh is closed, so an empty queue means done.
func (w *bucketWorker) drain(ctx context.Context) {
	w.logger.Debug("draining bucket queue", "depth", len(w.queue))
	for {
		select {
		case <-w.abortCh:
			w.abortQueued()
			return
		default:
		}

		select {
		case t := <-w.queue:
			w.dispatch(ctx, t)
		default:
			return
		}
	}
}

func (w *bucketWorker) abortQueued() {
	n := abortPending(w.queue)
	w.aborted += n
	if n > 0 {
		w.logger.Warn("aborted queued tasks at shutdown", "count", n)
	}
}

// abortPending fails every task currently in queue with ErrShutdownAbort and
// returns how many it resolved. Safe to call from any goroutine.
func abortPending(queue chan pendingTask) int {
	n := 0
	for {
		select {
		case t := <-queue:
			if t.abort(ErrShutdownAbort) {
				n++
			}
		default:
			return n
		}
	}
}

// dispatch runs a task taken from the queue unless the drain timeout has elapsed.
// Shutdown only takes tasks from the queue after closing abortCh, so a task received
// once abortCh is closed may have had an earlier task of the same key aborted ahead
// of it; it is aborted too, together with everything still queued.
func (w *bucketWorker) dispatch(ctx context.Context, t pendingTask) {
	select {
	case <-w.abortCh:
		if t.abort(ErrShutdownAbort) {
			w.aborted++
		}
		w.abortQueued()
		return
	default:
	}
	w.run(ctx, t)
}

// run executes one task. A failing task never stops the worker.
func (w *bucketWorker) run(ctx context.Context, t pendingTask) {
	if !t.begin() {
		w.logger.Debug("skipping cancelled task")
		return
	}
	if err := t.execute(ctx, w.backend, w.account); err != nil {
		w.logger.Debug("task failed", "error", err, "queuedFor", time.Since(t.submitted()))
	}
}

// account updates the bucket counters for a finished task. It runs before the
// task's future resolves, so a caller that observed the result also observes it in Health.
func (w *bucketWorker) account(err error) {
	w.processed.Add(1)
	if seq, ok := w.backend.(Sequenced); ok {
		w.lastSeq.Store(seq.LastSeq())
	}
	if err == nil {
		w.recordSuccess()
		return
	}
	w.failed.Add(1)
	var ioErr *BackendIOError
	if errors.As(err, &ioErr) {
		w.recordIOFailure(err)
	}
}

func (w *bucketWorker) recordSuccess() {
	w.ioFailures = 0
	if w.degraded.CompareAndSwap(true, false) {
		w.logger.Info("bucket recovered from degraded state")
	}
}

func (w *bucketWorker) recordIOFailure(err error) {
	w.ioFailures++
	threshold := w.config.DegradedThreshold
	if threshold > 0 && w.ioFailures >= threshold && w.degraded.CompareAndSwap(false, true) {
		w.logger.Warn("bucket degraded after consecutive I/O failures", "failures", w.ioFailures, "error", err)
	}
}

func (w *bucketWorker) flush() {
	if err := w.backend.Flush(); err != nil {
		w.logger.Error("periodic flush failed", "error", err)
		w.recordIOFailure(err)
	}
}

func (w *bucketWorker) compact(force bool) {
	c, ok := w.backend.(Compactor)
	if !ok {
		return
	}
	if err := c.MaybeCompact(force); err != nil {
		w.logger.Error("compaction failed", "error", err)
		w.recordIOFailure(err)
	}
}

func (w *bucketWorker) closeBackend() {
	if w.config.Durability == DurabilityBatched {
		if err := w.backend.Flush(); err != nil && !errors.Is(err, ErrClosed) {
			w.logger.Error("final flush failed", "error", err)
		}
	}
	w.closeErr = w.backend.Close()
	if w.closeErr != nil {
		w.logger.Error("failed to close backend", "error", w.closeErr)
	}
}

func (w *bucketWorker) health() BucketHealth {
	return BucketHealth{
		Bucket:    w.id,
		Degraded:  w.degraded.Load(),
		Depth:     len(w.queue),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		LastSeq:   w.lastSeq.Load(),
	}
}

// classifyOpError keeps backend I/O errors recognizable and wraps everything else
// as an operation failure.
func classifyOpError(bucket BucketID, key string, err error) error {
	var ioErr *BackendIOError
	var opErr *OperationError
	if errors.As(err, &ioErr) || errors.As(err, &opErr) {
		return err
	}
	return &OperationError{Bucket: bucket, Key: key, Err: err}
}
