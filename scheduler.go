package bucketpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Operation is a unit of persistence work run by a bucket worker against the bucket's backend.
// The backend must not be retained after the operation returns.
type Operation func(ctx context.Context, b Backend) (any, error)

type schedulerState int

const (
	stateCreated schedulerState = iota
	stateRunning
	stateStopped
)

// Scheduler routes persistence operations to buckets and runs each bucket on a
// dedicated worker goroutine. Operations for the same key run in submission order;
// operations for different buckets run in parallel.
type Scheduler struct {
	config   Config
	logger   *slog.Logger
	assigner *Assigner

	mu      sync.RWMutex
	state   schedulerState
	kind    BackendKind
	set     *backendSet
	workers []*bucketWorker

	stopping  chan struct{} // closed when Shutdown begins; unblocks SubmitSync senders
	cancelRun context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewScheduler creates a scheduler from cfg. A nil cfg uses DefaultConfig.
// The configuration is copied; later changes to cfg have no effect.
func NewScheduler(cfg *Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	assigner, err := NewAssigner(cfg.BucketCount)
	if err != nil {
		return nil, err
	}
	c := *cfg
	if c.Durability == "" {
		c.Durability = DurabilitySync
	}
	return &Scheduler{
		config:   c,
		logger:   logger,
		assigner: assigner,
		kind:     SelectBackend(&c),
		stopping: make(chan struct{}),
	}, nil
}

// Start selects the backend, opens and recovers every bucket, then launches one
// worker per bucket. No submission is accepted before Start returns successfully.
// A recovery failure in any bucket fails Start and leaves nothing running.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrShuttingDown
	}

	n := s.assigner.Buckets()
	s.logger.Info("starting scheduler", "backend", s.kind, "buckets", n, "queueCapacity", s.config.QueueCapacity,
		"durability", s.config.Durability, "dir", s.config.Dir)

	set, err := newBackendSet(s.kind, &s.config, s.logger)
	if err != nil {
		return fmt.Errorf("failed to prepare %s backend: %w", s.kind, err)
	}

	started := time.Now()
	backends := make([]Backend, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range n {
		id := BucketID(i)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := set.open(id)
			if err != nil {
				return fmt.Errorf("failed to open bucket %s: %w", id, err)
			}
			backends[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, b := range backends {
			if b != nil {
				_ = b.Close()
			}
		}
		_ = set.release()
		s.logger.Error("scheduler start failed", "backend", s.kind, "error", err)
		return err
	}
	s.logger.Debug("Start: buckets recovered", "buckets", n, "elapsed", time.Since(started))

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.set = set
	s.workers = make([]*bucketWorker, n)
	for i, b := range backends {
		w := newBucketWorker(BucketID(i), b, &s.config, s.logger)
		s.workers[i] = w
		w.start(runCtx)
	}
	s.state = stateRunning
	s.logger.Info("scheduler started", "backend", s.kind, "buckets", n)
	return nil
}

// Submit routes op to the bucket of key and returns a handle to its result.
// It never blocks: a full bucket queue fails with ErrCapacityExceeded.
func Submit[T any](s *Scheduler, key string, op func(context.Context, Backend) (T, error)) (*Future[T], error) {
	task, err := newTaskFor(s, key, op)
	if err != nil {
		return nil, err
	}
	fut := task.future

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.acceptingLocked(); err != nil {
		return nil, err
	}
	select {
	case s.workers[fut.bucket].queue <- task:
		return fut, nil
	default:
		s.logger.Debug("Submit: bucket queue full", "bucket", fut.bucket, "key", key)
		return nil, fmt.Errorf("%w: bucket %s", ErrCapacityExceeded, fut.bucket)
	}
}

// SubmitSync routes op to the bucket of key and waits for its result.
// It blocks while the bucket queue is full. If ctx ends while the task is still
// queued, the task is cancelled and ctx.Err() returned; a task already running
// is waited for.
func SubmitSync[T any](ctx context.Context, s *Scheduler, key string, op func(context.Context, Backend) (T, error)) (T, error) {
	task, err := newTaskFor(s, key, op)
	if err != nil {
		var zero T
		return zero, err
	}
	return runSync(ctx, s, task)
}

// SubmitToBucket runs op on the worker of one bucket and waits for its result,
// with the same blocking and cancellation rules as SubmitSync. It serves
// maintenance work that spans a whole bucket rather than one key.
func SubmitToBucket[T any](ctx context.Context, s *Scheduler, bucket BucketID, op func(context.Context, Backend) (T, error)) (T, error) {
	if int(bucket) >= s.assigner.Buckets() {
		var zero T
		return zero, fmt.Errorf("bucket %s out of range [0, %d)", bucket, s.assigner.Buckets())
	}
	if op == nil {
		var zero T
		return zero, fmt.Errorf("operation for bucket %s is nil", bucket)
	}
	return runSync(ctx, s, &typedTask[T]{future: newFuture[T](bucket, ""), op: op})
}

func runSync[T any](ctx context.Context, s *Scheduler, task *typedTask[T]) (T, error) {
	var zero T
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return zero, err
	}
	fut := task.future
	if err := s.enqueueBlocking(ctx, fut.bucket, task); err != nil {
		return zero, err
	}

	select {
	case <-fut.Done():
		return fut.result()
	case <-ctx.Done():
		if fut.Cancel() {
			s.logger.Debug("SubmitSync: cancelled queued task", "bucket", fut.bucket, "key", fut.key)
			return zero, ctx.Err()
		}
		<-fut.Done()
		return fut.result()
	}
}

func newTaskFor[T any](s *Scheduler, key string, op func(context.Context, Backend) (T, error)) (*typedTask[T], error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if op == nil {
		return nil, fmt.Errorf("operation for key %q is nil", key)
	}
	return &typedTask[T]{future: newFuture[T](s.assigner.Assign(key), key), op: op}, nil
}

func (s *Scheduler) enqueueBlocking(ctx context.Context, bucket BucketID, task pendingTask) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.acceptingLocked(); err != nil {
		return err
	}
	select {
	case s.workers[bucket].queue <- task:
		return nil
	default:
	}
	s.logger.Debug("SubmitSync: bucket queue full, waiting", "bucket", bucket)
	select {
	case s.workers[bucket].queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopping:
		return ErrShuttingDown
	}
}

func (s *Scheduler) acceptingLocked() error {
	switch s.state {
	case stateCreated:
		return ErrNotStarted
	case stateStopped:
		return ErrShuttingDown
	}
	return nil
}

// Submit is the untyped form of the package-level Submit.
func (s *Scheduler) Submit(key string, op Operation) (*Future[any], error) {
	return Submit[any](s, key, op)
}

// SubmitSync is the untyped form of the package-level SubmitSync.
func (s *Scheduler) SubmitSync(ctx context.Context, key string, op Operation) (any, error) {
	return SubmitSync[any](ctx, s, key, op)
}

// Shutdown stops accepting submissions, lets workers drain their queues for up to
// timeout, then aborts the remaining queued tasks with ErrShutdownAbort. Tasks
// already running always finish. Backends are closed after their worker exits.
// Shutdown is idempotent: later calls return the result of the first.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(timeout)
	})
	return s.shutdownErr
}

// Close shuts the scheduler down using the configured ShutdownTimeout.
func (s *Scheduler) Close() error {
	return s.Shutdown(s.config.ShutdownTimeout)
}

func (s *Scheduler) shutdown(timeout time.Duration) error {
	close(s.stopping)

	s.mu.Lock()
	prev := s.state
	s.state = stateStopped
	workers := s.workers
	set := s.set
	s.mu.Unlock()

	if prev != stateRunning {
		s.logger.Debug("Shutdown: scheduler was never started")
		return nil
	}
	s.logger.Info("shutting down scheduler", "buckets", len(workers), "timeout", timeout)

	for _, w := range workers {
		close(w.drainCh)
	}

	allDone := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.doneCh
		}
		close(allDone)
	}()

	var (
		errs    []error
		aborted int
	)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-allDone:
	case <-timer.C:
		s.logger.Warn("drain timeout elapsed, aborting queued tasks", "timeout", timeout)
		for _, w := range workers {
			close(w.abortCh)
		}
		// a worker stuck in a long operation cannot abort its own queue
		for _, w := range workers {
			aborted += abortPending(w.queue)
		}
		<-allDone
	}
	s.cancelRun()

	for _, w := range workers {
		aborted += w.aborted
		if w.closeErr != nil {
			errs = append(errs, fmt.Errorf("failed to close bucket %s: %w", w.id, w.closeErr))
		}
	}
	if err := set.release(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release %s engine: %w", s.kind, err))
	}
	if aborted > 0 {
		errs = append([]error{fmt.Errorf("%w: %d queued tasks aborted", ErrShutdownAbort, aborted)}, errs...)
	}
	s.logger.Info("scheduler stopped", "aborted", aborted)
	return errors.Join(errs...)
}

// Kind returns the backend kind chosen for this process.
func (s *Scheduler) Kind() BackendKind {
	return s.kind
}

// BucketCount returns the fixed number of buckets.
func (s *Scheduler) BucketCount() int {
	return s.assigner.Buckets()
}

// BucketFor returns the bucket key is routed to.
func (s *Scheduler) BucketFor(key string) BucketID {
	return s.assigner.Assign(key)
}

// Health returns a snapshot of every bucket's counters. It is empty before Start.
func (s *Scheduler) Health() []BucketHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	health := make([]BucketHealth, 0, len(s.workers))
	for _, w := range s.workers {
		health = append(health, w.health())
	}
	return health
}

// normalizeContext ensures we always work with a non-nil context and surfaces
// cancellation errors early.
func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		return context.Background(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}
