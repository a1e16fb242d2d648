package bucketpool

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by Submit when the bucket queue is full.
	ErrCapacityExceeded = errors.New("bucket queue capacity exceeded")
	// ErrShutdownAbort resolves tasks still queued when the shutdown drain timeout elapses.
	ErrShutdownAbort = errors.New("task aborted: scheduler shutting down")
	// ErrNotStarted is returned for submissions before Start completes.
	ErrNotStarted = errors.New("scheduler not started")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrShuttingDown is returned for submissions after Shutdown begins.
	ErrShuttingDown = errors.New("scheduler shutting down")
	// ErrCancelled resolves a task cancelled while it was still queued.
	ErrCancelled = errors.New("task cancelled")
	// ErrClosed is returned by backend operations after Close.
	ErrClosed = errors.New("backend is closed")
	// ErrEmptyKey is returned when submitting with an empty entity key.
	ErrEmptyKey = errors.New("entity key is empty")
	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrBucketCountMismatch is returned when a durable directory was created with another bucket count.
	ErrBucketCountMismatch = errors.New("bucket count does not match existing data")
	// ErrEngineUnavailable is returned when the selected engine is not compiled in.
	ErrEngineUnavailable = errors.New("storage engine unavailable in this build")
	// ErrValueTooLarge is returned when a record exceeds the largest size the file log can recover.
	ErrValueTooLarge = errors.New("record too large")

	// ErrOperationFailed matches any *OperationError via errors.Is.
	ErrOperationFailed = errors.New("operation failed")
	// ErrBackendIO matches any *BackendIOError via errors.Is.
	ErrBackendIO = errors.New("backend I/O error")
	// ErrRecoveryCorruption matches any *CorruptionError via errors.Is.
	ErrRecoveryCorruption = errors.New("recovery corruption")
)

// OperationError reports that a submitted operation failed or panicked while executing.
type OperationError struct {
	Bucket BucketID
	Key    string
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("bucket %s: operation on key %q failed: %v", e.Bucket, e.Key, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Is(target error) bool { return target == ErrOperationFailed }

// BackendIOError reports a failed append, fsync or read in a durable backend.
type BackendIOError struct {
	Bucket BucketID
	Op     string
	Err    error
}

func (e *BackendIOError) Error() string {
	return fmt.Sprintf("bucket %s: %s: %v", e.Bucket, e.Op, e.Err)
}

func (e *BackendIOError) Unwrap() error { return e.Err }

func (e *BackendIOError) Is(target error) bool { return target == ErrBackendIO }

// CorruptionError reports untrustworthy on-disk state found during recovery.
type CorruptionError struct {
	Bucket BucketID
	File   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("bucket %s: corrupt %s at offset %d: %s", e.Bucket, e.File, e.Offset, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrRecoveryCorruption }

func ioError(bucket BucketID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendIOError{Bucket: bucket, Op: op, Err: err}
}
