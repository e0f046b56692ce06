package queue

import (
	"errors"
	"fmt"
)

// Sentinel errors for queue operations.
var (
	// ErrJobNotFound is returned when operating on a job ID that does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancellable is returned when Cancel targets a job that already
	// started or finished. Active jobs are not interrupted; their result is
	// discarded at settle time instead.
	ErrJobNotCancellable = errors.New("job is not in a cancellable state")

	// ErrQueueUnknown is returned when an operation names a queue with no
	// registered handlers.
	ErrQueueUnknown = errors.New("unknown queue")

	// ErrKindUnknown is returned when a claimed job carries a kind no handler
	// was registered for. Unknown kinds are permanent: retrying cannot make a
	// handler appear.
	ErrKindUnknown = errors.New("unknown job kind")

	// ErrHandlerAlreadyRegistered is returned when a (queue, kind) pair is
	// registered twice. Registration happens once at startup.
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")

	// ErrEngineStarted is returned when RegisterHandler is called after
	// Start. The registry is sealed once workers run.
	ErrEngineStarted = errors.New("engine already started")

	// ErrLeaseLost is returned by ExtendLease when the lease already expired
	// and another worker may own the job. The handler must stop side effects
	// and abandon the attempt.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrPayloadTooLarge is returned when an enqueue payload exceeds the
	// storage bound.
	ErrPayloadTooLarge = errors.New("job payload too large")
)

// PermanentError wraps a handler failure that must not be retried. The job
// moves directly to dead regardless of remaining attempts.
type PermanentError struct {
	Err error
}

// Permanent marks err as non-retryable.
//
// Example:
//
//	if !exportExists {
//		return queue.Permanent(fmt.Errorf("export %s was deleted", id))
//	}
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err (or anything it wraps) was marked
// non-retryable via Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError

	return errors.As(err, &pe)
}
