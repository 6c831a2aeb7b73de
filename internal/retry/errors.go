package retry

import (
	"errors"
	"fmt"
)

var (
	// ErrNonRetryable wraps a failure whose classification forbids retrying.
	ErrNonRetryable = errors.New("retry: non-retryable failure")

	// ErrRetriesExhausted wraps the last failure once the attempt budget is spent.
	ErrRetriesExhausted = errors.New("retry: retries exhausted")
)

// KindPanic is the classification kind given to a task that panicked.
const KindPanic = "panic"

// Classification is what a failing task declares about its own failure.
type Classification struct {
	Retryable bool
	// MaxRetries caps the total number of attempts for this task. Zero means
	// the executor's own cap applies.
	MaxRetries int
	Kind       string
}

// Classified is implemented by errors that carry a Classification.
type Classified interface {
	error
	Classification() Classification
}

type classifiedError struct {
	err   error
	class Classification
}

func (e *classifiedError) Error() string                  { return e.err.Error() }
func (e *classifiedError) Unwrap() error                  { return e.err }
func (e *classifiedError) Classification() Classification { return e.class }

// Classify attaches c to err. A nil err stays nil.
func Classify(err error, c Classification) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: c}
}

// Permanent marks err as not worth retrying.
//
//	return retry.Permanent("meeting_not_found", fmt.Errorf("lookup %s: %w", url, err))
func Permanent(kind string, err error) error {
	return Classify(err, Classification{Kind: kind})
}

// Transient marks err as retryable for at most maxRetries total attempts.
func Transient(kind string, maxRetries int, err error) error {
	return Classify(err, Classification{Retryable: true, MaxRetries: maxRetries, Kind: kind})
}

// ClassificationOf returns the classification declared anywhere in err's
// chain. The boolean is false for unclassified errors.
func ClassificationOf(err error) (Classification, bool) {
	var c Classified
	if errors.As(err, &c) {
		return c.Classification(), true
	}
	return Classification{}, false
}

// PanicError is produced when a task panics. It is never retried, not even
// under the global cap that applies to other undeclared failures.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Classification implements Classified.
func (e *PanicError) Classification() Classification {
	return Classification{Kind: KindPanic}
}
