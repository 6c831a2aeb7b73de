// Package retry runs a unit of work under a bounded, classification-aware
// retry policy with linear backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

const (
	// DefaultMaxAttempts is the global cap on attempts per task.
	DefaultMaxAttempts = 3

	// DefaultBackoffUnit is multiplied by the attempt number to get the wait
	// before the next attempt.
	DefaultBackoffUnit = 30 * time.Second
)

// Task is a unit of work the executor may invoke more than once.
type Task func(ctx context.Context) error

// Attempt describes one finished invocation of a task.
type Attempt struct {
	JobID          string
	Number         int // 1-based
	Err            error
	Classification Classification
	Classified     bool
}

// Hooks receive attempt-level notifications. Any field may be nil.
type Hooks struct {
	OnAttempt func(a Attempt)
	OnRetry   func(a Attempt, delay time.Duration)
	OnGiveUp  func(a Attempt, err error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxAttempts overrides DefaultMaxAttempts. Non-positive values are ignored.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoffUnit overrides DefaultBackoffUnit. Negative values are ignored.
func WithBackoffUnit(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.backoffUnit = d
		}
	}
}

// WithHooks installs attempt hooks.
func WithHooks(h Hooks) Option {
	return func(e *Executor) { e.hooks = h }
}

// Executor runs tasks with retries. It is safe for concurrent use; each Run
// keeps its own attempt counter.
type Executor struct {
	maxAttempts int
	backoffUnit time.Duration
	hooks       Hooks
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor with the default policy.
func NewExecutor(logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		maxAttempts: DefaultMaxAttempts,
		backoffUnit: DefaultBackoffUnit,
		logger:      logger,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts returns the global attempt cap.
func (e *Executor) MaxAttempts() int { return e.maxAttempts }

// BackoffUnit returns the linear backoff unit.
func (e *Executor) BackoffUnit() time.Duration { return e.backoffUnit }

// Run invokes task until it succeeds or the policy gives up.
//
// A classified non-retryable failure is returned after one attempt, wrapped
// with ErrNonRetryable. A retryable failure is retried until the smaller of
// its declared MaxRetries and the executor's cap is reached; unclassified
// failures only see the executor's cap. Exhaustion wraps ErrRetriesExhausted.
// Between attempts Run waits attempt*BackoffUnit, or returns early if ctx is
// done.
func (e *Executor) Run(ctx context.Context, jobID string, task Task) error {
	attempt := 0
	for {
		err := e.invoke(ctx, task)
		class, classified := ClassificationOf(err)
		a := Attempt{
			JobID:          jobID,
			Number:         attempt + 1,
			Err:            err,
			Classification: class,
			Classified:     classified,
		}
		if e.hooks.OnAttempt != nil {
			e.hooks.OnAttempt(a)
		}

		if err == nil {
			e.logger.Debug("job attempt succeeded", "job_id", jobID, "attempt", a.Number)
			return nil
		}

		log := e.logger.With(
			"job_id", jobID,
			"attempt", a.Number,
			"classified", classified,
			"kind", class.Kind,
			"retryable", !classified || class.Retryable,
			"error", err,
		)

		if classified && !class.Retryable {
			final := fmt.Errorf("%w: %w", ErrNonRetryable, err)
			log.Error("job attempt failed; not retrying")
			e.giveUp(a, final)
			return final
		}
		if classified && class.MaxRetries > 0 && attempt+1 >= class.MaxRetries {
			final := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, a.Number, err)
			log.Error("job attempt failed; declared retry budget spent", "max_retries", class.MaxRetries)
			e.giveUp(a, final)
			return final
		}

		attempt++
		if attempt >= e.maxAttempts {
			final := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, a.Number, err)
			log.Error("job attempt failed; attempt cap reached", "max_attempts", e.maxAttempts)
			e.giveUp(a, final)
			return final
		}

		delay := time.Duration(attempt) * e.backoffUnit
		log.Warn("job attempt failed; backing off", "delay", delay.String())
		if e.hooks.OnRetry != nil {
			e.hooks.OnRetry(a, delay)
		}

		if serr := e.sleep(ctx, delay); serr != nil {
			final := fmt.Errorf("retry: backoff interrupted after attempt %d: %w (last error: %w)", a.Number, serr, err)
			log.Info("job backoff canceled", "reason", serr)
			e.giveUp(a, final)
			return final
		}
	}
}

func (e *Executor) giveUp(a Attempt, err error) {
	if e.hooks.OnGiveUp != nil {
		e.hooks.OnGiveUp(a, err)
	}
}

// invoke runs one attempt, converting a panic into a *PanicError.
func (e *Executor) invoke(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task(ctx)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return ctx.Err()
	}
}
