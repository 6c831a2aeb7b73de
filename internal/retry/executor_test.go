package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// recordingSleeper replaces the executor's wait with an instant one that
// remembers every requested delay.
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, *recordingSleeper) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	e := NewExecutor(logger, opts...)
	rec := &recordingSleeper{}
	e.sleep = rec.sleep
	return e, rec
}

// failingTask returns a task that fails with err on every call and counts calls.
func failingTask(err error, calls *int) Task {
	return func(context.Context) error {
		*calls++
		return err
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	e, rec := newTestExecutor(t)
	calls := 0
	err := e.Run(context.Background(), "job-1", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("task called %d times, want 1", calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("slept %v, want no waits", rec.delays)
	}
}

func TestRunSucceedsAfterTransientFailures(t *testing.T) {
	e, rec := newTestExecutor(t, WithBackoffUnit(time.Second))
	calls := 0
	err := e.Run(context.Background(), "job-1", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky network")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Errorf("task called %d times, want 3", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(rec.delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", rec.delays, want)
	}
}

func TestRunNonRetryableInvokedOnce(t *testing.T) {
	e, rec := newTestExecutor(t)
	cause := errors.New("meeting does not exist")
	calls := 0

	err := e.Run(context.Background(), "job-1", failingTask(Permanent("meeting_not_found", cause), &calls))

	if calls != 1 {
		t.Errorf("task called %d times, want 1", calls)
	}
	if !errors.Is(err, ErrNonRetryable) {
		t.Errorf("error = %v, want ErrNonRetryable", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want it to wrap the task failure", err)
	}
	if len(rec.delays) != 0 {
		t.Errorf("slept %v, want no waits", rec.delays)
	}
}

func TestRunDeclaredMaxRetriesBelowCap(t *testing.T) {
	e, rec := newTestExecutor(t, WithMaxAttempts(3), WithBackoffUnit(time.Minute))
	calls := 0

	err := e.Run(context.Background(), "job-1", failingTask(Transient("join_failed", 2, errors.New("join")), &calls))

	if calls != 2 {
		t.Errorf("task called %d times, want 2", calls)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("error = %v, want ErrRetriesExhausted", err)
	}
	if want := []time.Duration{time.Minute}; fmt.Sprint(rec.delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", rec.delays, want)
	}
}

func TestRunDeclaredMaxRetriesAboveCap(t *testing.T) {
	e, _ := newTestExecutor(t, WithMaxAttempts(3))
	calls := 0

	err := e.Run(context.Background(), "job-1", failingTask(Transient("join_failed", 10, errors.New("join")), &calls))

	if calls != 3 {
		t.Errorf("task called %d times, want 3 (global cap)", calls)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("error = %v, want ErrRetriesExhausted", err)
	}
}

func TestRunRetryableWithoutDeclaredBudget(t *testing.T) {
	e, _ := newTestExecutor(t)
	calls := 0

	_ = e.Run(context.Background(), "job-1", failingTask(Transient("upload", 0, errors.New("upload")), &calls))

	if calls != DefaultMaxAttempts {
		t.Errorf("task called %d times, want %d", calls, DefaultMaxAttempts)
	}
}

func TestRunUnclassifiedUsesGlobalCapWithLinearBackoff(t *testing.T) {
	unit := 30 * time.Second
	e, rec := newTestExecutor(t, WithBackoffUnit(unit))
	cause := errors.New("boom")
	calls := 0

	err := e.Run(context.Background(), "job-1", failingTask(cause, &calls))

	if calls != 3 {
		t.Errorf("task called %d times, want 3", calls)
	}
	want := []time.Duration{1 * unit, 2 * unit}
	if fmt.Sprint(rec.delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", rec.delays, want)
	}
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, cause) {
		t.Errorf("error = %v, want ErrRetriesExhausted wrapping the cause", err)
	}
}

func TestRunClassificationThroughWrapping(t *testing.T) {
	e, _ := newTestExecutor(t)
	calls := 0
	wrapped := fmt.Errorf("join meeting: %w", Permanent("admission_denied", errors.New("host declined")))

	err := e.Run(context.Background(), "job-1", failingTask(wrapped, &calls))

	if calls != 1 {
		t.Errorf("task called %d times, want 1", calls)
	}
	c, ok := ClassificationOf(err)
	if !ok || c.Kind != "admission_denied" {
		t.Errorf("ClassificationOf = %+v, %v; want admission_denied", c, ok)
	}
}

func TestRunPanicIsNotRetried(t *testing.T) {
	e, _ := newTestExecutor(t)
	calls := 0

	err := e.Run(context.Background(), "job-1", func(context.Context) error {
		calls++
		panic("nil page handle")
	})

	if calls != 1 {
		t.Errorf("task called %d times, want 1", calls)
	}
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *PanicError", err)
	}
	if pe.Value != "nil page handle" {
		t.Errorf("panic value = %v", pe.Value)
	}
	if len(pe.Stack) == 0 {
		t.Error("panic stack is empty")
	}
}

func TestRunBackoffInterruptedByContext(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	e := NewExecutor(logger, WithBackoffUnit(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, "job-1", failingTask(errors.New("boom"), &calls))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("task called %d times, want 1", calls)
	}
}

func TestRunHooks(t *testing.T) {
	var attempts []Attempt
	var retries []time.Duration
	var gaveUp error

	e, _ := newTestExecutor(t,
		WithBackoffUnit(time.Second),
		WithHooks(Hooks{
			OnAttempt: func(a Attempt) { attempts = append(attempts, a) },
			OnRetry:   func(_ Attempt, d time.Duration) { retries = append(retries, d) },
			OnGiveUp:  func(_ Attempt, err error) { gaveUp = err },
		}),
	)
	calls := 0
	_ = e.Run(context.Background(), "job-7", failingTask(errors.New("boom"), &calls))

	if len(attempts) != 3 {
		t.Fatalf("OnAttempt called %d times, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Number != i+1 || a.JobID != "job-7" || a.Classified {
			t.Errorf("attempt[%d] = %+v", i, a)
		}
	}
	if len(retries) != 2 {
		t.Errorf("OnRetry called %d times, want 2", len(retries))
	}
	if !errors.Is(gaveUp, ErrRetriesExhausted) {
		t.Errorf("OnGiveUp error = %v, want ErrRetriesExhausted", gaveUp)
	}
}

func TestOptionsIgnoreInvalidValues(t *testing.T) {
	e, _ := newTestExecutor(t, WithMaxAttempts(0), WithBackoffUnit(-time.Second))
	if e.MaxAttempts() != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", e.MaxAttempts(), DefaultMaxAttempts)
	}
	if e.BackoffUnit() != DefaultBackoffUnit {
		t.Errorf("BackoffUnit = %v, want %v", e.BackoffUnit(), DefaultBackoffUnit)
	}
}

func TestClassifyNil(t *testing.T) {
	if err := Permanent("x", nil); err != nil {
		t.Errorf("Permanent(nil) = %v, want nil", err)
	}
	if _, ok := ClassificationOf(errors.New("plain")); ok {
		t.Error("plain error reported as classified")
	}
}
