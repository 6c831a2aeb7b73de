// Package supervisor admits, tracks and drains a bounded number of
// long-running jobs inside one process.
//
// Admission is the unit callers care about: AddJob answers immediately and the
// job body runs in its own goroutine under a retry runner. The outcome of a job
// is only visible through logs, the Observer, and the job's disappearance from
// the registry.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/meetbot/internal/poll"
	"github.com/seantiz/meetbot/internal/retry"
)

// DefaultDrainInterval is how often WaitForCompletion re-checks the registry.
const DefaultDrainInterval = time.Second

// ErrInvalidCapacity is returned by New for a non-positive maxConcurrent.
var ErrInvalidCapacity = errors.New("supervisor: maxConcurrent must be positive")

// RejectReason explains a refused admission.
type RejectReason string

const (
	RejectNone      RejectReason = ""
	RejectFull      RejectReason = "full"
	RejectShutdown  RejectReason = "shutdown"
	RejectDuplicate RejectReason = "duplicate"
	RejectInvalid   RejectReason = "invalid"
)

// Runner executes a job body, retrying as it sees fit.
type Runner interface {
	Run(ctx context.Context, jobID string, task retry.Task) error
}

// Job is an admitted, in-flight unit of work.
type Job struct {
	ID        string            `json:"id"`
	StartedAt time.Time         `json:"started_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (j Job) clone() Job {
	j.Metadata = maps.Clone(j.Metadata)
	return j
}

// Observer receives job lifecycle notifications. JobStarted is called before
// the job body starts; JobFinished after the body's terminal outcome and after
// the job has left the registry.
type Observer interface {
	JobStarted(job Job)
	JobFinished(job Job, err error)
	JobRejected(id string, reason RejectReason)
}

type nopObserver struct{}

func (nopObserver) JobStarted(Job)                   {}
func (nopObserver) JobFinished(Job, error)           {}
func (nopObserver) JobRejected(string, RejectReason) {}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithDrainInterval sets the registry re-check interval used while draining.
func WithDrainInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.drainInterval = d
		}
	}
}

// WithObserver installs a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock replaces time.Now for job start timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// Supervisor is a bounded-concurrency registry of in-flight jobs.
type Supervisor struct {
	maxConcurrent int
	runner        Runner
	logger        *slog.Logger
	observer      Observer
	drainInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	jobs     map[string]Job
	shutdown bool
}

// New creates a supervisor that runs at most maxConcurrent jobs at once.
func New(maxConcurrent int, runner Runner, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, maxConcurrent)
	}
	s := &Supervisor{
		maxConcurrent: maxConcurrent,
		runner:        runner,
		logger:        logger,
		observer:      nopObserver{},
		drainInterval: DefaultDrainInterval,
		now:           time.Now,
		jobs:          make(map[string]Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddJob admits the job and starts it in the background, or refuses it.
// It never waits for the job body.
func (s *Supervisor) AddJob(id string, task retry.Task, metadata map[string]string) bool {
	accepted, _ := s.Admit(id, task, metadata)
	return accepted
}

// Admit is AddJob that also reports why an admission was refused.
//
// A job is refused when the registry is full, shutdown has been requested, id
// is empty, task is nil, or a job with the same id is still running.
func (s *Supervisor) Admit(id string, task retry.Task, metadata map[string]string) (bool, RejectReason) {
	if id == "" || task == nil {
		return s.reject(id, RejectInvalid)
	}

	s.mu.Lock()
	switch {
	case s.shutdown:
		s.mu.Unlock()
		return s.reject(id, RejectShutdown)
	case hasKey(s.jobs, id):
		s.mu.Unlock()
		return s.reject(id, RejectDuplicate)
	case len(s.jobs) >= s.maxConcurrent:
		s.mu.Unlock()
		return s.reject(id, RejectFull)
	}
	job := Job{ID: id, StartedAt: s.now(), Metadata: maps.Clone(metadata)}
	s.jobs[id] = job
	active := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("job admitted", "job_id", id, "active_jobs", active, "max_concurrent", s.maxConcurrent)
	s.notify(func() { s.observer.JobStarted(job.clone()) })

	go s.run(job, task)
	return true, RejectNone
}

func (s *Supervisor) reject(id string, reason RejectReason) (bool, RejectReason) {
	s.logger.Info("job rejected", "job_id", id, "reason", string(reason), "active_jobs", s.ActiveCount())
	s.notify(func() { s.observer.JobRejected(id, reason) })
	return false, reason
}

// run executes the job body and unconditionally removes the job afterwards.
func (s *Supervisor) run(job Job, task retry.Task) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor: job %s panicked: %v", job.ID, r)
		}
		s.remove(job.ID)

		elapsed := s.now().Sub(job.StartedAt)
		if err != nil {
			s.logger.Error("job failed", "job_id", job.ID, "duration_ms", elapsed.Milliseconds(), "error", err)
		} else {
			s.logger.Info("job completed", "job_id", job.ID, "duration_ms", elapsed.Milliseconds())
		}
		s.notify(func() { s.observer.JobFinished(job.clone(), err) })
	}()

	err = s.runner.Run(context.Background(), job.ID, task)
}

func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// notify calls the observer, containing any panic it raises.
func (s *Supervisor) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// IsFull reports whether the registry is at capacity.
func (s *Supervisor) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs) >= s.maxConcurrent
}

// IsBusy reports whether any job is in flight.
func (s *Supervisor) IsBusy() bool {
	return s.ActiveCount() > 0
}

// ActiveCount returns the number of in-flight jobs.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// MaxConcurrent returns the configured capacity.
func (s *Supervisor) MaxConcurrent() int {
	return s.maxConcurrent
}

// ActiveJobs returns a copy of the registry ordered by start time. Changing
// the result does not affect the supervisor.
func (s *Supervisor) ActiveJobs() []Job {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.clone())
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].StartedAt.Equal(jobs[k].StartedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].StartedAt.Before(jobs[k].StartedAt)
	})
	return jobs
}

// IsShutdownRequested reports whether admission has been closed.
func (s *Supervisor) IsShutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// RequestShutdown closes admission for good. Running jobs are not affected.
// Calling it more than once is harmless.
func (s *Supervisor) RequestShutdown() {
	s.mu.Lock()
	already := s.shutdown
	s.shutdown = true
	active := len(s.jobs)
	s.mu.Unlock()

	if !already {
		s.logger.Info("admission closed", "active_jobs", active)
	}
}

// WaitForCompletion blocks until no job is in flight. It returns immediately
// when the registry is already empty. It has no deadline of its own; it
// returns ctx.Err() if ctx ends first.
func (s *Supervisor) WaitForCompletion(ctx context.Context) error {
	return poll.Wait(ctx, func() bool {
		n := s.ActiveCount()
		if n > 0 {
			s.logger.Debug("waiting for jobs to finish", "active_jobs", n)
		}
		return n == 0
	}, s.drainInterval)
}

func hasKey(m map[string]Job, k string) bool {
	_, ok := m[k]
	return ok
}
