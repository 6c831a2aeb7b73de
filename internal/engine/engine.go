package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/meetbot/internal/bot"
	"github.com/seantiz/meetbot/internal/metrics"
	"github.com/seantiz/meetbot/internal/model"
	"github.com/seantiz/meetbot/internal/poll"
	"github.com/seantiz/meetbot/internal/retry"
	"github.com/seantiz/meetbot/internal/store"
	"github.com/seantiz/meetbot/internal/supervisor"
)

// Error kinds recorded for failures that carry no classification of their own.
const (
	KindAborted      = "aborted"
	KindUnclassified = "unclassified"
)

// ErrInvalidRequest is returned by Submit for a request that can never be
// admitted.
var ErrInvalidRequest = errors.New("invalid bot request")

// Config holds the engine's policy settings.
type Config struct {
	MaxConcurrent int
	MaxAttempts   int
	BackoffUnit   time.Duration
	DrainInterval time.Duration
}

// Request asks for a bot to join a meeting.
type Request struct {
	ID         string            `json:"id,omitempty"`
	Platform   string            `json:"platform,omitempty"`
	MeetingURL string            `json:"meeting_url"`
	BotName    string            `json:"bot_name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Admission is the outcome of Submit.
type Admission struct {
	Accepted bool                    `json:"accepted"`
	Reason   supervisor.RejectReason `json:"reason,omitempty"`
}

// runState is the engine's bookkeeping for one admitted run. It is created
// when a request is reserved and dropped once the run has been recorded as
// finished.
type runState struct {
	id         string
	platform   string
	meetingURL string
	botName    string
	metadata   map[string]string

	attempts atomic.Int32
	seq      atomic.Int32

	// Written by the job goroutine only.
	result bot.Result
}

// Engine turns bot requests into supervised jobs and records their history.
type Engine struct {
	store    store.Store
	registry *bot.Registry
	logger   *slog.Logger
	broker   *EventBroker
	exec     *retry.Executor
	sup      *supervisor.Supervisor

	ctx           context.Context
	cancel        context.CancelFunc
	drainInterval time.Duration

	mu   sync.Mutex
	runs map[string]*runState
}

// boundRunner runs jobs under the engine's context so Abort reaches them.
type boundRunner struct {
	ctx  context.Context
	exec *retry.Executor
}

func (r boundRunner) Run(_ context.Context, jobID string, task retry.Task) error {
	return r.exec.Run(r.ctx, jobID, task)
}

// NewEngine creates an engine with the given policy.
func NewEngine(cfg Config, s store.Store, reg *bot.Registry, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		broker:   NewEventBroker(),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*runState),

		drainInterval: cfg.DrainInterval,
	}
	if e.drainInterval <= 0 {
		e.drainInterval = supervisor.DefaultDrainInterval
	}

	e.exec = retry.NewExecutor(logger,
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithBackoffUnit(cfg.BackoffUnit),
		retry.WithHooks(retry.Hooks{
			OnAttempt: e.onAttempt,
			OnRetry:   e.onRetry,
			OnGiveUp:  e.onGiveUp,
		}),
	)

	sup, err := supervisor.New(cfg.MaxConcurrent, boundRunner{ctx: ctx, exec: e.exec}, logger,
		supervisor.WithDrainInterval(cfg.DrainInterval),
		supervisor.WithObserver(e),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create supervisor: %w", err)
	}
	e.sup = sup

	metrics.SetMaxConcurrent(sup.MaxConcurrent())
	metrics.SetActiveSource(sup.ActiveCount)
	metrics.SetShuttingDown(false)
	return e, nil
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Submit validates req and asks the supervisor to admit it. A refused
// admission is not an error; the Admission says why. The returned run is nil
// unless the request was accepted.
func (e *Engine) Submit(req Request) (*model.BotRun, Admission, error) {
	if req.MeetingURL == "" {
		metrics.ObserveAdmission(metrics.AdmissionInvalid)
		return nil, Admission{Reason: supervisor.RejectInvalid}, fmt.Errorf("%w: meeting_url is required", ErrInvalidRequest)
	}
	b, platform, err := e.registry.Resolve(req.Platform, req.MeetingURL)
	if err != nil {
		metrics.ObserveAdmission(metrics.AdmissionInvalid)
		return nil, Admission{Reason: supervisor.RejectInvalid}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := req.ID
	if id == "" {
		id = model.NewID()
	} else if err := model.ValidateID(id); err != nil {
		metrics.ObserveAdmission(metrics.AdmissionInvalid)
		return nil, Admission{Reason: supervisor.RejectInvalid}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	st := &runState{
		id:         id,
		platform:   platform,
		meetingURL: req.MeetingURL,
		botName:    req.BotName,
	}

	// Reserve the id so a run that is still being recorded as finished cannot
	// be replaced underneath its observer callbacks.
	e.mu.Lock()
	if _, busy := e.runs[id]; busy {
		e.mu.Unlock()
		e.logger.Info("job rejected", "job_id", id, "reason", string(supervisor.RejectDuplicate))
		metrics.ObserveAdmission(metrics.AdmissionDuplicate)
		return nil, Admission{Reason: supervisor.RejectDuplicate}, nil
	}
	e.runs[id] = st
	e.mu.Unlock()

	md := maps.Clone(req.Metadata)
	if md == nil {
		md = make(map[string]string, 3)
	}
	md[model.MetaPlatform] = platform
	md[model.MetaMeetingURL] = req.MeetingURL
	if req.BotName != "" {
		md[model.MetaBotName] = req.BotName
	}
	st.metadata = md

	accepted, reason := e.sup.Admit(id, e.task(st, b), md)
	if !accepted {
		e.release(st)
		return nil, Admission{Reason: reason}, nil
	}

	now := time.Now().UTC()
	return &model.BotRun{
		ID:         id,
		Status:     model.StatusRunning,
		Platform:   platform,
		MeetingURL: req.MeetingURL,
		BotName:    req.BotName,
		Metadata:   md,
		CreatedAt:  now,
		StartedAt:  &now,
	}, Admission{Accepted: true}, nil
}

// task builds the job body: one bot join per attempt.
func (e *Engine) task(st *runState, b bot.Bot) retry.Task {
	return func(ctx context.Context) error {
		n := int(st.attempts.Add(1))
		if err := e.store.MarkAttempt(ctx, st.id, n); err != nil {
			e.logger.Error("failed to record attempt", "run_id", st.id, "attempt", n, "error", err)
		}
		e.emit(st, model.EventAttempt, fmt.Sprintf("attempt %d joining %s", n, st.platform))

		spec := bot.Spec{
			RunID:      st.id,
			Platform:   st.platform,
			MeetingURL: st.meetingURL,
			BotName:    st.botName,
			Metadata:   maps.Clone(st.metadata),
			Attempt:    n,
			EventWriter: func(line string) {
				e.emit(st, model.EventLog, line)
			},
		}

		res, err := b.Join(ctx, spec)
		if cerr := b.Cleanup(context.WithoutCancel(ctx), st.id); cerr != nil {
			e.logger.Warn("bot cleanup failed", "run_id", st.id, "attempt", n, "error", cerr)
		}
		if err != nil {
			return err
		}
		st.result = res
		return nil
	}
}

// emit persists an event and publishes it to live subscribers.
func (e *Engine) emit(st *runState, eventType, message string) {
	ev := model.Event{
		RunID:     st.id,
		Seq:       int(st.seq.Add(1)),
		Type:      eventType,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.InsertEvent(context.Background(), ev.RunID, ev.Seq, ev.Type, ev.Message); err != nil {
		e.logger.Error("failed to persist event", "run_id", ev.RunID, "seq", ev.Seq, "error", err)
	}
	e.broker.Publish(ev.RunID, ev)
}

func (e *Engine) lookup(id string) *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

func (e *Engine) release(st *runState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[st.id] == st {
		delete(e.runs, st.id)
	}
}

// JobStarted implements supervisor.Observer. It records the run before its
// first attempt begins.
func (e *Engine) JobStarted(job supervisor.Job) {
	st := e.lookup(job.ID)
	if st == nil {
		e.logger.Error("started job has no run state", "job_id", job.ID)
		return
	}

	e.broker.Open(job.ID)

	started := job.StartedAt.UTC()
	run := &model.BotRun{
		ID:         job.ID,
		Status:     model.StatusRunning,
		Platform:   st.platform,
		MeetingURL: st.meetingURL,
		BotName:    st.botName,
		Metadata:   job.Metadata,
		CreatedAt:  started,
		StartedAt:  &started,
	}
	if err := e.store.CreateRun(context.Background(), run); err != nil {
		e.logger.Error("failed to record run", "run_id", job.ID, "error", err)
	}

	e.emit(st, model.EventAdmitted, fmt.Sprintf("admitted (%d/%d active)", e.sup.ActiveCount(), e.sup.MaxConcurrent()))
	metrics.ObserveAdmission(metrics.AdmissionAccepted)
}

// JobFinished implements supervisor.Observer. It records the terminal outcome
// and closes the run's event stream.
func (e *Engine) JobFinished(job supervisor.Job, err error) {
	st := e.lookup(job.ID)
	if st == nil {
		e.logger.Error("finished job has no run state", "job_id", job.ID)
		return
	}
	defer e.release(st)
	defer e.broker.Close(job.ID)

	finished := time.Now().UTC()
	duration := finished.Sub(job.StartedAt)
	durationMS := int(duration.Milliseconds())

	run := &model.BotRun{
		ID:         job.ID,
		Status:     model.StatusCompleted,
		Attempts:   int(st.attempts.Load()),
		Recording:  st.result.Recording,
		DurationMS: &durationMS,
		FinishedAt: &finished,
	}
	if err != nil {
		run.Status = model.StatusFailed
		run.Error = err.Error()
		run.ErrorKind = errorKind(err)
	}

	if ferr := e.store.FinishRun(context.Background(), run); ferr != nil {
		e.logger.Error("failed to record run outcome", "run_id", job.ID, "status", run.Status, "error", ferr)
	}

	if err != nil {
		e.emit(st, model.EventFailed, fmt.Sprintf("failed after %d attempt(s): %s", run.Attempts, run.ErrorKind))
	} else {
		e.emit(st, model.EventCompleted, fmt.Sprintf("completed after %d attempt(s)", run.Attempts))
	}

	metrics.ObserveRun(st.platform, run.Status, duration.Seconds())
}

// JobRejected implements supervisor.Observer.
func (e *Engine) JobRejected(_ string, reason supervisor.RejectReason) {
	metrics.ObserveAdmission(string(reason))
}

func (e *Engine) onAttempt(a retry.Attempt) {
	if a.Err == nil {
		metrics.ObserveAttempt(metrics.AttemptSucceeded)
	}
}

func (e *Engine) onRetry(a retry.Attempt, delay time.Duration) {
	metrics.ObserveAttempt(metrics.AttemptRetried)
	if st := e.lookup(a.JobID); st != nil {
		e.emit(st, model.EventRetry, fmt.Sprintf("attempt %d failed: %v; retrying in %s", a.Number, a.Err, delay))
	}
}

func (e *Engine) onGiveUp(retry.Attempt, error) {
	metrics.ObserveAttempt(metrics.AttemptGaveUp)
}

// errorKind names a failure for the run record.
func errorKind(err error) string {
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	if c, ok := retry.ClassificationOf(err); ok && c.Kind != "" {
		return c.Kind
	}
	return KindUnclassified
}

// RequestShutdown closes admission. Running bots are not affected.
func (e *Engine) RequestShutdown() {
	e.sup.RequestShutdown()
	metrics.SetShuttingDown(true)
}

// WaitForCompletion blocks until every admitted run has finished or ctx ends.
func (e *Engine) WaitForCompletion(ctx context.Context) error {
	if err := e.sup.WaitForCompletion(ctx); err != nil {
		return err
	}

	// A job leaves the supervisor before its outcome is written.
	return poll.Wait(ctx, func() bool { return e.pending() == 0 }, e.drainInterval)
}

func (e *Engine) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Abort cancels every running attempt and pending backoff. It is meant for
// when a drain has run out of time.
func (e *Engine) Abort() {
	e.logger.Warn("aborting running bots", "active_jobs", e.sup.ActiveCount())
	e.cancel()
}

// ActiveCount returns the number of running bots.
func (e *Engine) ActiveCount() int { return e.sup.ActiveCount() }

// MaxConcurrent returns the configured capacity.
func (e *Engine) MaxConcurrent() int { return e.sup.MaxConcurrent() }

// IsFull reports whether no further bot can be admitted for lack of room.
func (e *Engine) IsFull() bool { return e.sup.IsFull() }

// IsShutdownRequested reports whether admission has been closed.
func (e *Engine) IsShutdownRequested() bool { return e.sup.IsShutdownRequested() }

// ActiveJobs returns a snapshot of the running jobs.
func (e *Engine) ActiveJobs() []supervisor.Job { return e.sup.ActiveJobs() }

// MaxAttempts returns the global attempt cap.
func (e *Engine) MaxAttempts() int { return e.exec.MaxAttempts() }

// BackoffUnit returns the linear backoff unit.
func (e *Engine) BackoffUnit() time.Duration { return e.exec.BackoffUnit() }
