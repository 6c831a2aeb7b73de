// Package process implements a meeting bot that drives an external recorder
// executable, one process per join attempt.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/seantiz/meetbot/internal/bot"
	"github.com/seantiz/meetbot/internal/poll"
	"github.com/seantiz/meetbot/internal/retry"
)

// stopPollInterval is how often Cleanup checks whether a stopped recorder
// has exited.
const stopPollInterval = 50 * time.Millisecond

// recorder tracks a running recorder process.
type recorder struct {
	pid    int
	exited chan struct{}
}

func (r *recorder) alive() bool {
	select {
	case <-r.exited:
		return false
	default:
		return true
	}
}

// Bot implements bot.Bot by running Config.Command for each attempt.
type Bot struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*recorder // runID → recorder
}

// Compile-time interface satisfaction check.
var _ bot.Bot = (*Bot)(nil)

// New creates a recorder bot.
func New(cfg Config, logger *slog.Logger) (*Bot, error) {
	if cfg.Command == "" {
		return nil, errors.New("process bot: command is required")
	}
	return &Bot{
		cfg:    cfg.withDefaults(),
		logger: logger,
		active: make(map[string]*recorder),
	}, nil
}

// Join starts the recorder, waits for it to be admitted within the admission
// timeout, then waits for it to leave the meeting.
func (b *Bot) Join(ctx context.Context, spec bot.Spec) (bot.Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, b.cfg.Command, b.cfg.Args...)
	cmd.Env = append(os.Environ(),
		"MEETBOT_RUN_ID="+spec.RunID,
		"MEETBOT_MEETING_URL="+spec.MeetingURL,
		"MEETBOT_PLATFORM="+spec.Platform,
		"MEETBOT_BOT_NAME="+spec.BotName,
		"MEETBOT_ATTEMPT="+strconv.Itoa(spec.Attempt),
	)
	if len(spec.Metadata) > 0 {
		md, err := json.Marshal(spec.Metadata)
		if err != nil {
			return bot.Result{}, retry.Permanent(KindLaunchFailed, fmt.Errorf("encode metadata: %w", err))
		}
		cmd.Env = append(cmd.Env, "MEETBOT_METADATA="+string(md))
	}
	// The recorder gets its own process group so signals reach anything it
	// spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return bot.Result{}, fmt.Errorf("recorder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return bot.Result{}, retry.Permanent(KindLaunchFailed, fmt.Errorf("start recorder: %w", err))
	}

	rec := &recorder{pid: cmd.Process.Pid, exited: make(chan struct{})}
	b.track(spec.RunID, rec)
	defer b.untrack(spec.RunID, rec)

	b.logger.Info("recorder started",
		"run_id", spec.RunID,
		"platform", spec.Platform,
		"attempt", spec.Attempt,
		"pid", rec.pid,
	)

	var (
		admitted  atomic.Bool
		recording string
		waitErr   error
	)
	go func() {
		defer close(rec.exited)
		err := readLines(stdout, MaxLineBytes, func(line string) {
			switch {
			case line == LineAdmitted:
				admitted.Store(true)
			case strings.HasPrefix(line, LineRecordingPrefix):
				recording = strings.TrimSpace(strings.TrimPrefix(line, LineRecordingPrefix))
			}
			spec.Emit(line)
		})
		if err != nil {
			b.logger.Warn("recorder output unreadable", "run_id", spec.RunID, "error", err)
		}
		// The recorder must never block on a full pipe, or Wait never returns.
		_, _ = io.Copy(io.Discard, stdout)
		waitErr = cmd.Wait()
	}()

	resolved := poll.UntilContext(ctx, func() bool {
		return admitted.Load() || !rec.alive()
	}, b.cfg.AdmissionPollInterval, b.cfg.AdmissionTimeout)

	if !resolved {
		if ctx.Err() == nil {
			b.logger.Warn("recorder not admitted in time",
				"run_id", spec.RunID,
				"timeout", b.cfg.AdmissionTimeout.String(),
			)
			if err := signalGroup(rec.pid, syscall.SIGKILL); err != nil {
				b.logger.Debug("kill recorder failed", "run_id", spec.RunID, "error", err)
			}
		}
		<-rec.exited
		if ctx.Err() != nil {
			recorderExits.WithLabelValues(exitInterrupted).Inc()
			return bot.Result{}, fmt.Errorf("recorder interrupted: %w", ctx.Err())
		}
		recorderExits.WithLabelValues(exitTimeout).Inc()
		return bot.Result{}, retry.Permanent(KindWaitingRoomTimeout,
			fmt.Errorf("not admitted within %s", b.cfg.AdmissionTimeout))
	}

	if admitted.Load() {
		admissionWait.Observe(time.Since(start).Seconds())
		b.logger.Info("recorder admitted", "run_id", spec.RunID, "wait_ms", time.Since(start).Milliseconds())
	}

	<-rec.exited
	duration := time.Since(start)

	if ctx.Err() != nil {
		recorderExits.WithLabelValues(exitInterrupted).Inc()
		return bot.Result{}, fmt.Errorf("recorder interrupted: %w", ctx.Err())
	}
	if waitErr != nil {
		err := classifyExit(waitErr)
		if _, ok := retry.ClassificationOf(err); ok {
			recorderExits.WithLabelValues(exitClassified).Inc()
		} else {
			recorderExits.WithLabelValues(exitUnexpected).Inc()
		}
		return bot.Result{}, err
	}
	if !admitted.Load() {
		recorderExits.WithLabelValues(exitUnexpected).Inc()
		return bot.Result{}, errors.New("recorder exited before admission")
	}

	recorderExits.WithLabelValues(exitCompleted).Inc()
	b.logger.Info("recorder finished",
		"run_id", spec.RunID,
		"duration_ms", duration.Milliseconds(),
		"recording", recording,
	)

	return bot.Result{
		DurationMS: int(duration.Milliseconds()),
		Recording:  recording,
	}, nil
}

// readLines calls fn for every line read from r. Lines longer than limit bytes
// are truncated; the remainder of such a line is skipped. It returns nil at
// EOF.
func readLines(r io.Reader, limit int, fn func(string)) error {
	br := bufio.NewReader(r)
	var buf []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 && len(buf) < limit {
			buf = append(buf, chunk[:min(len(chunk), limit-len(buf))]...)
		}
		if err != nil {
			if len(buf) > 0 {
				fn(string(buf))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !isPrefix {
			fn(string(buf))
			buf = buf[:0]
		}
	}
}

// classifyExit maps recorder exit codes to retry classifications.
func classifyExit(err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("recorder: %w", err)
	}
	switch exitErr.ExitCode() {
	case ExitMeetingNotFound:
		return retry.Permanent(KindMeetingNotFound, fmt.Errorf("recorder: meeting not found: %w", err))
	case ExitAdmissionDenied:
		return retry.Permanent(KindAdmissionDenied, fmt.Errorf("recorder: admission denied: %w", err))
	case ExitJoinFailed:
		return retry.Transient(KindJoinFailed, JoinFailedMaxRetries, fmt.Errorf("recorder: join failed: %w", err))
	}
	return fmt.Errorf("recorder exited: %w", err)
}

// Capabilities reports what this bot supports.
func (b *Bot) Capabilities() bot.Capabilities {
	return bot.Capabilities{
		Name:           BotName,
		Platforms:      b.cfg.Platforms,
		MaxConcurrency: b.cfg.MaxConcurrency,
	}
}

// Cleanup stops the recorder for runID if one is still running: SIGTERM
// first, SIGKILL once the grace period has passed.
func (b *Bot) Cleanup(_ context.Context, runID string) error {
	b.mu.Lock()
	rec, ok := b.active[runID]
	b.mu.Unlock()
	if !ok || !rec.alive() {
		return nil
	}

	if err := signalGroup(rec.pid, syscall.SIGTERM); err != nil {
		b.logger.Debug("terminate recorder failed", "run_id", runID, "error", err)
	}
	if poll.Until(func() bool { return !rec.alive() }, stopPollInterval, b.cfg.StopGrace) {
		return nil
	}

	b.logger.Warn("recorder ignored SIGTERM, killing", "run_id", runID, "grace", b.cfg.StopGrace.String())
	if err := signalGroup(rec.pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill recorder %s: %w", runID, err)
	}
	return nil
}

// Shutdown stops every recorder still running.
func (b *Bot) Shutdown(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.Cleanup(ctx, id); err != nil {
			b.logger.Error("shutdown cleanup failed", "run_id", id, "error", err)
		}
	}
}

func (b *Bot) track(runID string, rec *recorder) {
	b.mu.Lock()
	b.active[runID] = rec
	b.mu.Unlock()
	activeRecorders.Inc()
}

func (b *Bot) untrack(runID string, rec *recorder) {
	b.mu.Lock()
	if b.active[runID] == rec {
		delete(b.active, runID)
	}
	b.mu.Unlock()
	activeRecorders.Dec()
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
