package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// fakeTarget records the order of calls made by the coordinator.
type fakeTarget struct {
	mu       sync.Mutex
	calls    []string
	active   int
	waitErr  error
	waitHook func(ctx context.Context) error
}

func (f *fakeTarget) RequestShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "request")
}

func (f *fakeTarget) WaitForCompletion(ctx context.Context) error {
	f.mu.Lock()
	f.calls = append(f.calls, "wait")
	hook := f.waitHook
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return f.waitErr
}

func (f *fakeTarget) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeTarget) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingNotifier struct {
	states []string
	err    error
}

func (n *recordingNotifier) Notify(state string) error {
	n.states = append(n.states, state)
	return n.err
}

func newTestCoordinator(target Target, n Notifier) *Coordinator {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewCoordinator(target, logger, WithNotifier(n))
}

func TestBeginShutdownRequestsBeforeDrain(t *testing.T) {
	target := &fakeTarget{}
	n := &recordingNotifier{}
	c := newTestCoordinator(target, n)

	d := c.BeginShutdown()
	if got := target.callLog(); len(got) != 1 || got[0] != "request" {
		t.Fatalf("calls after BeginShutdown = %v, want [request]", got)
	}

	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	got := target.callLog()
	if len(got) != 2 || got[0] != "request" || got[1] != "wait" {
		t.Errorf("calls = %v, want [request wait]", got)
	}
	if len(n.states) != 1 || n.states[0] != daemon.SdNotifyStopping {
		t.Errorf("notified %v, want [%s]", n.states, daemon.SdNotifyStopping)
	}
}

func TestBeginShutdownIsIdempotent(t *testing.T) {
	target := &fakeTarget{}
	c := newTestCoordinator(target, &recordingNotifier{})

	d1 := c.BeginShutdown()
	d2 := c.BeginShutdown()

	if d1 != d2 {
		t.Error("BeginShutdown returned different handles")
	}
	if got := target.callLog(); len(got) != 1 {
		t.Errorf("calls = %v, want a single request", got)
	}
}

func TestDrainPropagatesContextError(t *testing.T) {
	target := &fakeTarget{
		active: 2,
		waitHook: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	c := newTestCoordinator(target, &recordingNotifier{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.BeginShutdown().Drain(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain error = %v, want DeadlineExceeded", err)
	}
}

func TestReadyNotifies(t *testing.T) {
	n := &recordingNotifier{}
	c := newTestCoordinator(&fakeTarget{}, n)

	c.Ready()

	if len(n.states) != 1 || n.states[0] != daemon.SdNotifyReady {
		t.Errorf("notified %v, want [%s]", n.states, daemon.SdNotifyReady)
	}
}

func TestNotifyFailureDoesNotBlockShutdown(t *testing.T) {
	target := &fakeTarget{}
	c := newTestCoordinator(target, &recordingNotifier{err: errors.New("no socket")})

	if err := c.BeginShutdown().Drain(context.Background()); err != nil {
		t.Errorf("Drain: %v", err)
	}
}

func TestSystemdNotifierOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	if err := (SystemdNotifier{}).Notify(daemon.SdNotifyReady); err != nil {
		t.Errorf("Notify without NOTIFY_SOCKET: %v", err)
	}
}
