// Package shutdown sequences a graceful stop: close admission first, then
// wait for in-flight jobs to drain.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Target is the job registry being shut down.
type Target interface {
	RequestShutdown()
	WaitForCompletion(ctx context.Context) error
	ActiveCount() int
}

// Notifier reports service state to a process manager.
type Notifier interface {
	Notify(state string) error
}

// SystemdNotifier sends sd_notify messages. Outside systemd it does nothing.
type SystemdNotifier struct{}

// Notify implements Notifier.
func (SystemdNotifier) Notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier replaces the default systemd notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// Coordinator turns a shutdown signal into "stop admitting, then drain".
type Coordinator struct {
	target   Target
	logger   *slog.Logger
	notifier Notifier

	once  sync.Once
	drain *Drain
}

// NewCoordinator creates a coordinator for target.
func NewCoordinator(target Target, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		target:   target,
		logger:   logger,
		notifier: SystemdNotifier{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ready tells the process manager the service is up.
func (c *Coordinator) Ready() {
	c.notify(daemon.SdNotifyReady)
}

// BeginShutdown closes admission and returns the handle used to drain.
// Later calls return the same handle without repeating the request.
func (c *Coordinator) BeginShutdown() *Drain {
	c.once.Do(func() {
		c.target.RequestShutdown()
		c.logger.Info("shutdown: admission closed", "active_jobs", c.target.ActiveCount())
		c.notify(daemon.SdNotifyStopping)
		c.drain = &Drain{target: c.target, logger: c.logger}
	})
	return c.drain
}

func (c *Coordinator) notify(state string) {
	if err := c.notifier.Notify(state); err != nil {
		c.logger.Warn("service manager notify failed", "state", state, "error", err)
	}
}

// Drain waits for admitted jobs to finish.
type Drain struct {
	target Target
	logger *slog.Logger
}

// Drain blocks until the target has no jobs in flight or ctx ends. The target
// itself imposes no deadline, so callers that need a bound pass one in ctx.
func (d *Drain) Drain(ctx context.Context) error {
	start := time.Now()
	d.logger.Info("shutdown: draining", "active_jobs", d.target.ActiveCount())

	if err := d.target.WaitForCompletion(ctx); err != nil {
		d.logger.Warn("shutdown: drain interrupted",
			"active_jobs", d.target.ActiveCount(),
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return fmt.Errorf("drain: %w", err)
	}

	d.logger.Info("shutdown: drained", "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}
