// testserver starts a meetbot API server with simulated bots for E2E testing.
// Each bot waits in a simulated waiting room, then stays in the meeting for
// a fixed time.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/seantiz/meetbot/internal/api"
	"github.com/seantiz/meetbot/internal/bot"
	"github.com/seantiz/meetbot/internal/config"
	"github.com/seantiz/meetbot/internal/engine"
	"github.com/seantiz/meetbot/internal/model"
	"github.com/seantiz/meetbot/internal/poll"
	"github.com/seantiz/meetbot/internal/retry"
	"github.com/seantiz/meetbot/internal/store"
)

const (
	envStubAdmitAfter = "MEETBOT_STUB_ADMIT_AFTER"
	envStubMeeting    = "MEETBOT_STUB_MEETING"
)

// stubBot simulates a meeting bot. Meeting URLs whose path ends in
// "/denied" are refused by the host; "/flaky" fails its first attempt.
type stubBot struct {
	name       string
	platform   string
	admitAfter time.Duration
	meeting    time.Duration
}

func (s *stubBot) Join(ctx context.Context, spec bot.Spec) (bot.Result, error) {
	start := time.Now()
	spec.Emit(fmt.Sprintf("[%s] knocking as %q", s.name, spec.BotName))

	switch {
	case strings.HasSuffix(spec.MeetingURL, "/denied"):
		return bot.Result{}, retry.Permanent("admission_denied", errors.New("host denied entry"))
	case strings.HasSuffix(spec.MeetingURL, "/flaky") && spec.Attempt == 1:
		return bot.Result{}, retry.Transient("join_failed", 2, errors.New("browser crashed"))
	}

	admitted := poll.UntilContext(ctx, func() bool {
		return time.Since(start) >= s.admitAfter
	}, 10*time.Millisecond, s.admitAfter+time.Second)
	if !admitted {
		if ctx.Err() != nil {
			return bot.Result{}, ctx.Err()
		}
		return bot.Result{}, retry.Permanent("waiting_room_timeout", errors.New("not admitted"))
	}
	spec.Emit(fmt.Sprintf("[%s] admitted", s.name))

	select {
	case <-time.After(s.meeting):
	case <-ctx.Done():
		return bot.Result{}, ctx.Err()
	}
	spec.Emit(fmt.Sprintf("[%s] meeting ended", s.name))

	return bot.Result{
		DurationMS: int(time.Since(start).Milliseconds()),
		Recording:  "/tmp/recordings/" + spec.RunID + ".webm",
	}, nil
}

func (s *stubBot) Capabilities() bot.Capabilities {
	return bot.Capabilities{
		Name:           s.name,
		Platforms:      []string{s.platform},
		MaxConcurrency: 10,
	}
}

func (s *stubBot) Cleanup(_ context.Context, _ string) error { return nil }

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	admitAfter := durationEnv(envStubAdmitAfter, 100*time.Millisecond)
	meeting := durationEnv(envStubMeeting, 500*time.Millisecond)

	reg := bot.NewRegistry()
	for _, platform := range []string{model.PlatformGoogleMeet, model.PlatformTeams, model.PlatformZoom} {
		reg.Register(platform, &stubBot{
			name:       "stub-" + platform,
			platform:   platform,
			admitAfter: admitAfter,
			meeting:    meeting,
		})
	}

	eng, err := engine.NewEngine(engine.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxAttempts:   cfg.MaxAttempts,
		BackoffUnit:   cfg.BackoffUnit,
		DrainInterval: cfg.DrainInterval,
	}, db, reg, logger)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	srv := api.NewServer(api.Options{
		Addr:         cfg.ListenAddr,
		AdmitRPS:     cfg.AdmitRPS,
		DrainTimeout: cfg.DrainTimeout,
	}, db, reg, eng, logger)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
