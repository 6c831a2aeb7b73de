package bot

import "context"

// Bot joins a meeting and records it until the meeting ends.
type Bot interface {
	// Join performs one attempt at joining the meeting described by spec. It
	// returns once the bot has left the meeting or the attempt has failed.
	// Failures may be classified with retry.Permanent or retry.Transient.
	Join(ctx context.Context, spec Spec) (Result, error)

	// Capabilities reports which platforms this bot can join.
	Capabilities() Capabilities

	// Cleanup releases anything a failed or finished attempt left behind.
	Cleanup(ctx context.Context, runID string) error
}

// Spec describes one join attempt.
type Spec struct {
	RunID      string            `json:"run_id"`
	Platform   string            `json:"platform"`
	MeetingURL string            `json:"meeting_url"`
	BotName    string            `json:"bot_name"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`

	// EventWriter is an optional callback that bots invoke to emit progress
	// lines. Each call delivers one line to connected event subscribers.
	EventWriter func(line string) `json:"-"`
}

// Emit forwards line to EventWriter, if one is set.
func (s Spec) Emit(line string) {
	if s.EventWriter != nil {
		s.EventWriter(line)
	}
}

// Result holds what a bot produced after leaving a meeting.
type Result struct {
	DurationMS int    `json:"duration_ms"`
	Recording  string `json:"recording,omitempty"`
}

// Capabilities describes what a bot supports.
type Capabilities struct {
	Name           string   `json:"name"`
	Platforms      []string `json:"platforms"`
	MaxConcurrency int      `json:"max_concurrency"`
}
