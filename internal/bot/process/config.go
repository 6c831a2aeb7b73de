package process

import (
	"time"

	"github.com/seantiz/meetbot/internal/model"
)

// Config holds configuration for the external recorder bot.
type Config struct {
	// Command is the recorder executable. It is started once per attempt.
	Command string

	// Args are passed to Command unchanged.
	Args []string

	// AdmissionTimeout bounds how long the recorder may sit in a waiting
	// room before the attempt is abandoned.
	AdmissionTimeout time.Duration

	// AdmissionPollInterval is how often admission is checked.
	AdmissionPollInterval time.Duration

	// StopGrace is how long a recorder gets to exit after SIGTERM.
	StopGrace time.Duration

	// Platforms lists the meeting platforms the recorder can join.
	Platforms []string

	// MaxConcurrency is reported in Capabilities.
	MaxConcurrency int
}

// withDefaults fills zero fields with defaults.
func (c Config) withDefaults() Config {
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = DefaultAdmissionTimeout
	}
	if c.AdmissionPollInterval <= 0 {
		c.AdmissionPollInterval = DefaultAdmissionPollInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if len(c.Platforms) == 0 {
		c.Platforms = []string{model.PlatformGoogleMeet, model.PlatformTeams, model.PlatformZoom}
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	return c
}
