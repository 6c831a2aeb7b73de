package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Run status constants.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Meeting platform constants.
const (
	PlatformAuto       = "auto"
	PlatformGoogleMeet = "google_meet"
	PlatformZoom       = "zoom"
	PlatformTeams      = "teams"
)

// Metadata keys the engine attaches to every admitted job.
const (
	MetaPlatform   = "platform"
	MetaMeetingURL = "meeting_url"
	MetaBotName    = "bot_name"
)

// Event type constants.
const (
	EventAdmitted  = "admitted"
	EventAttempt   = "attempt"
	EventRetry     = "retry"
	EventLog       = "log"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final run status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// platformHosts maps meeting hostnames (or their suffixes) to platforms.
var platformHosts = []struct {
	suffix   string
	platform string
}{
	{"meet.google.com", PlatformGoogleMeet},
	{"zoom.us", PlatformZoom},
	{"zoomgov.com", PlatformZoom},
	{"teams.microsoft.com", PlatformTeams},
	{"teams.live.com", PlatformTeams},
}

// DetectPlatform infers the meeting platform from a meeting URL.
func DetectPlatform(meetingURL string) (string, error) {
	u, err := url.Parse(meetingURL)
	if err != nil {
		return "", fmt.Errorf("parse meeting url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("meeting url %q: unsupported scheme %q", meetingURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	for _, ph := range platformHosts {
		if host == ph.suffix || strings.HasSuffix(host, "."+ph.suffix) {
			return ph.platform, nil
		}
	}
	return "", fmt.Errorf("meeting url %q: unrecognized host %q", meetingURL, host)
}

// Event is a single lifecycle or log record of a bot run.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// BotRun is the recorded history of one admitted meeting bot job.
type BotRun struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Platform   string            `json:"platform"`
	MeetingURL string            `json:"meeting_url"`
	BotName    string            `json:"bot_name,omitempty"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	Recording  string            `json:"recording,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	DurationMS *int              `json:"duration_ms,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}
