package process

import "time"

// BotName is the name reported in Capabilities.
const BotName = "process"

// Lines a recorder writes to stdout to report progress. Any other line is
// forwarded to event subscribers verbatim.
const (
	// LineAdmitted reports that the bot has left the waiting room.
	LineAdmitted = "STATUS admitted"

	// LineRecordingPrefix precedes the location of the finished recording.
	LineRecordingPrefix = "RECORDING "
)

// MaxLineBytes caps a single recorder output line. Longer lines are cut
// to this size and the rest of the line is discarded.
const MaxLineBytes = 16 << 10

// Recorder exit codes with a defined meaning.
const (
	ExitMeetingNotFound = 10
	ExitAdmissionDenied = 11
	ExitJoinFailed      = 12
)

// Failure kinds reported through retry classifications.
const (
	KindWaitingRoomTimeout = "waiting_room_timeout"
	KindMeetingNotFound    = "meeting_not_found"
	KindAdmissionDenied    = "admission_denied"
	KindJoinFailed         = "join_failed"
	KindLaunchFailed       = "launch_failed"
)

// JoinFailedMaxRetries is the total attempt budget for a failed join.
const JoinFailedMaxRetries = 2

// Defaults.
const (
	DefaultAdmissionTimeout      = 10 * time.Minute
	DefaultAdmissionPollInterval = time.Second
	DefaultStopGrace             = 10 * time.Second
	DefaultMaxConcurrency        = 3
)
