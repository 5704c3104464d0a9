package audio

import "time"

// Mode selects who is responsible for activating the platform audio session.
type Mode int

const (
	// ModeVideoChat is the default: the device activates the platform
	// session around its own start and stop.
	ModeVideoChat Mode = iota

	// ModeCallingServices hands activation to an external calling-service
	// integration, which reports it through [SessionManager].
	ModeCallingServices
)

// String returns "video_chat" or "calling_services".
func (m Mode) String() string {
	switch m {
	case ModeVideoChat:
		return "video_chat"
	case ModeCallingServices:
		return "calling_services"
	default:
		return "unknown"
	}
}

// ParseMode parses the names produced by [Mode.String].
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "", "video_chat":
		return ModeVideoChat, true
	case "calling_services":
		return ModeCallingServices, true
	default:
		return 0, false
	}
}

// Session categories and modes understood by [PlatformSession]
// implementations. They name the behaviour, not a specific platform API.
const (
	CategoryPlayAndRecord = "play_and_record"

	SessionModeVoiceChat = "voice_chat"
	SessionModeVideoChat = "video_chat"
)

// SessionConfig is the configuration a device applies to a platform session
// before a call.
type SessionConfig struct {
	Category string
	// Mode is the platform audio mode. Empty means [SessionModeVoiceChat].
	Mode                string
	PreferredSampleRate int
	IOBufferDuration    time.Duration
	InputChannels       int
	AllowBluetooth      bool
	DefaultToSpeaker    bool
}

// PlatformSession is the externally owned platform audio session. Devices
// configure it and, in [ModeVideoChat], toggle it active; they never create
// it.
type PlatformSession interface {
	// Config returns the configuration currently applied.
	Config() SessionConfig
	Configure(cfg SessionConfig) error
	SetActive(active bool) error
}

// SessionManager is an optional capability of a [Device] that lets a
// calling-service integration coordinate activation of the platform audio
// session. Registries discover it with a type assertion.
//
// The notification methods may be called from any goroutine.
type SessionManager interface {
	// EnableCallingServicesMode switches the device to
	// [ModeCallingServices]. Call it before any call starts.
	EnableCallingServicesMode()

	// PreconfigureAudioSessionForCall applies call-appropriate category and
	// routing settings without activating the session. An empty mode selects
	// [SessionModeVoiceChat].
	PreconfigureAudioSessionForCall(mode string) error

	// AudioSessionDidActivate reports that the external integration
	// activated the session. No-op in [ModeVideoChat].
	AudioSessionDidActivate(s PlatformSession)

	// AudioSessionDidDeactivate reports that the session was deactivated.
	// No-op in [ModeVideoChat].
	AudioSessionDidDeactivate(s PlatformSession)
}
