// Package domain holds the types shared by the engine, its components and the
// transport layer.
package domain

import (
	"fmt"
	"strings"
)

// Speaker identifies an audio channel and the person speaking on it.
type Speaker string

const (
	// SpeakerSelf is the local microphone.
	SpeakerSelf Speaker = "SELF"
	// SpeakerOther is the remote party (system audio).
	SpeakerOther Speaker = "OTHER"
)

// Speakers is the fixed set of channels a session ingests.
var Speakers = []Speaker{SpeakerSelf, SpeakerOther}

// Valid reports whether s is one of the known channels.
func (s Speaker) Valid() bool {
	return s == SpeakerSelf || s == SpeakerOther
}

// SpeakerFromID maps the channel byte of a binary frame to a speaker.
func SpeakerFromID(id byte) (Speaker, error) {
	switch id {
	case 0:
		return SpeakerSelf, nil
	case 1:
		return SpeakerOther, nil
	default:
		return "", fmt.Errorf("%w: unknown channel id %d", ErrTransport, id)
	}
}

// Mode names a hint mode.
type Mode string

const (
	ModeInterview   Mode = "interview"
	ModeMeeting     Mode = "meeting"
	ModeTranslation Mode = "translation"
)

// ParseMode normalizes a mode name received from a client. The long
// "*_assistant" names are accepted as aliases.
func ParseMode(s string) Mode {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "_assistant")
	return Mode(s)
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionActive  SessionState = "active"
	SessionStopped SessionState = "stopped"
)

// StreamState is the state of one channel's transcription stream.
type StreamState string

const (
	StreamIdle       StreamState = "idle"
	StreamConnecting StreamState = "connecting"
	StreamActive     StreamState = "active"
	StreamError      StreamState = "error"
)

// GenerationState is the state of hint generation for a session.
type GenerationState string

const (
	GenerationIdle       GenerationState = "idle"
	GenerationGenerating GenerationState = "generating"
	GenerationError      GenerationState = "error"
)

// Settings are the client-controlled knobs of a session. They survive a
// stop/start cycle on the same connection.
type Settings struct {
	Mode         Mode
	HintsEnabled bool
	CustomPrompt string
	Workspace    string
}

// DefaultSettings returns the settings a new connection starts with.
func DefaultSettings() Settings {
	return Settings{
		Mode:         ModeInterview,
		HintsEnabled: true,
	}
}
