package domain

import "time"

// Outbound event types.
const (
	EventTranscriptDelta     = "transcript_delta"
	EventTranscriptCompleted = "transcript_completed"
	EventHintToken           = "hint_token"
	EventHintCompleted       = "hint_completed"
	EventStatus              = "status"
	EventError               = "error"
	EventPong                = "pong"
)

// Event is a message written to the client. Each implementation carries its
// own JSON "type" field.
type Event interface {
	EventType() string
}

// TranscriptEventMessage is the wire form of a transcript delta or completion.
type TranscriptEventMessage struct {
	Type      string  `json:"type"`
	Speaker   Speaker `json:"speaker"`
	Text      string  `json:"text"`
	SegmentID string  `json:"segment_id"`
	Timestamp float64 `json:"timestamp"`
}

func (e TranscriptEventMessage) EventType() string { return e.Type }

// NewTranscriptMessage converts a stream event into its wire form.
func NewTranscriptMessage(ev TranscriptEvent) TranscriptEventMessage {
	typ := EventTranscriptDelta
	if ev.Kind == TranscriptCompletedKind {
		typ = EventTranscriptCompleted
	}
	return TranscriptEventMessage{
		Type:      typ,
		Speaker:   ev.Speaker,
		Text:      ev.Text,
		SegmentID: ev.SegmentID,
		Timestamp: unixSeconds(ev.Timestamp),
	}
}

// HintTokenMessage carries one streamed token of a hint.
type HintTokenMessage struct {
	Type   string `json:"type"`
	HintID string `json:"hint_id"`
	Token  string `json:"token"`
}

func (e HintTokenMessage) EventType() string { return e.Type }

// HintCompletedMessage carries the formatted hint.
type HintCompletedMessage struct {
	Type      string `json:"type"`
	HintID    string `json:"hint_id"`
	FinalText string `json:"final_text"`
	Mode      Mode   `json:"mode"`
}

func (e HintCompletedMessage) EventType() string { return e.Type }

// StatusMessage reports the session state to the client.
type StatusMessage struct {
	Type              string            `json:"type"`
	Connected         bool              `json:"connected"`
	SessionID         string            `json:"session_id,omitempty"`
	State             SessionState      `json:"state"`
	Mode              Mode              `json:"mode"`
	STTSelfState      StreamState       `json:"stt_self_state"`
	STTOtherState     StreamState       `json:"stt_other_state"`
	LLMState          GenerationState   `json:"llm_state"`
	DroppedFrameCount int64             `json:"dropped_frame_count"`
	DroppedFrames     map[Speaker]int64 `json:"dropped_frames"`
	HintsEnabled      bool              `json:"hints_enabled"`
}

func (e StatusMessage) EventType() string { return e.Type }

// ErrorMessage reports a non-fatal problem to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e ErrorMessage) EventType() string { return e.Type }

// NewErrorMessage builds an error event for err.
func NewErrorMessage(err error) ErrorMessage {
	return ErrorMessage{Type: EventError, Message: err.Error(), Code: ErrorCode(err)}
}

// PongMessage answers a client ping.
type PongMessage struct {
	Type string `json:"type"`
}

func (e PongMessage) EventType() string { return e.Type }

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
