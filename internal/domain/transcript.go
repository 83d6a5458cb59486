package domain

import "time"

// TranscriptKind distinguishes partial from final transcription events.
type TranscriptKind int

const (
	TranscriptDeltaKind TranscriptKind = iota
	TranscriptCompletedKind
)

// TranscriptEvent is produced by a channel's stream manager. For a delta,
// Text is the new fragment; for a completion, it is the full utterance.
type TranscriptEvent struct {
	Kind      TranscriptKind
	Speaker   Speaker
	SegmentID string
	Text      string
	Timestamp time.Time
}

// Trigger records which rule released a chunk.
type Trigger string

const (
	TriggerCompleted  Trigger = "completed"
	TriggerInactivity Trigger = "inactivity"
	TriggerWordCount  Trigger = "word_count"
)

// TextChunk is a stable slice of transcript handed to the mode router.
// Text is the part released by this trigger; Utterance is everything the
// segment has released so far, Text included.
type TextChunk struct {
	Speaker       Speaker
	SegmentID     string
	Text          string
	Utterance     string
	Trigger       Trigger
	LocalContext  string
	GlobalContext string
	Timestamp     time.Time
}

// FullText returns the utterance when known, otherwise the chunk text.
func (c TextChunk) FullText() string {
	if c.Utterance != "" {
		return c.Utterance
	}
	return c.Text
}

// Role is the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the ordered list sent to the hint generator.
type Message struct {
	Role    Role
	Content string
}
