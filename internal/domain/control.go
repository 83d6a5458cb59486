package domain

import (
	"encoding/json"
	"fmt"
)

// Control message types sent by the client.
const (
	ControlStartSession = "start_session"
	ControlStopSession  = "stop_session"
	ControlPauseHints   = "pause_hints"
	ControlResumeHints  = "resume_hints"
	ControlSetMode      = "set_mode"
	ControlSetPrompt    = "set_prompt"
	ControlSetKnowledge = "set_knowledge"
	ControlPing         = "ping"
)

// ControlMessage is the union of all inbound JSON messages.
type ControlMessage struct {
	Type      string `json:"type"`
	Mode      string `json:"mode,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Text      string `json:"text,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// PromptText returns the custom prompt, accepting either field name.
func (m ControlMessage) PromptText() string {
	if m.Prompt != "" {
		return m.Prompt
	}
	return m.Text
}

// ParseControl decodes and validates a text frame.
func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: invalid JSON: %v", ErrTransport, err)
	}
	switch msg.Type {
	case ControlStartSession, ControlStopSession, ControlPauseHints, ControlResumeHints,
		ControlSetPrompt, ControlSetKnowledge, ControlPing:
		return msg, nil
	case ControlSetMode:
		if msg.Mode == "" {
			return ControlMessage{}, fmt.Errorf("%w: set_mode requires mode", ErrTransport)
		}
		return msg, nil
	default:
		return ControlMessage{}, fmt.Errorf("%w: unknown message type %q", ErrTransport, msg.Type)
	}
}
