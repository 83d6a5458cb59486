// Package hint schedules and streams hint generations. At most one
// generation is active per session; newer requests either preempt it or
// wait in a single queued slot.
package hint

import (
	"context"
	"iter"
	"time"

	"github.com/ashureev/hintline/internal/domain"
)

// Policy decides what happens to a request that arrives while another
// generation is active.
type Policy int

const (
	// PolicyPreempt cancels the active generation and starts the new one.
	PolicyPreempt Policy = iota
	// PolicyLatestWins keeps the active generation and replaces any queued
	// request with the new one.
	PolicyLatestWins
)

func (p Policy) String() string {
	switch p {
	case PolicyPreempt:
		return "preempt"
	case PolicyLatestWins:
		return "latest_wins"
	default:
		return "unknown"
	}
}

// Request is a prompt ready for generation.
type Request struct {
	Mode      domain.Mode
	Policy    Policy
	Messages  []domain.Message
	SegmentID string
}

// Hint is a generated suggestion.
type Hint struct {
	ID        string      `json:"hint_id"`
	Mode      domain.Mode `json:"mode"`
	Text      string      `json:"text"`
	Complete  bool        `json:"complete"`
	CreatedAt time.Time   `json:"created_at"`
}

// Generator streams completion tokens for a request. The sequence ends when
// the model is done, on the first error, or when ctx is cancelled.
type Generator interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}
