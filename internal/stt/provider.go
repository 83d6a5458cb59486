// Package stt manages the per-channel streaming connections to the
// speech-to-text provider.
package stt

import "context"

// EventKind classifies a provider event.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventSpeechStarted
	EventSpeechStopped
	EventDelta
	EventCompleted
	EventError
)

// ProviderEvent is one decoded message from the provider.
type ProviderEvent struct {
	Kind   EventKind
	Text   string
	ItemID string
	// Message is set for EventError.
	Message string
}

// Conn is one live provider stream. SendAudio and Recv may be called from
// different goroutines; Recv must not be called concurrently with itself.
type Conn interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Recv(ctx context.Context) (ProviderEvent, error)
	Ping(ctx context.Context) error
	Close() error
}

// Provider opens provider streams.
type Provider interface {
	Connect(ctx context.Context) (Conn, error)
	// SampleRate is the PCM rate the provider expects.
	SampleRate() int
}
