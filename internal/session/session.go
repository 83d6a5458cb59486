// Package session wires the realtime pipeline of one client connection:
// ingest, transcription, aggregation, routing and hint generation.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/google/uuid"
)

// Session is the state of one start/stop cycle on a connection.
type Session struct {
	ID        string
	CreatedAt time.Time
	Stats     *Stats

	mu       sync.RWMutex
	settings domain.Settings
	state    domain.SessionState
}

func newSession(settings domain.Settings) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Stats:     newStats(),
		settings:  settings,
		state:     domain.SessionCreated,
	}
}

// Settings returns a snapshot of the client-controlled settings.
func (s *Session) Settings() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// HintsEnabled reports whether hints are currently produced.
func (s *Session) HintsEnabled() bool {
	return s.Settings().HintsEnabled
}

// State returns the lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state domain.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) apply(settings domain.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// Stats holds per-session counters and component states.
type Stats struct {
	mu         sync.Mutex
	streams    map[domain.Speaker]domain.StreamState
	generation domain.GenerationState

	Segments  atomic.Int64
	STTErrors atomic.Int64
}

func newStats() *Stats {
	st := &Stats{
		streams:    make(map[domain.Speaker]domain.StreamState, len(domain.Speakers)),
		generation: domain.GenerationIdle,
	}
	for _, sp := range domain.Speakers {
		st.streams[sp] = domain.StreamIdle
	}
	return st
}

// SetStream records the stream state of a channel.
func (st *Stats) SetStream(sp domain.Speaker, state domain.StreamState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.streams[sp] = state
}

// Stream returns the stream state of a channel.
func (st *Stats) Stream(sp domain.Speaker) domain.StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.streams[sp]
}

// SetGeneration records the generation state.
func (st *Stats) SetGeneration(state domain.GenerationState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.generation = state
}

// Generation returns the generation state.
func (st *Stats) Generation() domain.GenerationState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.generation
}

// StatsSnapshot is the JSON view of a session's counters.
type StatsSnapshot struct {
	Frames        map[domain.Speaker]int64              `json:"frames"`
	DroppedFrames map[domain.Speaker]int64              `json:"dropped_frames"`
	Streams       map[domain.Speaker]domain.StreamState `json:"streams"`
	Generation    domain.GenerationState                `json:"llm_state"`
	Segments      int64                                 `json:"transcript_segments"`
	Hints         int64                                 `json:"hints_generated"`
	STTErrors     int64                                 `json:"stt_errors"`
	LLMErrors     int64                                 `json:"llm_errors"`
}
