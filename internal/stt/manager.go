package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/ingest"
	"github.com/ashureev/hintline/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// FrameSource is the pull side of a channel queue.
type FrameSource interface {
	Pop(ctx context.Context) ([]byte, error)
	Discard() int
}

// Config holds the reconnect and watchdog policy of a Manager.
type Config struct {
	// InputSampleRate is the rate of frames coming from the client.
	InputSampleRate int
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	// MaxAttempts bounds consecutive failed reconnects. Zero retries forever.
	MaxAttempts  int
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// DefaultConfig returns the default stream policy.
func DefaultConfig() Config {
	return Config{
		InputSampleRate: 16000,
		ReconnectBase:   500 * time.Millisecond,
		ReconnectMax:    10 * time.Second,
		PingInterval:    15 * time.Second,
		PingTimeout:     5 * time.Second,
	}
}

// Manager owns the provider stream of one channel. It forwards queued audio,
// turns provider events into transcript events and reconnects with bounded
// exponential backoff when the stream drops.
type Manager struct {
	speaker  domain.Speaker
	provider Provider
	source   FrameSource
	out      chan<- domain.TranscriptEvent
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	state    domain.StreamState
	onState  func(domain.Speaker, domain.StreamState)
	newID    func() string
	now      func() time.Time
	errCount atomic.Int64

	// segmentID and items are only touched by the receive loop. items maps
	// provider item IDs to segment IDs so a completion that arrives after
	// the next utterance started still lands on its own segment.
	segmentID string
	items     map[string]string
}

// maxOpenItems bounds items whose completion never arrived.
const maxOpenItems = 64

// NewManager creates a manager for one channel.
func NewManager(speaker domain.Speaker, provider Provider, source FrameSource, out chan<- domain.TranscriptEvent, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = def.InputSampleRate
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = max(def.ReconnectMax, cfg.ReconnectBase)
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	return &Manager{
		speaker:  speaker,
		provider: provider,
		source:   source,
		out:      out,
		cfg:      cfg,
		logger:   logger.With("speaker", speaker),
		state:    domain.StreamIdle,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// OnStateChange registers a callback invoked on every state transition.
// It must be set before Run.
func (m *Manager) OnStateChange(fn func(domain.Speaker, domain.StreamState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// State returns the current stream state.
func (m *Manager) State() domain.StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Errors returns how many error events the provider reported.
func (m *Manager) Errors() int64 {
	return m.errCount.Load()
}

// Run connects and serves the stream until ctx is cancelled. It returns an
// error wrapping domain.ErrStreamDisconnected only when MaxAttempts is
// exhausted; cancellation returns nil.
func (m *Manager) Run(ctx context.Context) error {
	err := m.run(ctx)
	if err == nil {
		m.setState(domain.StreamIdle)
	}
	return err
}

func (m *Manager) run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		m.setState(domain.StreamConnecting)
		conn, err := m.provider.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			m.setState(domain.StreamError)
			m.logger.Warn("[STT] Connect failed", "attempt", attempt, "error", err)
			if m.cfg.MaxAttempts > 0 && attempt >= m.cfg.MaxAttempts {
				return fmt.Errorf("%w: %s gave up after %d attempts: %v", domain.ErrStreamDisconnected, m.speaker, attempt, err)
			}
			if !m.backoff(ctx, attempt) {
				return nil
			}
			continue
		}

		attempt = 0
		m.segmentID = ""
		m.items = make(map[string]string)
		m.setState(domain.StreamActive)
		m.logger.Info("[STT] Stream connected")

		err = m.serve(ctx, conn)
		if closeErr := conn.Close(); closeErr != nil {
			m.logger.Debug("[STT] Failed to close stream", "error", closeErr)
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		m.setState(domain.StreamError)
		m.logger.Warn("[STT] Stream lost, reconnecting", "error", err, "attempt", attempt)
		if m.cfg.MaxAttempts > 0 && attempt >= m.cfg.MaxAttempts {
			return fmt.Errorf("%w: %s gave up after %d attempts: %v", domain.ErrStreamDisconnected, m.speaker, attempt, err)
		}
		if !m.backoff(ctx, attempt) {
			return nil
		}
	}
}

// backoff waits before the next attempt and discards audio queued during the
// outage. It returns false if ctx was cancelled.
func (m *Manager) backoff(ctx context.Context, attempt int) bool {
	m.discardOutage()

	delay := m.cfg.ReconnectBase * time.Duration(1<<min(attempt-1, 16))
	if delay > m.cfg.ReconnectMax {
		delay = m.cfg.ReconnectMax
	}
	metrics.STTReconnects.WithLabelValues(string(m.speaker)).Inc()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	m.discardOutage()
	return true
}

func (m *Manager) discardOutage() {
	if n := m.source.Discard(); n > 0 {
		metrics.FramesDropped.WithLabelValues(string(m.speaker), "outage").Add(float64(n))
		m.logger.Debug("[STT] Discarded audio queued during outage", "frames", n)
	}
}

func (m *Manager) serve(ctx context.Context, conn Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.sendLoop(gctx, conn)
	})
	g.Go(func() error {
		return m.recvLoop(gctx, conn)
	})
	if m.cfg.PingInterval > 0 {
		g.Go(func() error {
			return m.watchdog(gctx, conn)
		})
	}

	return g.Wait()
}

func (m *Manager) sendLoop(ctx context.Context, conn Conn) error {
	rate := m.provider.SampleRate()
	for {
		frame, err := m.source.Pop(ctx)
		if err != nil {
			if errors.Is(err, ingest.ErrQueueClosed) {
				// Ingest stopped; keep receiving until the session cancels us.
				return nil
			}
			return err
		}
		pcm := Resample(frame, m.cfg.InputSampleRate, rate)
		if err := conn.SendAudio(ctx, pcm); err != nil {
			return fmt.Errorf("%w: send audio: %v", domain.ErrStreamDisconnected, err)
		}
	}
}

func (m *Manager) recvLoop(ctx context.Context, conn Conn) error {
	for {
		ev, err := conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("%w: receive: %v", domain.ErrStreamDisconnected, err)
		}
		if err := m.handle(ctx, ev); err != nil {
			return err
		}
	}
}

func (m *Manager) watchdog(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("%w: ping: %v", domain.ErrStreamDisconnected, err)
			}
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev ProviderEvent) error {
	switch ev.Kind {
	case EventSpeechStarted:
		m.segmentID = m.newID()
		if ev.ItemID != "" {
			m.track(ev.ItemID, m.segmentID)
		}
		m.logger.Debug("[STT] Speech started", "segment_id", m.segmentID, "item_id", ev.ItemID)
	case EventSpeechStopped:
		m.logger.Debug("[STT] Speech stopped", "segment_id", m.segmentID, "item_id", ev.ItemID)
	case EventDelta:
		if ev.Text == "" {
			return nil
		}
		return m.emit(ctx, domain.TranscriptDeltaKind, m.segmentFor(ev.ItemID), ev.Text)
	case EventCompleted:
		if ev.Text == "" {
			return nil
		}
		id := m.segmentFor(ev.ItemID)
		err := m.emit(ctx, domain.TranscriptCompletedKind, id, ev.Text)
		if ev.ItemID != "" {
			delete(m.items, ev.ItemID)
		}
		if m.segmentID == id {
			m.segmentID = ""
		}
		return err
	case EventError:
		m.errCount.Add(1)
		m.logger.Warn("[STT] Provider reported error", "error", ev.Message)
	}
	return nil
}

// segmentFor resolves the segment an event belongs to. Events carrying a
// provider item ID use the segment recorded for that item; events without
// one fall back to the segment opened by the latest speech start.
func (m *Manager) segmentFor(itemID string) string {
	if itemID != "" {
		if id, ok := m.items[itemID]; ok {
			return id
		}
		id := m.newID()
		m.track(itemID, id)
		if m.segmentID == "" {
			m.segmentID = id
		}
		return id
	}
	if m.segmentID == "" {
		m.segmentID = m.newID()
	}
	return m.segmentID
}

func (m *Manager) track(itemID, segmentID string) {
	if m.items == nil || len(m.items) >= maxOpenItems {
		m.items = make(map[string]string)
	}
	m.items[itemID] = segmentID
}

func (m *Manager) emit(ctx context.Context, kind domain.TranscriptKind, segmentID, text string) error {
	ev := domain.TranscriptEvent{
		Kind:      kind,
		Speaker:   m.speaker,
		SegmentID: segmentID,
		Text:      text,
		Timestamp: m.now(),
	}
	select {
	case m.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) setState(s domain.StreamState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	fn := m.onState
	m.mu.Unlock()

	active := 0.0
	if s == domain.StreamActive {
		active = 1
	}
	metrics.STTActive.WithLabelValues(string(m.speaker)).Set(active)

	if fn != nil {
		fn(m.speaker, s)
	}
}
