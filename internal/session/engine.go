package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/hintline/internal/aggregator"
	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/hint"
	"github.com/ashureev/hintline/internal/ingest"
	"github.com/ashureev/hintline/internal/journal"
	"github.com/ashureev/hintline/internal/metrics"
	"github.com/ashureev/hintline/internal/router"
	"github.com/ashureev/hintline/internal/stt"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionInactive is returned for audio received outside a session.
	ErrSessionInactive = errors.New("no active session")
	// ErrEngineClosed is returned once the connection is gone.
	ErrEngineClosed = errors.New("engine closed")
)

// Config holds the policy of every pipeline stage.
type Config struct {
	QueueSize   int
	EventBuffer int
	STT         stt.Config
	Aggregator  aggregator.Config
	Router      router.Config
	Hint        hint.Config
}

// DefaultConfig returns the default pipeline policy.
func DefaultConfig() Config {
	return Config{
		QueueSize:   200,
		EventBuffer: 256,
		STT:         stt.DefaultConfig(),
		Aggregator:  aggregator.DefaultConfig(),
		Router:      router.DefaultConfig(),
		Hint:        hint.DefaultConfig(),
	}
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Provider  stt.Provider
	Generator hint.Generator
	Registry  *router.Registry
	Retriever router.Retriever
	Journal   journal.Journal
}

// Engine runs sessions for one client connection. Settings survive a
// stop/start cycle; everything else is rebuilt per session.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	events    chan domain.Event
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	settings domain.Settings
	run      *pipeline
	closed   bool
}

// NewEngine creates an engine with default settings.
func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if deps.Registry == nil {
		deps.Registry = router.DefaultRegistry(cfg.Router)
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	return &Engine{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		events:   make(chan domain.Event, cfg.EventBuffer),
		done:     make(chan struct{}),
		settings: domain.DefaultSettings(),
	}
}

// Events is the outbound stream for the client.
func (e *Engine) Events() <-chan domain.Event { return e.events }

// Done is closed when the engine is closed.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) emit(ev domain.Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Reject reports a rejected inbound message to the client.
func (e *Engine) Reject(err error) {
	e.emit(domain.NewErrorMessage(err))
}

// Apply executes a control message. Errors wrap domain.ErrTransport for bad
// requests and domain.ErrFatalConfiguration when a session cannot start.
func (e *Engine) Apply(msg domain.ControlMessage) error {
	switch msg.Type {
	case domain.ControlStartSession:
		return e.Start()
	case domain.ControlStopSession:
		e.Stop()
		return nil
	case domain.ControlPing:
		e.emit(domain.PongMessage{Type: domain.EventPong})
		return nil
	case domain.ControlPauseHints:
		e.update(func(s *domain.Settings) { s.HintsEnabled = false })
		return nil
	case domain.ControlResumeHints:
		e.update(func(s *domain.Settings) { s.HintsEnabled = true })
		return nil
	case domain.ControlSetMode:
		mode := domain.ParseMode(msg.Mode)
		if !e.deps.Registry.Has(mode) {
			return fmt.Errorf("%w: unknown mode %q", domain.ErrTransport, msg.Mode)
		}
		e.update(func(s *domain.Settings) { s.Mode = mode })
		return nil
	case domain.ControlSetPrompt:
		prompt := strings.TrimSpace(msg.PromptText())
		e.update(func(s *domain.Settings) { s.CustomPrompt = prompt })
		return nil
	case domain.ControlSetKnowledge:
		ws := strings.TrimSpace(msg.Workspace)
		e.update(func(s *domain.Settings) { s.Workspace = ws })
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %q", domain.ErrTransport, msg.Type)
	}
}

// Start begins a session. Starting an active session only reports status.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if p := e.run; p != nil {
		e.mu.Unlock()
		e.emit(e.statusFor(p))
		return nil
	}
	if e.deps.Provider == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: no speech-to-text provider configured", domain.ErrFatalConfiguration)
	}
	if e.deps.Generator == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: no hint generator configured", domain.ErrFatalConfiguration)
	}
	p := e.startPipeline(e.settings)
	e.run = p
	e.mu.Unlock()

	e.emit(e.statusFor(p))
	return nil
}

// Stop ends the active session, if any, and reports status. It is safe to
// call repeatedly.
func (e *Engine) Stop() {
	e.mu.Lock()
	p := e.run
	e.run = nil
	settings := e.settings
	e.mu.Unlock()

	if p != nil {
		e.teardown(p)
		e.emit(e.statusFor(p))
		return
	}
	e.emit(idleStatus(settings))
}

// Close stops the active session and releases the engine. No events are
// delivered afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })

	e.mu.Lock()
	e.closed = true
	p := e.run
	e.run = nil
	e.mu.Unlock()

	if p != nil {
		e.teardown(p)
	}
}

// SubmitRaw routes one binary audio frame into the active session.
func (e *Engine) SubmitRaw(data []byte) error {
	e.mu.Lock()
	p := e.run
	e.mu.Unlock()
	if p == nil {
		return ErrSessionInactive
	}
	err := p.ingest.SubmitRaw(data)
	if errors.Is(err, ingest.ErrStopped) {
		return ErrSessionInactive
	}
	return err
}

// Status returns the current status event.
func (e *Engine) Status() domain.StatusMessage {
	e.mu.Lock()
	p := e.run
	settings := e.settings
	e.mu.Unlock()
	if p == nil {
		return idleStatus(settings)
	}
	return e.statusFor(p)
}

// Info describes the active session for the session API.
func (e *Engine) Info() (Info, bool) {
	e.mu.Lock()
	p := e.run
	e.mu.Unlock()
	if p == nil {
		return Info{}, false
	}
	settings := p.session.Settings()
	return Info{
		SessionID:    p.session.ID,
		State:        p.session.State(),
		Mode:         settings.Mode,
		HintsEnabled: settings.HintsEnabled,
		Workspace:    settings.Workspace,
		CreatedAt:    p.session.CreatedAt,
		Stats:        p.snapshot(),
		RecentHints:  p.coordinator.Recent(),
	}, true
}

func (e *Engine) update(fn func(*domain.Settings)) {
	e.mu.Lock()
	fn(&e.settings)
	settings := e.settings
	p := e.run
	e.mu.Unlock()

	if p != nil {
		p.session.apply(settings)
		e.emit(e.statusFor(p))
		return
	}
	e.emit(idleStatus(settings))
}

func idleStatus(settings domain.Settings) domain.StatusMessage {
	return domain.StatusMessage{
		Type:          domain.EventStatus,
		Connected:     true,
		State:         domain.SessionStopped,
		Mode:          settings.Mode,
		STTSelfState:  domain.StreamIdle,
		STTOtherState: domain.StreamIdle,
		LLMState:      domain.GenerationIdle,
		DroppedFrames: map[domain.Speaker]int64{domain.SpeakerSelf: 0, domain.SpeakerOther: 0},
		HintsEnabled:  settings.HintsEnabled,
	}
}

// statusFor must not take e.mu: it runs inside component callbacks while
// teardown waits for those components.
func (e *Engine) statusFor(p *pipeline) domain.StatusMessage {
	settings := p.session.Settings()
	dropped := make(map[domain.Speaker]int64, len(domain.Speakers))
	var total int64
	for _, sp := range domain.Speakers {
		d := p.ingest.Dropped(sp)
		dropped[sp] = d
		total += d
	}
	return domain.StatusMessage{
		Type:              domain.EventStatus,
		Connected:         true,
		SessionID:         p.session.ID,
		State:             p.session.State(),
		Mode:              settings.Mode,
		STTSelfState:      p.session.Stats.Stream(domain.SpeakerSelf),
		STTOtherState:     p.session.Stats.Stream(domain.SpeakerOther),
		LLMState:          p.session.Stats.Generation(),
		DroppedFrameCount: total,
		DroppedFrames:     dropped,
		HintsEnabled:      settings.HintsEnabled,
	}
}

// pipeline is the goroutine set of one session.
type pipeline struct {
	session     *Session
	ingest      *ingest.Router
	coordinator *hint.Coordinator
	router      *router.Router
	journal     journal.Journal
	logger      *slog.Logger

	cancelSTT  context.CancelFunc
	sttGroup   *errgroup.Group
	cancelPipe context.CancelFunc
	pipeGroup  *errgroup.Group
	stopOnce   sync.Once
}

func (e *Engine) startPipeline(settings domain.Settings) *pipeline {
	sess := newSession(settings)
	logger := e.logger.With("session_id", sess.ID)

	p := &pipeline{
		session: sess,
		ingest:  ingest.NewRouter(e.cfg.QueueSize, logger),
		journal: e.deps.Journal,
		logger:  logger,
	}
	p.router = router.New(e.deps.Registry, e.deps.Retriever, e.cfg.Router, logger)
	p.coordinator = hint.NewCoordinator(e.deps.Generator, func(ev domain.Event) {
		p.record(ev)
		e.emit(ev)
	}, e.cfg.Hint, logger)
	p.coordinator.OnStateChange(func(state domain.GenerationState) {
		sess.Stats.SetGeneration(state)
		e.emit(e.statusFor(p))
	})

	transcripts := make(chan domain.TranscriptEvent, 64)
	aggIn := make(chan domain.TranscriptEvent, 64)
	chunks := make(chan domain.TextChunk, 16)

	sttCtx, cancelSTT := context.WithCancel(context.Background())
	p.cancelSTT = cancelSTT
	p.sttGroup = &errgroup.Group{}
	for _, sp := range domain.Speakers {
		m := stt.NewManager(sp, e.deps.Provider, p.ingest.Queue(sp), transcripts, e.cfg.STT, logger)
		m.OnStateChange(func(sp domain.Speaker, state domain.StreamState) {
			sess.Stats.SetStream(sp, state)
			if state == domain.StreamError {
				sess.Stats.STTErrors.Add(1)
			}
			e.emit(e.statusFor(p))
		})
		p.sttGroup.Go(func() error {
			if err := m.Run(sttCtx); err != nil {
				logger.Error("[STT] Stream stopped retrying", "speaker", sp, "error", err)
				e.emit(domain.NewErrorMessage(err))
			}
			return nil
		})
	}

	pipeCtx, cancelPipe := context.WithCancel(context.Background())
	p.cancelPipe = cancelPipe
	p.pipeGroup = &errgroup.Group{}
	agg := aggregator.New(e.cfg.Aggregator, chunks, logger)
	p.pipeGroup.Go(func() error {
		return p.fanOut(pipeCtx, e.emit, transcripts, aggIn)
	})
	p.pipeGroup.Go(func() error {
		return agg.Run(pipeCtx, aggIn)
	})
	p.pipeGroup.Go(func() error {
		return p.route(pipeCtx, chunks)
	})

	sess.setState(domain.SessionActive)
	metrics.SessionsActive.Inc()
	logger.Info("Session started", "mode", settings.Mode, "hints_enabled", settings.HintsEnabled)
	return p
}

// fanOut forwards every transcript event to the client and then to the
// aggregator, preserving per-channel order.
func (p *pipeline) fanOut(ctx context.Context, emit func(domain.Event), in <-chan domain.TranscriptEvent, out chan<- domain.TranscriptEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-in:
			msg := domain.NewTranscriptMessage(ev)
			emit(msg)
			if ev.Kind == domain.TranscriptCompletedKind {
				p.session.Stats.Segments.Add(1)
				p.record(msg)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// record journals finished segments and hints.
func (p *pipeline) record(ev domain.Event) {
	switch m := ev.(type) {
	case domain.TranscriptEventMessage:
		p.journal.Log(journal.Entry{
			SessionID: p.session.ID,
			Kind:      "transcript",
			Speaker:   string(m.Speaker),
			SegmentID: m.SegmentID,
			Text:      m.Text,
		})
	case domain.HintCompletedMessage:
		p.journal.Log(journal.Entry{
			SessionID: p.session.ID,
			Kind:      "hint",
			Mode:      string(m.Mode),
			HintID:    m.HintID,
			Text:      m.FinalText,
		})
	}
}

func (p *pipeline) route(ctx context.Context, chunks <-chan domain.TextChunk) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-chunks:
			req, ok := p.router.Route(ctx, chunk, p.session)
			if !ok {
				continue
			}
			if id := p.coordinator.Submit(req); id != "" {
				p.logger.Debug("[ROUTER] Hint requested", "hint_id", id, "mode", req.Mode, "trigger", chunk.Trigger, "policy", req.Policy)
			}
		}
	}
}

// teardown stops the pipeline in dependency order: ingest, generation,
// streams, aggregation, then queue memory.
func (e *Engine) teardown(p *pipeline) {
	p.stopOnce.Do(func() {
		start := time.Now()
		p.ingest.Stop()
		p.coordinator.Stop()

		p.cancelSTT()
		_ = p.sttGroup.Wait()

		p.cancelPipe()
		_ = p.pipeGroup.Wait()

		p.ingest.Release()
		p.session.setState(domain.SessionStopped)
		metrics.SessionsActive.Dec()

		snap := p.snapshot()
		p.logger.Info("Session stopped",
			"duration", time.Since(p.session.CreatedAt).Round(time.Millisecond),
			"teardown", time.Since(start).Round(time.Millisecond),
			"frames_self", snap.Frames[domain.SpeakerSelf],
			"frames_other", snap.Frames[domain.SpeakerOther],
			"dropped_self", snap.DroppedFrames[domain.SpeakerSelf],
			"dropped_other", snap.DroppedFrames[domain.SpeakerOther],
			"transcript_segments", snap.Segments,
			"hints_generated", snap.Hints,
			"stt_errors", snap.STTErrors,
			"llm_errors", snap.LLMErrors,
		)
	})
}

func (p *pipeline) snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Frames:        make(map[domain.Speaker]int64, len(domain.Speakers)),
		DroppedFrames: make(map[domain.Speaker]int64, len(domain.Speakers)),
		Streams:       make(map[domain.Speaker]domain.StreamState, len(domain.Speakers)),
		Generation:    p.session.Stats.Generation(),
		Segments:      p.session.Stats.Segments.Load(),
		Hints:         p.coordinator.Completed(),
		STTErrors:     p.session.Stats.STTErrors.Load(),
		LLMErrors:     p.coordinator.Failures(),
	}
	for _, sp := range domain.Speakers {
		snap.Frames[sp] = p.ingest.Submitted(sp)
		snap.DroppedFrames[sp] = p.ingest.Dropped(sp)
		snap.Streams[sp] = p.session.Stats.Stream(sp)
	}
	return snap
}
