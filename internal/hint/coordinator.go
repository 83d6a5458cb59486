package hint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/metrics"
	"github.com/google/uuid"
)

// Config holds the coordinator policy.
type Config struct {
	MaxBullets  int
	Timeout     time.Duration
	HistorySize int
}

// DefaultConfig returns the default coordinator policy.
func DefaultConfig() Config {
	return Config{
		MaxBullets:  3,
		Timeout:     30 * time.Second,
		HistorySize: 5,
	}
}

// task is one generation. Emission and cancellation serialize on mu, so
// once abort returns nothing more is emitted for the task.
type task struct {
	id      string
	req     Request
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	mu        sync.Mutex
	cancelled bool
}

func (t *task) abort() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// emit runs fn unless the task was cancelled.
func (t *task) emit(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	fn()
	return true
}

func (t *task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Coordinator runs hint generations for one session.
type Coordinator struct {
	gen    Generator
	emit   func(domain.Event)
	cfg    Config
	logger *slog.Logger

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	active  *task
	queued  *task
	state   domain.GenerationState
	history []Hint
	stopped bool
	onState func(domain.GenerationState)

	completed atomic.Int64
	failures  atomic.Int64
}

// NewCoordinator creates a coordinator that reports tokens, completions and
// failures through emit.
func NewCoordinator(gen Generator, emit func(domain.Event), cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxBullets <= 0 {
		cfg.MaxBullets = def.MaxBullets
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		gen:        gen,
		emit:       emit,
		cfg:        cfg,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
		state:      domain.GenerationIdle,
	}
}

// OnStateChange registers a callback for generation state transitions. It
// is called without internal locks held.
func (c *Coordinator) OnStateChange(fn func(domain.GenerationState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// State returns the generation state.
func (c *Coordinator) State() domain.GenerationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Recent returns the last completed hints, oldest first.
func (c *Coordinator) Recent() []Hint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Hint(nil), c.history...)
}

// Completed returns how many hints were completed.
func (c *Coordinator) Completed() int64 { return c.completed.Load() }

// Failures returns how many generations failed.
func (c *Coordinator) Failures() int64 { return c.failures.Load() }

// Submit schedules req according to its policy. It returns the ID of the
// hint the request will produce, or "" after Stop.
func (c *Coordinator) Submit(req Request) string {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ""
	}

	t := &task{id: uuid.NewString(), req: req}
	changed := false
	switch {
	case c.active == nil:
		changed = c.startLocked(t)
	case req.Policy == PolicyPreempt:
		c.logger.Debug("[HINT] Preempting active generation", "hint_id", c.active.id, "next_hint_id", t.id)
		c.active.abort()
		metrics.Hints.WithLabelValues(string(c.active.req.Mode), "cancelled").Inc()
		if c.queued != nil {
			metrics.Hints.WithLabelValues(string(c.queued.req.Mode), "replaced").Inc()
			c.queued = nil
		}
		changed = c.startLocked(t)
	default:
		if c.queued != nil {
			c.logger.Debug("[HINT] Replacing queued request", "hint_id", c.queued.id, "next_hint_id", t.id)
			metrics.Hints.WithLabelValues(string(c.queued.req.Mode), "replaced").Inc()
		}
		c.queued = t
	}
	state, fn := c.state, c.onState
	c.mu.Unlock()

	if changed && fn != nil {
		fn(state)
	}
	return t.id
}

// Stop cancels the active and queued tasks and waits for the active one to
// unwind. No events are emitted after Stop returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.active != nil {
		c.active.abort()
		metrics.Hints.WithLabelValues(string(c.active.req.Mode), "cancelled").Inc()
	}
	c.queued = nil
	c.mu.Unlock()

	c.cancelBase()
	c.wg.Wait()

	c.mu.Lock()
	c.active = nil
	c.state = domain.GenerationIdle
	c.mu.Unlock()
}

func (c *Coordinator) startLocked(t *task) bool {
	t.ctx, t.cancel = context.WithTimeout(c.base, c.cfg.Timeout)
	t.started = time.Now()
	c.active = t
	changed := c.state != domain.GenerationGenerating
	c.state = domain.GenerationGenerating

	c.wg.Add(1)
	go c.run(t)
	return changed
}

func (c *Coordinator) run(t *task) {
	defer c.wg.Done()
	defer t.cancel()

	c.logger.Debug("[HINT] Generation started", "hint_id", t.id, "mode", t.req.Mode)

	var b strings.Builder
	var genErr error
	for token, err := range c.gen.Stream(t.ctx, t.req) {
		if err != nil {
			genErr = err
			break
		}
		if token == "" {
			continue
		}
		sent := t.emit(func() {
			c.emit(domain.HintTokenMessage{Type: domain.EventHintToken, HintID: t.id, Token: token})
		})
		if !sent {
			break
		}
		b.WriteString(token)
	}
	if genErr == nil && t.ctx.Err() != nil && !t.isCancelled() {
		genErr = t.ctx.Err()
	}

	c.finish(t, b.String(), genErr)
}

func (c *Coordinator) finish(t *task, text string, genErr error) {
	outcome := domain.GenerationIdle
	switch {
	case t.isCancelled():
		c.logger.Debug("[HINT] Generation cancelled", "hint_id", t.id)
	case genErr != nil && errors.Is(genErr, context.Canceled):
		c.logger.Debug("[HINT] Generation cancelled", "hint_id", t.id)
	case genErr != nil:
		err := fmt.Errorf("%w: %v", domain.ErrGenerationFailure, genErr)
		if t.emit(func() { c.emit(domain.NewErrorMessage(err)) }) {
			c.failures.Add(1)
			metrics.Hints.WithLabelValues(string(t.req.Mode), "failed").Inc()
			c.logger.Warn("[HINT] Generation failed", "hint_id", t.id, "error", genErr)
			outcome = domain.GenerationError
		}
	default:
		h := Hint{
			ID:        t.id,
			Mode:      t.req.Mode,
			Text:      FormatBullets(text, c.cfg.MaxBullets),
			Complete:  true,
			CreatedAt: time.Now(),
		}
		sent := t.emit(func() {
			c.emit(domain.HintCompletedMessage{Type: domain.EventHintCompleted, HintID: h.ID, FinalText: h.Text, Mode: h.Mode})
		})
		if sent {
			c.completed.Add(1)
			metrics.Hints.WithLabelValues(string(t.req.Mode), "completed").Inc()
			metrics.HintDuration.WithLabelValues(string(t.req.Mode)).Observe(time.Since(t.started).Seconds())
			c.record(h)
		}
	}

	c.mu.Lock()
	if c.active != t {
		// Preempted: the replacement already owns the state.
		c.mu.Unlock()
		return
	}
	c.active = nil
	if c.queued != nil && !c.stopped {
		next := c.queued
		c.queued = nil
		c.startLocked(next)
	} else {
		c.state = outcome
	}
	state, fn := c.state, c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

func (c *Coordinator) record(h Hint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, h)
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}
}
