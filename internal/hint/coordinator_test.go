package hint

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/hintline/internal/domain"
)

// script drives one fake generation, keyed by the first message content.
type script struct {
	tokens []string
	// holdAfter blocks the stream after this many tokens until ctx is done
	// or release is closed. Negative means never hold.
	holdAfter int
	release   chan struct{}
	err       error
}

type fakeGenerator struct {
	mu      sync.Mutex
	scripts map[string]*script
	live    map[*context.Context]struct{}
	started []string
	overlap bool
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		scripts: make(map[string]*script),
		live:    make(map[*context.Context]struct{}),
	}
}

func (g *fakeGenerator) add(key string, s *script) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[key] = s
}

func (g *fakeGenerator) startedKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func (g *fakeGenerator) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		key := req.Messages[0].Content

		g.mu.Lock()
		for other := range g.live {
			if (*other).Err() == nil {
				g.overlap = true
			}
		}
		g.live[&ctx] = struct{}{}
		g.started = append(g.started, key)
		s := g.scripts[key]
		g.mu.Unlock()

		defer func() {
			g.mu.Lock()
			delete(g.live, &ctx)
			g.mu.Unlock()
		}()

		if s == nil {
			return
		}
		for i, tok := range s.tokens {
			if i == s.holdAfter {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-s.release:
				}
			}
			if !yield(tok, nil) {
				return
			}
		}
		if s.holdAfter >= len(s.tokens) {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case <-s.release:
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

type sink struct {
	mu     sync.Mutex
	events []domain.Event
	notify chan struct{}
}

func newSink() *sink {
	return &sink{notify: make(chan struct{}, 128)}
}

func (s *sink) emit(ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *sink) snapshot() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

func (s *sink) waitFor(t *testing.T, cond func([]domain.Event) bool) []domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		evs := s.snapshot()
		if cond(evs) {
			return evs
		}
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("condition not met, events: %+v", evs)
		}
	}
}

func request(key string, policy Policy) Request {
	return Request{
		Mode:     domain.ModeInterview,
		Policy:   policy,
		Messages: []domain.Message{{Role: domain.RoleSystem, Content: key}},
	}
}

func completedFor(id string) func([]domain.Event) bool {
	return func(evs []domain.Event) bool {
		for _, ev := range evs {
			if c, ok := ev.(domain.HintCompletedMessage); ok && c.HintID == id {
				return true
			}
		}
		return false
	}
}

func eventsFor(evs []domain.Event, id string) (tokens int, completed bool) {
	for _, ev := range evs {
		switch e := ev.(type) {
		case domain.HintTokenMessage:
			if e.HintID == id {
				tokens++
			}
		case domain.HintCompletedMessage:
			if e.HintID == id {
				completed = true
			}
		}
	}
	return tokens, completed
}

func TestCoordinatorCompletes(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	gen.add("q", &script{tokens: []string{"- one\n", "- two\n", "- three\n", "- four"}, holdAfter: -1})
	out := newSink()
	c := NewCoordinator(gen, out.emit, DefaultConfig(), nil)
	defer c.Stop()

	id := c.Submit(request("q", PolicyPreempt))
	evs := out.waitFor(t, completedFor(id))

	tokens, _ := eventsFor(evs, id)
	if tokens != 4 {
		t.Errorf("tokens = %d, want 4", tokens)
	}
	last := evs[len(evs)-1].(domain.HintCompletedMessage)
	if last.FinalText != "- one\n- two\n- three" {
		t.Errorf("FinalText = %q", last.FinalText)
	}
	if last.Mode != domain.ModeInterview {
		t.Errorf("Mode = %s", last.Mode)
	}

	waitState(t, c, domain.GenerationIdle)
	if got := c.Recent(); len(got) != 1 || got[0].ID != id {
		t.Errorf("Recent() = %+v", got)
	}
}

func TestCoordinatorPreemption(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	gen.add("q1", &script{tokens: []string{"- first", " never"}, holdAfter: 1, release: make(chan struct{})})
	gen.add("q2", &script{tokens: []string{"- second"}, holdAfter: -1})
	out := newSink()
	c := NewCoordinator(gen, out.emit, DefaultConfig(), nil)
	defer c.Stop()

	q1 := c.Submit(request("q1", PolicyPreempt))
	out.waitFor(t, func(evs []domain.Event) bool {
		n, _ := eventsFor(evs, q1)
		return n == 1
	})

	q2 := c.Submit(request("q2", PolicyPreempt))
	evs := out.waitFor(t, completedFor(q2))

	if n, done := eventsFor(evs, q1); n != 1 || done {
		t.Errorf("preempted hint emitted %d tokens, completed=%v; want 1 token and no completion", n, done)
	}
	if keys := gen.startedKeys(); len(keys) != 2 || keys[1] != "q2" {
		t.Errorf("started = %v, want q2 to start immediately", keys)
	}
	for _, ev := range evs {
		if _, ok := ev.(domain.ErrorMessage); ok {
			t.Errorf("cancellation produced an error event: %+v", ev)
		}
	}
}

func TestCoordinatorLatestWins(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	gen := newFakeGenerator()
	gen.add("m1", &script{tokens: []string{"- one"}, holdAfter: 1, release: release})
	gen.add("m2", &script{tokens: []string{"- two"}, holdAfter: -1})
	gen.add("m3", &script{tokens: []string{"- three"}, holdAfter: -1})
	out := newSink()
	c := NewCoordinator(gen, out.emit, DefaultConfig(), nil)
	defer c.Stop()

	m1 := c.Submit(request("m1", PolicyLatestWins))
	m2 := c.Submit(request("m2", PolicyLatestWins))
	m3 := c.Submit(request("m3", PolicyLatestWins))
	close(release)

	evs := out.waitFor(t, completedFor(m3))
	if _, done := eventsFor(evs, m1); !done {
		t.Error("active hint was not allowed to finish")
	}
	if n, done := eventsFor(evs, m2); n != 0 || done {
		t.Error("replaced request produced output")
	}
	for _, k := range gen.startedKeys() {
		if k == "m2" {
			t.Error("replaced request was started")
		}
	}
}

func TestCoordinatorNeverTwoActive(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	keys := []string{"a", "b", "c", "d", "e", "f"}
	for _, k := range keys {
		gen.add(k, &script{tokens: []string{"- " + k, " x"}, holdAfter: -1})
	}
	out := newSink()
	c := NewCoordinator(gen, out.emit, DefaultConfig(), nil)

	var last string
	for i := 0; i < 60; i++ {
		policy := PolicyPreempt
		if i%3 == 0 {
			policy = PolicyLatestWins
		}
		last = c.Submit(request(keys[i%len(keys)], policy))
	}
	out.waitFor(t, completedFor(last))
	c.Stop()

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.overlap {
		t.Error("two generations were live at the same time")
	}
}

func TestCoordinatorStopEmitsNothing(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	gen.add("q", &script{tokens: []string{"- late"}, holdAfter: 0, release: make(chan struct{})})
	out := newSink()
	c := NewCoordinator(gen, out.emit, DefaultConfig(), nil)

	c.Submit(request("q", PolicyPreempt))
	waitStarted(t, gen, 1)
	c.Stop()

	if evs := out.snapshot(); len(evs) != 0 {
		t.Errorf("events after cancellation: %+v", evs)
	}
	if c.Submit(request("q", PolicyPreempt)) != "" {
		t.Error("Submit after Stop was accepted")
	}
	c.Stop()
}

func TestCoordinatorFailure(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	gen.add("q", &script{tokens: []string{"- partial"}, holdAfter: -1, err: errors.New("upstream 500")})
	out := newSink()
	c := NewCoordinator(gen, out.emit, DefaultConfig(), nil)
	defer c.Stop()

	id := c.Submit(request("q", PolicyPreempt))
	evs := out.waitFor(t, func(evs []domain.Event) bool {
		for _, ev := range evs {
			if _, ok := ev.(domain.ErrorMessage); ok {
				return true
			}
		}
		return false
	})

	var msg domain.ErrorMessage
	for _, ev := range evs {
		if e, ok := ev.(domain.ErrorMessage); ok {
			msg = e
		}
	}
	if msg.Code != domain.CodeGenerationFailure {
		t.Errorf("Code = %q, want %q", msg.Code, domain.CodeGenerationFailure)
	}
	if _, done := eventsFor(evs, id); done {
		t.Error("failed generation produced hint_completed")
	}
	waitState(t, c, domain.GenerationError)
	if c.Failures() != 1 {
		t.Errorf("Failures() = %d, want 1", c.Failures())
	}
}

func TestCoordinatorTimeout(t *testing.T) {
	t.Parallel()

	gen := newFakeGenerator()
	gen.add("slow", &script{tokens: []string{"- never"}, holdAfter: 0, release: make(chan struct{})})
	out := newSink()
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	c := NewCoordinator(gen, out.emit, cfg, nil)
	defer c.Stop()

	c.Submit(request("slow", PolicyPreempt))
	out.waitFor(t, func(evs []domain.Event) bool {
		for _, ev := range evs {
			if e, ok := ev.(domain.ErrorMessage); ok && e.Code == domain.CodeGenerationFailure {
				return true
			}
		}
		return false
	})
	waitState(t, c, domain.GenerationError)
}

func waitState(t *testing.T, c *Coordinator, want domain.GenerationState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State() = %s, want %s", c.State(), want)
}

func waitStarted(t *testing.T, g *fakeGenerator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.startedKeys()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("generator started %d streams, want %d", len(g.startedKeys()), n)
}
