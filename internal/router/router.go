package router

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/hint"
)

// Factory builds a fresh mode instance. Each session gets its own so rate
// limits are not shared.
type Factory func() Mode

// Registry maps mode names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.Mode]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.Mode]Factory)}
}

// Config holds the router policy and built-in mode parameters.
type Config struct {
	MeetingInterval     time.Duration
	KnowledgeTopK       int
	MaxBullets          int
	TranslationLanguage string
}

// DefaultConfig returns the default router policy.
func DefaultConfig() Config {
	return Config{
		MeetingInterval:     2 * time.Second,
		KnowledgeTopK:       3,
		MaxBullets:          3,
		TranslationLanguage: "English",
	}
}

// DefaultRegistry registers interview, meeting and translation.
func DefaultRegistry(cfg Config) *Registry {
	r := NewRegistry()
	r.Register(domain.ModeInterview, func() Mode { return Interview{} })
	r.Register(domain.ModeMeeting, func() Mode { return NewMeeting(cfg.MeetingInterval) })
	translation := TranslationSpec(cfg.TranslationLanguage)
	r.Register(domain.ModeTranslation, func() Mode { return NewTemplate(translation) })
	return r
}

// Register adds or replaces a mode.
func (r *Registry) Register(name domain.Mode, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name domain.Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered modes in sorted order.
func (r *Registry) Names() []domain.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]domain.Mode, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) build(name domain.Mode) (Mode, bool) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Retriever looks up knowledge fragments for a query.
type Retriever interface {
	Retrieve(ctx context.Context, workspace, query string, topK int) ([]string, error)
}

// Session exposes the settings a route decision depends on.
type Session interface {
	Settings() domain.Settings
}

// Router turns chunks into hint requests for one session.
type Router struct {
	registry  *Registry
	retriever Retriever
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	modes map[domain.Mode]Mode
}

// New creates a router. retriever may be nil.
func New(registry *Registry, retriever Retriever, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.KnowledgeTopK <= 0 {
		cfg.KnowledgeTopK = def.KnowledgeTopK
	}
	if cfg.MaxBullets <= 0 {
		cfg.MaxBullets = def.MaxBullets
	}
	return &Router{
		registry:  registry,
		retriever: retriever,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		modes:     make(map[domain.Mode]Mode),
	}
}

func (r *Router) mode(name domain.Mode) (Mode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modes[name]; ok {
		return m, true
	}
	m, ok := r.registry.build(name)
	if !ok {
		return nil, false
	}
	r.modes[name] = m
	return m, true
}

// Route returns the hint request for chunk, or false when the chunk does not
// trigger. Knowledge lookup failures never block routing.
func (r *Router) Route(ctx context.Context, chunk domain.TextChunk, s Session) (hint.Request, bool) {
	settings := s.Settings()
	if !settings.HintsEnabled {
		return hint.Request{}, false
	}
	m, ok := r.mode(settings.Mode)
	if !ok {
		r.logger.Warn("[ROUTER] Unknown mode", "mode", settings.Mode)
		return hint.Request{}, false
	}
	if !m.ShouldTrigger(chunk, r.now()) {
		return hint.Request{}, false
	}

	pc := PromptContext{
		CustomPrompt: settings.CustomPrompt,
		MaxBullets:   r.cfg.MaxBullets,
	}
	if settings.Workspace != "" && r.retriever != nil {
		fragments, err := r.retriever.Retrieve(ctx, settings.Workspace, chunk.FullText(), r.cfg.KnowledgeTopK)
		if err != nil {
			r.logger.Warn("[ROUTER] Knowledge retrieval failed", "workspace", settings.Workspace, "error", err)
		} else {
			pc.Knowledge = strings.Join(fragments, "\n\n")
		}
	}

	return hint.Request{
		Mode:      m.Name(),
		Policy:    m.Policy(),
		Messages:  m.BuildPrompt(chunk, pc),
		SegmentID: chunk.SegmentID,
	}, true
}
