package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/hint"
	"github.com/google/uuid"
)

// Info describes an active session.
type Info struct {
	SessionID    string              `json:"session_id"`
	State        domain.SessionState `json:"state"`
	Mode         domain.Mode         `json:"mode"`
	HintsEnabled bool                `json:"hints_enabled"`
	Workspace    string              `json:"workspace,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	Stats        StatsSnapshot       `json:"stats"`
	RecentHints  []hint.Hint         `json:"recent_hints"`
}

// Manager tracks one engine per client connection.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]*Engine
}

// NewManager creates a manager sharing deps across all engines.
func NewManager(deps Deps, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*Engine),
	}
}

// Open registers a new engine for a connection.
func (m *Manager) Open() (string, *Engine) {
	id := uuid.NewString()
	e := NewEngine(m.deps, m.cfg, m.logger.With("conn_id", id))

	m.mu.Lock()
	m.active[id] = e
	count := len(m.active)
	m.mu.Unlock()

	m.logger.Info("Connection registered", "conn_id", id, "connections", count)
	return id, e
}

// Close tears down the engine of a connection and forgets it.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	e, ok := m.active[id]
	delete(m.active, id)
	count := len(m.active)
	m.mu.Unlock()

	if !ok {
		return
	}
	e.Close()
	m.logger.Info("Connection unregistered", "conn_id", id, "connections", count)
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Sessions returns the active sessions, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.active))
	for _, e := range m.active {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(engines))
	for _, e := range engines {
		if info, ok := e.Info(); ok {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Shutdown closes every engine.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	engines := m.active
	m.active = make(map[string]*Engine)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Close()
			m.logger.Info("Connection closed on shutdown", "conn_id", id)
		}()
	}
	wg.Wait()
}
