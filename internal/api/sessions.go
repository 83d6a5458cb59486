package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SessionHandler serves session introspection and client configuration.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes on the /api router.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/config", h.GetConfig)
	r.Get("/sessions", h.ListSessions)
}

// GetConfig returns the audio contract and available modes for the client.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.client)
}

// ListSessions returns the active sessions with their statistics and most
// recent hints.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"connections": h.sessions.Count(),
		"sessions":    h.sessions.Sessions(),
	})
}
