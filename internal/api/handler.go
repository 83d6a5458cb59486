// Package api provides the HTTP handlers of the knowledge and session API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/knowledge"
	"github.com/ashureev/hintline/internal/session"
	"github.com/ashureev/hintline/internal/store"
	"github.com/go-chi/chi/v5"
)

// ClientConfig is the audio contract and model information served to
// clients.
type ClientConfig struct {
	SampleRate      int           `json:"sample_rate"`
	FrameDurationMS int           `json:"frame_duration_ms"`
	Channels        []string      `json:"channels"`
	LLMModel        string        `json:"llm_model"`
	STTModel        string        `json:"stt_model"`
	Modes           []domain.Mode `json:"modes"`
	DefaultMode     domain.Mode   `json:"default_mode"`
}

// Handler provides common handler utilities.
type Handler struct {
	knowledge *knowledge.Service
	sessions  *session.Manager
	client    ClientConfig
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(ks *knowledge.Service, sessions *session.Manager, client ClientConfig) *Handler {
	return &Handler{
		knowledge: ks,
		sessions:  sessions,
		client:    client,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, knowledge.ErrInvalidWorkspace),
		errors.Is(err, knowledge.ErrUnsupportedFile),
		errors.Is(err, knowledge.ErrEmptyDocument):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Routes returns the /api router with every handler registered.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	NewKnowledgeHandler(h).RegisterRoutes(r)
	NewSessionHandler(h).RegisterRoutes(r)
	return r
}
