// Package transport serves the realtime WebSocket protocol: binary audio
// frames and JSON control messages in, JSON events out.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/session"
	"github.com/coder/websocket"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// WebSocketHandler upgrades client connections and bridges them to a
// session engine.
type WebSocketHandler struct {
	sessions      *session.Manager
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessions *session.Manager, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		sessions:      sessions,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	id, eng := h.sessions.Open()
	defer h.sessions.Close(id)
	logger := h.logger.With("conn_id", id)
	logger.Info("WebSocket connected", "ip", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.writeJSON(ctx, ws, eng.Status()); err != nil {
		logger.Debug("Failed to send initial status", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: WebSocket -> engine.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, eng, logger)
	}()

	// Output loop: engine -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, eng, logger)
	}()

	wg.Wait()
	logger.Info("WebSocket disconnected")
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, eng *session.Engine, logger *slog.Logger) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed by client")
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			h.handleAudio(eng, data, logger)
			continue
		}

		msg, err := domain.ParseControl(data)
		if err != nil {
			logger.Debug("Rejected control message", "error", err)
			eng.Reject(err)
			continue
		}
		if err := eng.Apply(msg); err != nil {
			logger.Warn("Control message failed", "type", msg.Type, "error", err)
			eng.Reject(err)
		}
	}
}

func (h *WebSocketHandler) handleAudio(eng *session.Engine, data []byte, logger *slog.Logger) {
	err := eng.SubmitRaw(data)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionInactive), errors.Is(err, session.ErrEngineClosed):
		logger.Debug("Audio frame outside a session dropped")
	case errors.Is(err, domain.ErrTransport):
		eng.Reject(err)
	default:
		logger.Warn("Audio frame rejected", "error", err)
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, eng *session.Engine, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-eng.Done():
			return
		case ev := <-eng.Events():
			if err := h.writeJSON(ctx, ws, ev); err != nil {
				if ctx.Err() == nil {
					logger.Debug("WebSocket write error", "error", err, "type", ev.EventType())
				}
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
