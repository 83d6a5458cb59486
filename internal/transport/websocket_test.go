package transport

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/hint"
	"github.com/ashureev/hintline/internal/session"
	"github.com/ashureev/hintline/internal/stt"
	"github.com/coder/websocket"
)

type silentConn struct{}

func (silentConn) SendAudio(context.Context, []byte) error { return nil }
func (silentConn) Recv(ctx context.Context) (stt.ProviderEvent, error) {
	<-ctx.Done()
	return stt.ProviderEvent{}, ctx.Err()
}
func (silentConn) Ping(context.Context) error { return nil }
func (silentConn) Close() error { return nil }

type silentProvider struct{}

func (silentProvider) SampleRate() int { return 16000 }
func (silentProvider) Connect(context.Context) (stt.Conn, error) { return silentConn{}, nil }

type noopGenerator struct{}

func (noopGenerator) Stream(context.Context, hint.Request) iter.Seq2[string, error] {
	return func(func(string, error) bool) {}
}

type wireEvent struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Code    string `json:"code"`
	Message string `json:"message"`

	DroppedFrameCount *int64 `json:"dropped_frame_count"`
}

func newTestServer(t *testing.T, allowedOrigin string) *httptest.Server {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.STT.PingInterval = 0
	mgr := session.NewManager(session.Deps{Provider: silentProvider{}, Generator: noopGenerator{}}, cfg, nil)
	srv := httptest.NewServer(NewWebSocketHandler(mgr, allowedOrigin, false, nil))
	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

// readUntil reads events until match returns true.
func readUntil(t *testing.T, ws *websocket.Conn, match func(wireEvent) bool) wireEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if typ != websocket.MessageText {
			t.Fatalf("server sent message type %v", typ)
		}
		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if match(ev) {
			return ev
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, typ, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	t.Parallel()
	ws := dial(t, newTestServer(t, "*"))

	first := readUntil(t, ws, func(wireEvent) bool { return true })
	if first.Type != domain.EventStatus || first.State != string(domain.SessionStopped) {
		t.Fatalf("first event = %+v, want stopped status", first)
	}
	if first.DroppedFrameCount == nil || *first.DroppedFrameCount != 0 {
		t.Errorf("status dropped_frame_count = %v, want 0 on the wire", first.DroppedFrameCount)
	}

	send(t, ws, websocket.MessageText, []byte(`{"type":"start_session"}`))
	readUntil(t, ws, func(ev wireEvent) bool {
		return ev.Type == domain.EventStatus && ev.State == string(domain.SessionActive)
	})

	send(t, ws, websocket.MessageBinary, []byte{9, 0, 0})
	ev := readUntil(t, ws, func(ev wireEvent) bool { return ev.Type == domain.EventError })
	if ev.Code != domain.CodeTransport {
		t.Errorf("error code = %q, want %q", ev.Code, domain.CodeTransport)
	}

	send(t, ws, websocket.MessageText, []byte(`{"type":"ping"}`))
	readUntil(t, ws, func(ev wireEvent) bool { return ev.Type == domain.EventPong })

	send(t, ws, websocket.MessageText, []byte(`{"type":"stop_session"}`))
	readUntil(t, ws, func(ev wireEvent) bool {
		return ev.Type == domain.EventStatus && ev.State == string(domain.SessionStopped)
	})
}

func TestWebSocketRejectsBadControl(t *testing.T) {
	t.Parallel()
	ws := dial(t, newTestServer(t, "*"))
	readUntil(t, ws, func(wireEvent) bool { return true })

	tests := []string{
		`not json`,
		`{"type":"dance"}`,
		`{"type":"set_mode","mode":"karaoke"}`,
	}
	for _, msg := range tests {
		send(t, ws, websocket.MessageText, []byte(msg))
		ev := readUntil(t, ws, func(ev wireEvent) bool { return ev.Type == domain.EventError })
		if ev.Code != domain.CodeTransport {
			t.Errorf("%s: code = %q", msg, ev.Code)
		}
	}

	// The connection survives rejected messages.
	send(t, ws, websocket.MessageText, []byte(`{"type":"ping"}`))
	readUntil(t, ws, func(ev wireEvent) bool { return ev.Type == domain.EventPong })
}

func TestWebSocketOrigin(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "http://allowed.example")

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://evil.example")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}
