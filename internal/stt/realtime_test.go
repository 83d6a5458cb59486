package stt

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestRealtimeRoundTrip(t *testing.T) {
	t.Parallel()

	gotAudio := make(chan string, 1)
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		var update map[string]any
		if err := wsjson.Read(ctx, ws, &update); err != nil {
			t.Errorf("read session.update: %v", err)
			return
		}
		if update["type"] != "session.update" {
			t.Errorf("first message type = %v, want session.update", update["type"])
		}

		var appendMsg map[string]string
		if err := wsjson.Read(ctx, ws, &appendMsg); err != nil {
			t.Errorf("read append: %v", err)
			return
		}
		gotAudio <- appendMsg["audio"]

		for _, msg := range []map[string]any{
			{"type": "session.created"},
			{"type": "input_audio_buffer.speech_started", "item_id": "item_1"},
			{"type": "conversation.item.input_audio_transcription.delta", "item_id": "item_1", "delta": "Hello"},
			{"type": "conversation.item.input_audio_transcription.completed", "item_id": "item_1", "transcript": "Hello there."},
			{"type": "error", "error": map[string]any{"message": "rate limited"}},
		} {
			if err := wsjson.Write(ctx, ws, msg); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		// Hold the connection open until the client closes it.
		_, _, _ = ws.Read(ctx)
	}))
	defer srv.Close()

	cfg := DefaultRealtimeConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.APIKey = "sk-test"
	p := NewRealtime(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if auth := <-gotAuth; auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}

	if err := conn.SendAudio(ctx, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if audio := <-gotAudio; audio != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
		t.Errorf("audio = %q", audio)
	}

	want := []ProviderEvent{
		{Kind: EventIgnored},
		{Kind: EventSpeechStarted, ItemID: "item_1"},
		{Kind: EventDelta, Text: "Hello", ItemID: "item_1"},
		{Kind: EventCompleted, Text: "Hello there.", ItemID: "item_1"},
		{Kind: EventError, Message: "rate limited"},
	}
	for i, w := range want {
		got, err := conn.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if got != w {
			t.Errorf("event %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestRealtimeConnectRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultRealtimeConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	p := NewRealtime(cfg, nil)

	if _, err := p.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a rejecting server")
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      int
		inRate  int
		outRate int
		want    int
	}{
		{name: "16k to 24k frame", in: 320, inRate: 16000, outRate: 24000, want: 480},
		{name: "same rate", in: 320, inRate: 16000, outRate: 16000, want: 320},
		{name: "downsample", in: 480, inRate: 24000, outRate: 16000, want: 320},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := Resample(make([]byte, tt.in*2), tt.inRate, tt.outRate)
			if got := len(out) / 2; got != tt.want {
				t.Errorf("samples = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResampleInterpolates(t *testing.T) {
	t.Parallel()

	// Two samples: 0 and 1000. Upsampling by 2 puts 500 between them.
	in := []byte{0x00, 0x00, 0xe8, 0x03}
	out := Resample(in, 8000, 16000)
	if len(out) != 8 {
		t.Fatalf("len = %d, want 8", len(out))
	}
	mid := int16(uint16(out[2]) | uint16(out[3])<<8)
	if mid != 500 {
		t.Errorf("interpolated sample = %d, want 500", mid)
	}
}
