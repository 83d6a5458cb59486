package stt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var errEmptyEndpoint = errors.New("realtime endpoint is empty")

// RealtimeConfig configures the OpenAI Realtime transcription provider.
type RealtimeConfig struct {
	URL               string
	APIKey            string
	Model             string
	SampleRate        int
	VADThreshold      float64
	PrefixPaddingMs   int
	SilenceDurationMs int
	HandshakeTimeout  time.Duration
}

// DefaultRealtimeConfig returns the settings used against api.openai.com.
func DefaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		URL:               "wss://api.openai.com/v1/realtime",
		Model:             "gpt-4o-mini-transcribe",
		SampleRate:        24000,
		VADThreshold:      0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 300,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Realtime is a Provider speaking the OpenAI Realtime transcription protocol
// over a websocket.
type Realtime struct {
	cfg    RealtimeConfig
	logger *slog.Logger
}

var _ Provider = (*Realtime)(nil)

// NewRealtime creates a realtime provider.
func NewRealtime(cfg RealtimeConfig, logger *slog.Logger) *Realtime {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRealtimeConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	return &Realtime{cfg: cfg, logger: logger}
}

// SampleRate implements Provider.
func (p *Realtime) SampleRate() int { return p.cfg.SampleRate }

// Connect dials the provider and configures server-side VAD transcription.
func (p *Realtime) Connect(ctx context.Context) (Conn, error) {
	if p.cfg.URL == "" {
		return nil, errEmptyEndpoint
	}
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	ws.SetReadLimit(1 << 20)

	conn := &realtimeConn{ws: ws}
	if err := wsjson.Write(dialCtx, ws, p.sessionUpdate()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("configure realtime session: %w", err)
	}
	return conn, nil
}

func (p *Realtime) sessionUpdate() map[string]any {
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"input_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": p.cfg.Model,
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           p.cfg.VADThreshold,
				"prefix_padding_ms":   p.cfg.PrefixPaddingMs,
				"silence_duration_ms": p.cfg.SilenceDurationMs,
			},
		},
	}
}

type realtimeConn struct {
	ws *websocket.Conn
}

type appendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type realtimeMessage struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	ItemID     string `json:"item_id"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *realtimeConn) SendAudio(ctx context.Context, pcm []byte) error {
	return wsjson.Write(ctx, c.ws, appendMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *realtimeConn) Recv(ctx context.Context) (ProviderEvent, error) {
	var msg realtimeMessage
	if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
		return ProviderEvent{}, err
	}

	switch msg.Type {
	case "input_audio_buffer.speech_started":
		return ProviderEvent{Kind: EventSpeechStarted, ItemID: msg.ItemID}, nil
	case "input_audio_buffer.speech_stopped":
		return ProviderEvent{Kind: EventSpeechStopped, ItemID: msg.ItemID}, nil
	case "conversation.item.input_audio_transcription.delta":
		return ProviderEvent{Kind: EventDelta, Text: msg.Delta, ItemID: msg.ItemID}, nil
	case "conversation.item.input_audio_transcription.completed":
		return ProviderEvent{Kind: EventCompleted, Text: msg.Transcript, ItemID: msg.ItemID}, nil
	case "error":
		message := "unknown provider error"
		if msg.Error != nil && msg.Error.Message != "" {
			message = msg.Error.Message
		}
		return ProviderEvent{Kind: EventError, Message: message}, nil
	default:
		return ProviderEvent{Kind: EventIgnored}, nil
	}
}

func (c *realtimeConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *realtimeConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "session ended")
}
