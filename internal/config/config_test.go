package config

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ashureev/hintline/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.LLM.Backend != BackendOpenAI {
		t.Errorf("Backend = %q", cfg.LLM.Backend)
	}

	engine := cfg.Engine()
	if engine.QueueSize != 200 {
		t.Errorf("QueueSize = %d", engine.QueueSize)
	}
	if engine.Aggregator.InactivityTimeout != 800*time.Millisecond {
		t.Errorf("InactivityTimeout = %v", engine.Aggregator.InactivityTimeout)
	}
	if engine.Aggregator.WordThreshold != 12 {
		t.Errorf("WordThreshold = %d", engine.Aggregator.WordThreshold)
	}
	if engine.Router.MeetingInterval != 2*time.Second {
		t.Errorf("MeetingInterval = %v", engine.Router.MeetingInterval)
	}
	if engine.Hint.MaxBullets != 3 || engine.Router.MaxBullets != 3 {
		t.Errorf("MaxBullets = %d/%d", engine.Hint.MaxBullets, engine.Router.MaxBullets)
	}
	if cfg.Knowledge().MaxContextTokens != 2000 {
		t.Errorf("MaxContextTokens = %d", cfg.Knowledge().MaxContextTokens)
	}
	if cfg.Realtime().Model != "gpt-4o-mini-transcribe" {
		t.Errorf("STT model = %q", cfg.Realtime().Model)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("AGGREGATION_TIMEOUT_MS", "1500")
	t.Setenv("AGGREGATION_WORD_THRESHOLD", "20")
	t.Setenv("HINT_RATE_LIMIT_MS", "5000")
	t.Setenv("LLM_BACKEND", "GRPC")
	t.Setenv("LLM_GRPC_ADDR", "localhost:50051")
	t.Setenv("LLM_TEMPERATURE", "0.7")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CONVERSATION_LOG_ENABLED", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Engine().Aggregator.InactivityTimeout; got != 1500*time.Millisecond {
		t.Errorf("InactivityTimeout = %v", got)
	}
	if got := cfg.Engine().Aggregator.WordThreshold; got != 20 {
		t.Errorf("WordThreshold = %d", got)
	}
	if got := cfg.Engine().Router.MeetingInterval; got != 5*time.Second {
		t.Errorf("MeetingInterval = %v", got)
	}
	if cfg.LLM.Backend != BackendGRPC || cfg.GRPC().Address != "localhost:50051" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.OpenAI().Temperature != 0.7 {
		t.Errorf("Temperature = %v", cfg.OpenAI().Temperature)
	}
	if j := cfg.Journal(); !j.Enabled || j.Dir == "" || j.QueueSize != 1000 {
		t.Errorf("Journal() = %+v", j)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v", cfg.Level())
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:   "8080",
			DBPath: "x.db",
			STT:    STTConfig{APIKey: "k", SampleRate: 24000},
			LLM:    LLMConfig{Backend: BackendOpenAI, BaseURL: "http://x", Timeout: time.Second},
			Policy: PolicyConfig{
				QueueSize:           200,
				AggregationTimeout:  time.Second,
				WordThreshold:       12,
				HintRateLimit:       time.Second,
				MaxHintPoints:       3,
				GlobalContextWindow: time.Second,
				MaxContextTokens:    2000,
				KnowledgeTopK:       3,
				ReconnectBase:       time.Second,
				ReconnectMax:        time.Second,
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "missing api key", mutate: func(c *Config) { c.STT.APIKey = "" }},
		{name: "empty port", mutate: func(c *Config) { c.Port = "" }},
		{name: "grpc without address", mutate: func(c *Config) { c.LLM.Backend = BackendGRPC }},
		{name: "unknown backend", mutate: func(c *Config) { c.LLM.Backend = "carrier-pigeon" }},
		{name: "zero word threshold", mutate: func(c *Config) { c.Policy.WordThreshold = 0 }},
		{name: "negative timeout", mutate: func(c *Config) { c.Policy.AggregationTimeout = -time.Millisecond }},
		{name: "negative attempts", mutate: func(c *Config) { c.Policy.ReconnectAttempts = -1 }},
		{name: "journal without dir", mutate: func(c *Config) { c.ConversationLog = ConversationLogConfig{Enabled: true, QueueSize: 10} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, domain.ErrFatalConfiguration) {
				t.Errorf("Validate() error = %v, want ErrFatalConfiguration", err)
			}
		})
	}
}
