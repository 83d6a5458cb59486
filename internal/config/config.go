// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/hint"
	"github.com/ashureev/hintline/internal/journal"
	"github.com/ashureev/hintline/internal/knowledge"
	"github.com/ashureev/hintline/internal/session"
	"github.com/ashureev/hintline/internal/stt"
)

// LLM backends.
const (
	BackendOpenAI = "openai"
	BackendGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	KnowledgeDir string
	LogLevel     string

	STT             STTConfig
	LLM             LLMConfig
	Policy          PolicyConfig
	ConversationLog ConversationLogConfig
}

// ConversationLogConfig controls the per-session NDJSON journal.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// STTConfig configures the speech-to-text provider.
type STTConfig struct {
	URL        string
	APIKey     string
	Model      string
	SampleRate int
}

// LLMConfig configures the hint generator backend.
type LLMConfig struct {
	Backend     string
	BaseURL     string
	APIKey      string
	Model       string
	GRPCAddr    string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// PolicyConfig holds the tunable pipeline thresholds.
type PolicyConfig struct {
	QueueSize           int
	AggregationTimeout  time.Duration
	WordThreshold       int
	HintRateLimit       time.Duration
	MaxHintPoints       int
	GlobalContextWindow time.Duration
	MaxContextTokens    int
	KnowledgeTopK       int
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
	ReconnectAttempts   int
	PingInterval        time.Duration
	TranslationLanguage string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	realtime := stt.DefaultRealtimeConfig()
	openai := hint.DefaultOpenAIConfig()
	streams := stt.DefaultConfig()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/hintline.db"),
		KnowledgeDir: getEnv("KNOWLEDGE_DIR", "./knowledge"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		STT: STTConfig{
			URL:        getEnv("STT_URL", realtime.URL),
			APIKey:     getEnv("OPENAI_API_KEY", ""),
			Model:      getEnv("STT_MODEL", realtime.Model),
			SampleRate: getEnvInt("STT_SAMPLE_RATE", realtime.SampleRate),
		},
		LLM: LLMConfig{
			Backend:     strings.ToLower(getEnv("LLM_BACKEND", BackendOpenAI)),
			BaseURL:     getEnv("LLM_BASE_URL", openai.BaseURL),
			APIKey:      getEnv("LLM_API_KEY", openai.APIKey),
			Model:       getEnv("LLM_MODEL", openai.Model),
			GRPCAddr:    getEnv("LLM_GRPC_ADDR", ""),
			Temperature: getEnvFloat("LLM_TEMPERATURE", float64(openai.Temperature)),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", openai.MaxTokens),
			Timeout:     getEnvDuration("HINT_TIMEOUT_MS", hint.DefaultConfig().Timeout),
		},
		Policy: PolicyConfig{
			QueueSize:           getEnvInt("AUDIO_QUEUE_MAX_SIZE", 200),
			AggregationTimeout:  getEnvDuration("AGGREGATION_TIMEOUT_MS", 800*time.Millisecond),
			WordThreshold:       getEnvInt("AGGREGATION_WORD_THRESHOLD", 12),
			HintRateLimit:       getEnvDuration("HINT_RATE_LIMIT_MS", 2*time.Second),
			MaxHintPoints:       getEnvInt("MAX_HINT_POINTS", 3),
			GlobalContextWindow: getEnvDuration("GLOBAL_CONTEXT_WINDOW_MS", 30*time.Second),
			MaxContextTokens:    getEnvInt("MAX_CONTEXT_TOKENS", 2000),
			KnowledgeTopK:       getEnvInt("KNOWLEDGE_TOP_K", 3),
			ReconnectBase:       getEnvDuration("STT_RECONNECT_BASE_MS", streams.ReconnectBase),
			ReconnectMax:        getEnvDuration("STT_RECONNECT_MAX_MS", streams.ReconnectMax),
			ReconnectAttempts:   getEnvInt("STT_RECONNECT_MAX_ATTEMPTS", streams.MaxAttempts),
			PingInterval:        getEnvDuration("STT_PING_INTERVAL_MS", streams.PingInterval),
			TranslationLanguage: getEnv("TRANSLATION_LANGUAGE", "English"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/journal"),
			QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: PORT cannot be empty", domain.ErrFatalConfiguration)
	}
	if c.DBPath == "" {
		return fmt.Errorf("%w: DB_PATH cannot be empty", domain.ErrFatalConfiguration)
	}
	if c.STT.APIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY is required for transcription", domain.ErrFatalConfiguration)
	}
	switch c.LLM.Backend {
	case BackendOpenAI:
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("%w: LLM_BASE_URL cannot be empty", domain.ErrFatalConfiguration)
		}
	case BackendGRPC:
		if c.LLM.GRPCAddr == "" {
			return fmt.Errorf("%w: LLM_GRPC_ADDR is required for the grpc backend", domain.ErrFatalConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown LLM_BACKEND %q", domain.ErrFatalConfiguration, c.LLM.Backend)
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"STT_SAMPLE_RATE", int64(c.STT.SampleRate)},
		{"HINT_TIMEOUT_MS", int64(c.LLM.Timeout)},
		{"AUDIO_QUEUE_MAX_SIZE", int64(c.Policy.QueueSize)},
		{"AGGREGATION_TIMEOUT_MS", int64(c.Policy.AggregationTimeout)},
		{"AGGREGATION_WORD_THRESHOLD", int64(c.Policy.WordThreshold)},
		{"HINT_RATE_LIMIT_MS", int64(c.Policy.HintRateLimit)},
		{"MAX_HINT_POINTS", int64(c.Policy.MaxHintPoints)},
		{"GLOBAL_CONTEXT_WINDOW_MS", int64(c.Policy.GlobalContextWindow)},
		{"MAX_CONTEXT_TOKENS", int64(c.Policy.MaxContextTokens)},
		{"KNOWLEDGE_TOP_K", int64(c.Policy.KnowledgeTopK)},
		{"STT_RECONNECT_BASE_MS", int64(c.Policy.ReconnectBase)},
		{"STT_RECONNECT_MAX_MS", int64(c.Policy.ReconnectMax)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be > 0", domain.ErrFatalConfiguration, p.name)
		}
	}
	if c.ConversationLog.Enabled {
		if c.ConversationLog.Dir == "" {
			return fmt.Errorf("%w: CONVERSATION_LOG_DIR cannot be empty", domain.ErrFatalConfiguration)
		}
		if c.ConversationLog.QueueSize <= 0 {
			return fmt.Errorf("%w: CONVERSATION_LOG_QUEUE_SIZE must be > 0", domain.ErrFatalConfiguration)
		}
	}
	if c.Policy.ReconnectAttempts < 0 {
		return fmt.Errorf("%w: STT_RECONNECT_MAX_ATTEMPTS must be >= 0", domain.ErrFatalConfiguration)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Engine returns the per-session pipeline policy.
func (c *Config) Engine() session.Config {
	cfg := session.DefaultConfig()
	cfg.QueueSize = c.Policy.QueueSize

	cfg.STT.ReconnectBase = c.Policy.ReconnectBase
	cfg.STT.ReconnectMax = c.Policy.ReconnectMax
	cfg.STT.MaxAttempts = c.Policy.ReconnectAttempts
	cfg.STT.PingInterval = c.Policy.PingInterval

	cfg.Aggregator.InactivityTimeout = c.Policy.AggregationTimeout
	cfg.Aggregator.WordThreshold = c.Policy.WordThreshold
	cfg.Aggregator.GlobalWindow = c.Policy.GlobalContextWindow

	cfg.Router.MeetingInterval = c.Policy.HintRateLimit
	cfg.Router.KnowledgeTopK = c.Policy.KnowledgeTopK
	cfg.Router.MaxBullets = c.Policy.MaxHintPoints
	cfg.Router.TranslationLanguage = c.Policy.TranslationLanguage

	cfg.Hint.MaxBullets = c.Policy.MaxHintPoints
	cfg.Hint.Timeout = c.LLM.Timeout
	return cfg
}

// Realtime returns the speech-to-text provider settings.
func (c *Config) Realtime() stt.RealtimeConfig {
	cfg := stt.DefaultRealtimeConfig()
	cfg.URL = c.STT.URL
	cfg.APIKey = c.STT.APIKey
	cfg.Model = c.STT.Model
	cfg.SampleRate = c.STT.SampleRate
	return cfg
}

// OpenAI returns the OpenAI-compatible generator settings.
func (c *Config) OpenAI() hint.OpenAIConfig {
	return hint.OpenAIConfig{
		BaseURL:     c.LLM.BaseURL,
		APIKey:      c.LLM.APIKey,
		Model:       c.LLM.Model,
		Temperature: float32(c.LLM.Temperature),
		MaxTokens:   c.LLM.MaxTokens,
	}
}

// GRPC returns the gRPC generator settings.
func (c *Config) GRPC() hint.GRPCConfig {
	cfg := hint.DefaultGRPCConfig()
	cfg.Address = c.LLM.GRPCAddr
	cfg.Model = c.LLM.Model
	return cfg
}

// Journal returns the conversation journal settings.
func (c *Config) Journal() journal.Config {
	return journal.Config{
		Enabled:   c.ConversationLog.Enabled,
		Dir:       c.ConversationLog.Dir,
		QueueSize: c.ConversationLog.QueueSize,
	}
}

// Knowledge returns the indexing and retrieval limits.
func (c *Config) Knowledge() knowledge.Config {
	cfg := knowledge.DefaultConfig()
	cfg.MaxContextTokens = c.Policy.MaxContextTokens
	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration reads a whole number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
