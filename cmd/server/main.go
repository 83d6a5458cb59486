// Hintline - realtime conversation hint server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/hintline/internal/api"
	"github.com/ashureev/hintline/internal/config"
	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/hint"
	"github.com/ashureev/hintline/internal/journal"
	"github.com/ashureev/hintline/internal/knowledge"
	"github.com/ashureev/hintline/internal/metrics"
	"github.com/ashureev/hintline/internal/middleware"
	"github.com/ashureev/hintline/internal/router"
	"github.com/ashureev/hintline/internal/session"
	"github.com/ashureev/hintline/internal/store"
	"github.com/ashureev/hintline/internal/stt"
	"github.com/ashureev/hintline/internal/transport"
	"github.com/ashureev/hintline/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_backend", cfg.LLM.Backend)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ks := knowledge.NewService(repo, cfg.Knowledge(), logger)
	indexed, err := ks.IndexDirectory(context.Background(), cfg.KnowledgeDir)
	if err != nil {
		slog.Warn("Failed to index knowledge directory", "dir", cfg.KnowledgeDir, "error", err)
	}
	slog.Info("Knowledge directory indexed", "dir", cfg.KnowledgeDir, "files", indexed)

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		slog.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	generator, closeGenerator, err := newGenerator(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize hint generator", "error", err)
		os.Exit(1)
	}
	defer closeGenerator()

	conversations, err := journal.New(cfg.Journal(), logger)
	if err != nil {
		slog.Error("Failed to initialize conversation journal", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversations.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation journal", "error", closeErr)
		}
	}()

	engineCfg := cfg.Engine()
	registry := router.DefaultRegistry(engineCfg.Router)
	sessions := session.NewManager(session.Deps{
		Provider:  stt.NewRealtime(cfg.Realtime(), logger),
		Generator: generator,
		Registry:  registry,
		Retriever: ks,
		Journal:   conversations,
	}, engineCfg, logger)
	defer sessions.Shutdown()

	// Initialize handlers.
	baseHandler := api.NewHandler(ks, sessions, api.ClientConfig{
		SampleRate:      engineCfg.STT.InputSampleRate,
		FrameDurationMS: 20,
		Channels:        []string{string(domain.SpeakerSelf), string(domain.SpeakerOther)},
		LLMModel:        cfg.LLM.Model,
		STTModel:        cfg.STT.Model,
		Modes:           registry.Names(),
		DefaultMode:     domain.DefaultSettings().Mode,
	})
	healthHandler := api.NewHealthHandler(repo, sessions)
	wsHandler := transport.NewWebSocketHandler(sessions, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	apiRouter := baseHandler.Routes()
	healthHandler.RegisterHealth(apiRouter)
	r.Mount("/api", apiRouter)
	r.Handle("/metrics", metrics.Handler(reg))

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Serve embedded debug client (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket sessions are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	sessions.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newGenerator builds the configured hint backend and its cleanup.
func newGenerator(cfg *config.Config, logger *slog.Logger) (hint.Generator, func(), error) {
	switch cfg.LLM.Backend {
	case config.BackendGRPC:
		slog.Info("Connecting to hint service via gRPC", "address", cfg.LLM.GRPCAddr)
		gen, err := hint.NewGRPCGenerator(cfg.GRPC(), logger)
		if err != nil {
			return nil, nil, err
		}
		return gen, gen.Close, nil
	default:
		slog.Info("Using OpenAI-compatible hint backend", "base_url", cfg.LLM.BaseURL, "model", cfg.LLM.Model)
		return hint.NewOpenAIGenerator(cfg.OpenAI(), logger), func() {}, nil
	}
}
