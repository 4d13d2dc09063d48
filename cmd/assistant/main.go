// Adlytic Assistant - advertising analytics chat gateway
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

	"github.com/adlytic/assistant/internal/api"
	"github.com/adlytic/assistant/internal/backend"
	"github.com/adlytic/assistant/internal/chat"
	"github.com/adlytic/assistant/internal/config"
	"github.com/adlytic/assistant/internal/daterange"
	"github.com/adlytic/assistant/internal/identity"
	"github.com/adlytic/assistant/internal/middleware"
	"github.com/adlytic/assistant/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	cache, err := store.NewSQLite(cfg.CachePath)
	if err != nil {
		slog.Error("Failed to initialize cache database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := cache.Close(); closeErr != nil {
			slog.Error("Failed to close cache", "error", closeErr)
		}
	}()

	if err := cache.Ping(context.Background()); err != nil {
		slog.Error("Cache health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Cache database connected")

	platform, err := backend.NewClient(backend.Config{
		BaseURL:        cfg.PlatformAPIURL,
		RequestTimeout: cfg.RequestTimeout,
		AgentTimeout:   cfg.AgentTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize platform client", "error", err)
		os.Exit(1)
	}
	slog.Info("Platform client initialized", "base_url", cfg.PlatformAPIURL)

	convlog, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := convlog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	hub := api.NewHub(cfg.FrontendURL, cfg.IsDevelopment(), logger)
	ranges := daterange.New(platform, cache, hub, logger)
	defer ranges.Close()
	registry := chat.NewRegistry(platform, ranges, hub, convlog, logger)
	defer registry.Close()

	// Initialize handlers.
	baseHandler := api.NewHandler(registry, ranges, cache, hub, logger)
	chatHandler := api.NewChatHandler(baseHandler)
	sessionHandler := api.NewSessionHandler(baseHandler)
	settingsHandler := api.NewSettingsHandler(baseHandler)
	stateHandler := api.NewStateHandler(baseHandler)
	healthHandler := api.NewHealthHandler(baseHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware())

	healthHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)
	sessionHandler.RegisterRoutes(r)
	settingsHandler.RegisterRoutes(r)
	stateHandler.RegisterRoutes(r)

	// WebSocket event stream.
	r.Get("/ws/events", hub.ServeHTTP)

	// Create server. No WriteTimeout: event streams stay open indefinitely.
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
		slog.Info("Gateway listening", "addr", srv.Addr)
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Gateway stopped successfully")
}
