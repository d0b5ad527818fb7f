package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/othala/internal/api"
	"github.com/starford/othala/internal/graph"
	"github.com/starford/othala/internal/sse"
	"github.com/starford/othala/internal/vault"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("graph_path", cfg.Graph.Path),
		slog.String("layout", cfg.Graph.Layout),
		slog.Bool("changelog", cfg.Graph.ChangelogEnabled()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker receives every committed mutation.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	// Open the graph engine.
	g, err := graph.Open(cfg.Graph.Path,
		graph.WithLayout(cfg.Graph.Layout),
		graph.WithChangelog(cfg.Graph.ChangelogEnabled()),
		graph.WithLogger(logger),
		graph.WithEventFunc(broker.PublishNodeEvent),
	)
	if err != nil {
		return fmt.Errorf("init graph: %w", err)
	}
	defer g.Close()

	// Optional vault import.
	var importer *vault.Importer
	if cfg.Vault.Path != "" {
		if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
			return fmt.Errorf("create vault dir: %w", err)
		}
		fs, err := vault.NewFS(cfg.Vault.Path)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		importer = vault.NewImporter(g, fs, logger)
		if err := importer.ImportAll(); err != nil {
			logger.Warn("initial vault import failed", slog.String("error", err.Error()))
		}
	}

	// Build API service and router.
	svc := api.NewService(g, cfg.Replica.Path, graph.Scope(cfg.Replica.Scope))
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g2, gCtx := errgroup.WithContext(ctx)

	// Watch the vault when configured.
	if importer != nil && cfg.Vault.Watch {
		g2.Go(func() error {
			return vault.Watch(gCtx, importer, logger, func(kind, name string) {
				broker.PublishNodeEvent("vault."+kind, name)
			})
		})
	}

	// Start HTTP server.
	g2.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g2.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g2.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
