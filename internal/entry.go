// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/imagestudio/internal/api"
	"github.com/starford/imagestudio/internal/generator"
	"github.com/starford/imagestudio/internal/index"
	"github.com/starford/imagestudio/internal/mcpserver"
	"github.com/starford/imagestudio/internal/sse"
	"github.com/starford/imagestudio/internal/storage"
	"github.com/starford/imagestudio/internal/studio"
)

// core is the gallery stack shared by the HTTP and MCP front ends.
type core struct {
	cfg    *Config
	logger *slog.Logger
	store  *storage.FS
	db     *index.DB
	svc    *studio.Service
}

func newApplication(opts []Option) (*application, error) {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// NewLogger builds the JSON logger used across the application.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newGenerator(cfg GeneratorConfig, logger *slog.Logger) (generator.Generator, bool) {
	if cfg.Provider == ProviderPlaceholder {
		return generator.Placeholder{}, false
	}
	return generator.NewGenAI(cfg.Model, cfg.Timeout, logger), true
}

func openCore(app *application) (*core, error) {
	cfg := app.config

	logger := NewLogger(app.logOutput, cfg.App.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("gallery_dir", cfg.Gallery.Dir),
		slog.String("url_prefix", cfg.Gallery.URLPrefix),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("provider", cfg.Generator.Provider),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Gallery.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create gallery dir: %w", err)
	}

	store, err := storage.NewFS(cfg.Gallery.Dir)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	if err := index.Sync(db, store, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	gen, requireKey := newGenerator(cfg.Generator, logger)
	if app.generator != nil {
		gen, requireKey = app.generator, false
	}

	svc := studio.NewService(store, db, gen, studio.Options{
		URLPrefix:         cfg.Gallery.URLPrefix,
		APIKey:            cfg.Generator.APIKey,
		RequireAPIKey:     requireKey,
		DefaultResolution: cfg.Generator.DefaultResolution,
	}, logger)

	return &core{cfg: cfg, logger: logger, store: store, db: db, svc: svc}, nil
}

// NewHandler builds the full HTTP handler: request middleware, health and
// static routes, and the authenticated API.
func NewHandler(svc *studio.Service, cfg *Config, events http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Mount("/", api.NewRouter(svc, api.RouterConfig{
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		Events:      events,
		GalleryDir:  cfg.Gallery.Dir,
		URLPrefix:   cfg.Gallery.URLPrefix,
	}))
	return r
}

// Run starts the HTTP server and gallery watcher and blocks until ctx is
// cancelled or a shutdown signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	c, err := openCore(app)
	if err != nil {
		return err
	}
	defer c.db.Close()

	cfg, logger := c.cfg, c.logger

	broker := sse.NewBroker(2*time.Second, sse.WithHeartbeat(30*time.Second))
	defer broker.Close()

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           NewHandler(c.svc, cfg, broker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher with SSE callback.
	g.Go(func() error {
		err := index.Watch(gCtx, c.db, c.store, c.store.Root(), logger, func(kind, name string) {
			broker.PublishGalleryEvent(kind, name, c.svc.URLFor(name))
		})
		if err != nil {
			logger.Warn("gallery watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		// Stops the watcher when shutdown was signal-driven.
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools over stdin/stdout. Logs go to stderr unless
// WithLogOutput says otherwise, since stdout carries the protocol.
func RunMCP(_ context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	c, err := openCore(app)
	if err != nil {
		return err
	}
	defer c.db.Close()

	c.logger.Info("Starting MCP server on stdio")
	return mcpserver.New(c.svc).ServeStdio()
}
