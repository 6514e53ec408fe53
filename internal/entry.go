// Package internal provides the main application initialization and runtime logic.
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

	"github.com/starford/flowboard/internal/api"
	"github.com/starford/flowboard/internal/board"
	"github.com/starford/flowboard/internal/confwatch"
	"github.com/starford/flowboard/internal/index"
	"github.com/starford/flowboard/internal/mcpserver"
	"github.com/starford/flowboard/internal/remote"
	"github.com/starford/flowboard/internal/sse"
	pkgconfig "github.com/starford/flowboard/pkg/config"
)

// Version is reported by the MCP server and the CLI.
var Version = "dev"

var _ board.Events = (*sse.Broker)(nil)

// runtime is the wired engine shared by every entry point.
type runtime struct {
	cfg    *Config
	logger *slog.Logger
	level  *slog.LevelVar
	db     *index.DB
	board  *board.Board
}

func (rt *runtime) close() {
	rt.board.Close()
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("close index", slog.String("error", err.Error()))
	}
}

// setup applies opts and opens the mirror, the remote client and the board.
func setup(app *application, boardOpts ...board.Option) (*runtime, error) {
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config

	out := app.logOutput
	if out == nil {
		out = os.Stdout
	}
	level := new(slog.LevelVar)
	level.Set(cfg.App.LogLevel)

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("remote_base_url", cfg.Remote.BaseURL),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("board_root_name", cfg.Board.RootName),
		slog.Duration("export_interval", cfg.Remote.ExportInterval),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Initialize SQLite mirror.
	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	rs := app.remote
	if rs == nil {
		rs = remote.NewClient(cfg.Remote.ClientConfig(),
			remote.WithLogger(logger.With(slog.String("component", "remote"))))
	}

	opts := append([]board.Option{
		board.WithLogger(logger),
		board.WithRefreshInterval(cfg.Remote.ExportInterval),
		board.WithRemoteTimeout(cfg.Remote.Timeout),
	}, boardOpts...)
	b, err := board.Open(db, rs, cfg.Board.BoardSettings(), opts...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init board: %w", err)
	}

	return &runtime{cfg: cfg, logger: logger, level: level, db: db, board: b}, nil
}

// reloader applies a changed config file. Only the log level takes effect
// without a restart.
func (rt *runtime) reloader() confwatch.ReloadFunc {
	return func(data []byte) error {
		next := NewDefaultConfig()
		if err := pkgconfig.Parse(data, next); err != nil {
			return err
		}
		if prev := rt.level.Level(); prev != next.App.LogLevel {
			rt.level.Set(next.App.LogLevel)
			rt.logger.Info("log level changed",
				slog.String("from", prev.String()),
				slog.String("to", next.App.LogLevel.String()))
		}
		return nil
	}
}

// newHTTPHandler builds the root router: health checks, then the API under /api.
func newHTTPHandler(cfg *Config, b *board.Board, broker *sse.Broker) http.Handler {
	var events http.Handler
	if broker != nil {
		events = broker
	}
	apiRouter := api.NewRouter(b, cfg.Auth.AuthEnabled(), cfg.Auth.Token, events)

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
		if !b.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"warming"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)
	return r
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	rt, err := setup(app, board.WithEvents(broker))
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           newHTTPHandler(cfg, rt.board, broker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Initial refresh; a warm mirror serves reads meanwhile.
	g.Go(func() error {
		res, err := rt.board.Refresh(gCtx)
		if err != nil {
			logger.Warn("initial refresh failed", slog.String("error", err.Error()))
			return nil
		}
		logger.Info("initial refresh done",
			slog.Int("nodes_cached", res.NodesCached),
			slog.String("root_id", res.RootID))
		return nil
	})

	if cfg.App.WatchConfig && app.configPath != "" {
		g.Go(func() error {
			if err := confwatch.Watch(gCtx, app.configPath, 0, logger, rt.reloader()); err != nil {
				logger.Warn("config watcher disabled", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
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

		logger.Info("Shutting down server...")

		// Close event streams first so Shutdown does not wait on them.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group's context so the watchers stop with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the board over MCP on stdin/stdout. Logs go to the configured
// output, which must not be stdout.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(app)
	}
	rt, err := setup(app)
	if err != nil {
		return err
	}
	defer rt.close()

	if !rt.board.Ready() {
		if _, err := rt.board.Refresh(ctx); err != nil {
			rt.logger.Warn("initial refresh failed", slog.String("error", err.Error()))
		}
	}

	rt.logger.Info("MCP server starting on stdio")
	return mcpserver.New(rt.board, Version).ServeStdio()
}

// RefreshOnce runs one export into the mirror and returns its outcome.
func RefreshOnce(ctx context.Context, opts ...Option) (board.RefreshResult, error) {
	app := &application{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(app)
	}
	rt, err := setup(app)
	if err != nil {
		return board.RefreshResult{}, err
	}
	defer rt.close()
	return rt.board.Refresh(ctx)
}
