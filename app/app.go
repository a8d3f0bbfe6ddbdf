// Package app wires configuration, logging and the engine into a process
// lifecycle: build, serve, and shut down gracefully on SIGINT or SIGTERM.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/searchktools/mini-server/config"
	"github.com/searchktools/mini-server/core"
	"github.com/searchktools/mini-server/core/http"
	"github.com/searchktools/mini-server/core/observability"
	"github.com/searchktools/mini-server/core/static"
)

// App is one configured server instance
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	engine  *core.Engine
	monitor *observability.Monitor
}

// New builds the engine described by cfg. Events go to the monitor and,
// when cfg.AccessLog is set, to an access log on logger.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	monitor := observability.NewMonitor(0)

	access := core.MultiLogger{monitor}
	if cfg.AccessLog {
		access = append(access, core.NewAccessLog(logger.With("component", "access")))
	}

	engine := core.NewEngineWithOptions(EngineOptions(cfg, logger, access))
	if cfg.StaticRoot != "" {
		if err := engine.SetStatic(StaticConfig(cfg)); err != nil {
			return nil, err
		}
	}

	return &App{
		cfg:     cfg,
		log:     logger,
		engine:  engine,
		monitor: monitor,
	}, nil
}

// EngineOptions maps configuration onto engine options
func EngineOptions(cfg *config.Config, logger *slog.Logger, access core.Logger) core.Options {
	return core.Options{
		Workers:        cfg.ThreadPoolCount,
		QueueCapacity:  cfg.QueueCapacity,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxConnections: cfg.MaxConnections,
		ReusePort:      cfg.ReusePort,
		AccessLog:      access,
		Log:            logger,
	}
}

// StaticConfig maps configuration onto the static resolver's
func StaticConfig(cfg *config.Config) static.Config {
	return static.Config{
		Root:            cfg.StaticRoot,
		IndexFiles:      cfg.IndexFiles,
		ListDirectories: cfg.ListDirectories,
		Gzip:            cfg.GzipStatic,
	}
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine { return a.engine }

// Monitor returns the per-route metrics collector
func (a *App) Monitor() *observability.Monitor { return a.monitor }

// Config returns the configuration the app was built from
func (a *App) Config() *config.Config { return a.cfg }

// Run binds the configured address and serves until ctx ends or the process
// receives SIGINT or SIGTERM. A bind failure is returned as *core.BindError.
func (a *App) Run(ctx context.Context) error {
	l, err := core.Listen(a.cfg.BindAddress, a.cfg.ReusePort, a.cfg.MaxConnections)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx, l)
}

// Serve serves on l until ctx ends, then shuts down within the configured
// grace period. It returns nil after a clean or forced shutdown.
func (a *App) Serve(ctx context.Context, l net.Listener) error {
	a.log.Info("starting", "env", a.cfg.Env, "addr", l.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- a.engine.Serve(l) }()

	select {
	case err := <-errc:
		if errors.Is(err, core.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down", "grace", a.cfg.ShutdownGracePeriod)
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := a.engine.Shutdown(sctx); err != nil {
		a.log.Warn("forced shutdown", "error", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, core.ErrServerClosed) {
		return err
	}
	return nil
}

// StatsHandler reports engine counters, per-route metrics and detected
// bottlenecks as JSON.
func (a *App) StatsHandler() http.HandlerFunc {
	return func(req *http.Request) (*http.Response, error) {
		return http.JSON(http.StatusOK, struct {
			Engine      core.Stats                   `json:"engine"`
			Summary     observability.Summary        `json:"summary"`
			Routes      []observability.RouteMetrics `json:"routes"`
			Bottlenecks []observability.Bottleneck   `json:"bottlenecks"`
		}{
			Engine:      a.engine.Stats(),
			Summary:     a.monitor.Summary(),
			Routes:      a.monitor.Snapshot(),
			Bottlenecks: a.monitor.Bottlenecks(),
		})
	}
}
