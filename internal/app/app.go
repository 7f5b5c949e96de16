// Package app assembles a ready-to-use engine from a workspace: database,
// migrations, configuration, logger and notification sinks.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/dispatch"
	"storyline/internal/engine"
	"storyline/internal/logging"
	"storyline/internal/migrate"
	"storyline/internal/monitor"
	"storyline/internal/notify"
)

type Options struct {
	Workspace string
	// Env overlays STORYLINE_* variables on the file config when set.
	Env *viper.Viper
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	// LogLevel overrides log.level from config when not empty.
	LogLevel string
}

// App owns the resources behind one engine. Close releases them.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Logger    *slog.Logger
	Engine    engine.Engine

	webhooks *notify.WebhookSink
}

// Open prepares the workspace, applies migrations and wires the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.Env != nil {
		if err := cfg.ApplyEnv(opts.Env); err != nil {
			return nil, err
		}
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger := logging.New(opts.LogOutput, level, cfg.Log.Format)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	e, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	reg, err := dispatch.RegistryFromConfig(cfg, &http.Client{Timeout: maxDispatchTimeout(cfg)})
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Dispatcher = dispatch.New(reg, cfg.DispatchTimeout, logger.With("component", "dispatch"))
	e.Logger = logger.With("component", "engine")

	a := &App{Workspace: opts.Workspace, DB: conn, Config: cfg, Logger: logger}
	sinks := notify.Multi{notify.LogSink{Logger: logger.With("component", "notify")}}
	if len(cfg.Notify.Webhooks) > 0 {
		a.webhooks = notify.NewWebhookSink(cfg.Notify.Webhooks, cfg.Notify.QueueSize, nil, logger.With("component", "webhooks"))
		sinks = append(sinks, a.webhooks)
	}
	e.Sink = sinks
	a.Engine = e
	return a, nil
}

// maxDispatchTimeout bounds HTTP agent calls by the longest configured action
// budget; the dispatcher enforces the per-action budget itself.
func maxDispatchTimeout(cfg *config.Config) time.Duration {
	longest := cfg.DispatchTimeout("default")
	for action := range cfg.Dispatch.TimeoutSeconds {
		if d := cfg.DispatchTimeout(action); d > longest {
			longest = d
		}
	}
	return longest
}

// Monitor builds the background monitor over the app's store and sinks.
func (a *App) Monitor(clock monitor.Clock) *monitor.Monitor {
	return monitor.New(a.Engine.Repo, a.Engine.Scheduler, a.Engine.Sink, clock,
		a.Logger.With("component", "monitor"), monitor.OptionsFromConfig(a.Config))
}

// Close drains pending webhooks and closes the database.
func (a *App) Close() error {
	if a.webhooks != nil {
		a.webhooks.Close()
	}
	return a.DB.Close()
}
