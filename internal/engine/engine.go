package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"storyline/internal/config"
	"storyline/internal/dispatch"
	"storyline/internal/events"
	"storyline/internal/gates"
	"storyline/internal/logging"
	"storyline/internal/notify"
	"storyline/internal/repo"
	"storyline/internal/scheduler"
)

// Engine owns every mutation of tasks, stories and projects. It is a value
// type; copies share the same per-id locks.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Scheduler  scheduler.Scheduler
	Gates      gates.Evaluator
	Dispatcher *dispatch.Dispatcher
	Sink       notify.Sink
	Logger     *slog.Logger
	Now        func() time.Time

	locks *keyedLocks
}

// New wires an engine from config. Agents come from agents.registry; callers
// may replace Dispatcher, Sink, Logger or Now afterwards.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	reg, err := dispatch.RegistryFromConfig(cfg, nil)
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{},
		Config:     cfg,
		Scheduler:  scheduler.New(r, scheduler.OptionsFromConfig(cfg)),
		Gates:      gates.New(gates.OptionsFromConfig(cfg)),
		Dispatcher: dispatch.New(reg, cfg.DispatchTimeout, nil),
		Sink:       notify.Nop{},
		Logger:     logging.Nop(),
		Now:        time.Now,
		locks:      newKeyedLocks(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) today() string {
	return e.now().Format("2006-01-02")
}

func (e Engine) log() *slog.Logger {
	return logging.OrNop(e.Logger)
}

func (e Engine) lock(kind, id string) func() {
	l := e.locks
	if l == nil {
		l = fallbackLocks
	}
	return l.Lock(kind + ":" + id)
}

// inTx runs fn in one transaction bound to a tx-scoped repo.
func (e Engine) inTx(ctx context.Context, fn func(r repo.Repo, tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(e.Repo.WithTx(tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (e Engine) event(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, projectID, entityKind, entityID, ActorFrom(ctx), payload)
}

func (e Engine) notify(ctx context.Context, evtType, entityID string, payload map[string]any) {
	if e.Sink == nil {
		return
	}
	e.Sink.Emit(ctx, notify.Event{Type: evtType, EntityID: entityID, Payload: payload, Timestamp: e.now()})
}

func (e Engine) dispatcher() *dispatch.Dispatcher {
	if e.Dispatcher == nil {
		return dispatch.New(nil, nil, e.Logger)
	}
	return e.Dispatcher
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

type actorKey struct{}

// WithActor records who performs the operations made with ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor recorded by WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}
