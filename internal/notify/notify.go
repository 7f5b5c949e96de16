// Package notify delivers fire-and-forget notifications produced by the
// engine and the background monitor.
package notify

import (
	"context"
	"log/slog"
	"time"

	"storyline/internal/logging"
)

// Event types emitted through a Sink.
const (
	TypeTaskReminder    = "task.reminder"
	TypeStoryStale      = "story.stale"
	TypeDailyRollup     = "daily.rollup"
	TypeStoryGateFailed = "story.gate.failed"
	TypeProjectDone     = "project.completed"
)

type Event struct {
	Type      string         `json:"type"`
	EntityID  string         `json:"entity_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives notifications. Emit must not block the caller for long and
// never reports delivery failures.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event)

func (f SinkFunc) Emit(ctx context.Context, evt Event) { f(ctx, evt) }

// Nop drops everything.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, evt Event) {
	logging.OrNop(s.Logger).InfoContext(ctx, "notification",
		"type", evt.Type,
		"entity_id", evt.EntityID,
		"payload", evt.Payload,
		"ts", evt.Timestamp.UTC().Format(time.RFC3339),
	)
}

// Multi fans one event out to every sink.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, evt Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, evt)
		}
	}
}
