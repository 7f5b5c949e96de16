// Package monitor runs the background loop that reminds agents of today's
// tasks, flags stories stuck in one state and publishes a daily rollup. It
// only reads the store and only talks to a notify.Sink.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/logging"
	"storyline/internal/notify"
	"storyline/internal/repo"
	"storyline/internal/scheduler"
)

// Clock abstracts time so tests can drive the loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Store is the read-only view the monitor needs.
type Store interface {
	ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error)
	ListStories(ctx context.Context, f repo.StoryFilters) ([]domain.Story, error)
	CountTasksByStatus(ctx context.Context) (map[string]int, error)
	TaskHours(ctx context.Context) (allocated, completed float64, err error)
}

type Options struct {
	TickInterval time.Duration
	Staleness    time.Duration
	RollupHour   int
	// Agents are always listed in the rollup workload.
	Agents []string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TickInterval: cfg.TickInterval(),
		Staleness:    cfg.StalenessThreshold(),
		RollupHour:   cfg.Monitor.RollupHour,
		Agents:       cfg.AgentPool(),
	}
}

type Monitor struct {
	store     Store
	scheduler scheduler.Scheduler
	sink      notify.Sink
	clock     Clock
	logger    *slog.Logger
	opts      Options

	mu         sync.Mutex
	remindDay  string
	reminded   map[string]bool
	staled     map[string]string
	lastRollup string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store Store, sched scheduler.Scheduler, sink notify.Sink, clock Clock, logger *slog.Logger, opts Options) *Monitor {
	if clock == nil {
		clock = RealClock
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Minute
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 48 * time.Hour
	}
	return &Monitor{
		store:     store,
		scheduler: sched,
		sink:      sink,
		clock:     clock,
		logger:    logging.OrNop(logger),
		opts:      opts,
		reminded:  map[string]bool{},
		staled:    map[string]string{},
	}
}

// Run scans immediately and then once per tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "tick", m.opts.TickInterval.String())
	defer m.logger.Info("monitor stopped")
	for {
		if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("monitor tick failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.opts.TickInterval):
		}
	}
}

// Start runs the loop in a goroutine until Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = m.Run(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Tick performs one scan.
func (m *Monitor) Tick(ctx context.Context) error {
	now := m.clock.Now()
	if err := m.remind(ctx, now); err != nil {
		return fmt.Errorf("reminders: %w", err)
	}
	if err := m.checkStaleness(ctx, now); err != nil {
		return fmt.Errorf("staleness: %w", err)
	}
	if err := m.rollup(ctx, now); err != nil {
		return fmt.Errorf("rollup: %w", err)
	}
	return nil
}

func (m *Monitor) remind(ctx context.Context, now time.Time) error {
	today := domain.FormatDate(now)
	tasks, err := m.store.ListTasks(ctx, repo.TaskFilters{Date: today})
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.remindDay != today {
		m.remindDay = today
		m.reminded = map[string]bool{}
	}
	var due []domain.Task
	for _, t := range tasks {
		if t.Status == domain.TaskCompleted || m.reminded[t.ID] {
			continue
		}
		m.reminded[t.ID] = true
		due = append(due, t)
	}
	m.mu.Unlock()
	for _, t := range due {
		m.sink.Emit(ctx, notify.Event{
			Type:     notify.TypeTaskReminder,
			EntityID: t.ID,
			Payload: map[string]any{
				"name":            t.Name,
				"agent_id":        t.AgentID,
				"status":          string(t.Status),
				"remaining_hours": t.Remaining(),
				"scheduled_date":  t.ScheduledDate,
			},
			Timestamp: now,
		})
	}
	return nil
}

func (m *Monitor) checkStaleness(ctx context.Context, now time.Time) error {
	stories, err := m.store.ListStories(ctx, repo.StoryFilters{})
	if err != nil {
		return err
	}
	for _, s := range stories {
		if s.State == domain.StoryCompleted {
			continue
		}
		entered, err := domain.ParseTime(s.StateEnteredAt)
		if err != nil {
			m.logger.Warn("story has unparseable state_entered_at", "story_id", s.ID, "value", s.StateEnteredAt)
			continue
		}
		age := now.Sub(entered)
		if age <= m.opts.Staleness {
			continue
		}
		m.mu.Lock()
		already := m.staled[s.ID] == s.StateEnteredAt
		m.staled[s.ID] = s.StateEnteredAt
		m.mu.Unlock()
		if already {
			continue
		}
		m.sink.Emit(ctx, notify.Event{
			Type:     notify.TypeStoryStale,
			EntityID: s.ID,
			Payload: map[string]any{
				"project_id":  s.ProjectID,
				"state":       string(s.State),
				"entered_at":  s.StateEnteredAt,
				"stale_hours": int(age.Hours()),
			},
			Timestamp: now,
		})
	}
	return nil
}

func (m *Monitor) rollup(ctx context.Context, now time.Time) error {
	today := domain.FormatDate(now)
	m.mu.Lock()
	due := now.Hour() >= m.opts.RollupHour && m.lastRollup != today
	m.mu.Unlock()
	if !due {
		return nil
	}
	counts, err := m.store.CountTasksByStatus(ctx)
	if err != nil {
		return err
	}
	allocated, completed, err := m.store.TaskHours(ctx)
	if err != nil {
		return err
	}
	var workload []domain.CapacityWindow
	if m.scheduler.Store != nil {
		if workload, err = m.scheduler.Workload(ctx, today, m.opts.Agents); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.lastRollup = today
	m.mu.Unlock()
	m.sink.Emit(ctx, notify.Event{
		Type:     notify.TypeDailyRollup,
		EntityID: today,
		Payload: map[string]any{
			"date":            today,
			"tasks_by_status": counts,
			"hours_allocated": allocated,
			"hours_completed": completed,
			"workload":        workload,
		},
		Timestamp: now,
	})
	return nil
}
