// Package scheduler answers capacity questions about agents' working days.
// It only reads task allocations; the engine persists any decision.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"storyline/internal/config"
	"storyline/internal/domain"
)

// epsilon absorbs float drift when summing fractional hours.
const epsilon = 1e-9

// Store is the read side the scheduler needs. repo.Repo satisfies it, bound
// to either the database or an open transaction.
type Store interface {
	AllocatedHours(ctx context.Context, agentID, date string) (float64, error)
	AllocatedByAgent(ctx context.Context, date string) (map[string]float64, error)
}

type Options struct {
	DailyCeiling  float64
	AgentCeilings map[string]float64
	HorizonDays   int
	SkipWeekends  bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{DailyCeiling: 8.0, HorizonDays: 30}
}

func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return DefaultOptions()
	}
	return Options{
		DailyCeiling:  cfg.Capacity.DailyHourCeiling,
		AgentCeilings: cfg.Capacity.AgentCeilings,
		HorizonDays:   cfg.Capacity.HorizonDays,
		SkipWeekends:  cfg.Capacity.SkipWeekends,
	}
}

type Scheduler struct {
	Store   Store
	Options Options
}

func New(store Store, opts Options) Scheduler {
	if opts.DailyCeiling <= 0 {
		opts.DailyCeiling = DefaultOptions().DailyCeiling
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = DefaultOptions().HorizonDays
	}
	return Scheduler{Store: store, Options: opts}
}

// WithStore returns a copy reading from st, typically a transaction-bound repo.
func (s Scheduler) WithStore(st Store) Scheduler {
	s.Store = st
	return s
}

// Ceiling returns the daily hour ceiling for agent.
func (s Scheduler) Ceiling(agent string) float64 {
	if v, ok := s.Options.AgentCeilings[agent]; ok && v > 0 {
		return v
	}
	return s.Options.DailyCeiling
}

type CapacityCheck struct {
	OK             bool    `json:"ok"`
	RemainingHours float64 `json:"remaining_hours"`
	AllocatedHours float64 `json:"allocated_hours"`
	CeilingHours   float64 `json:"ceiling_hours"`
}

// CheckCapacity reports whether hours more fit on agent's date. Remaining is
// the ceiling minus every task already scheduled that day, completed ones
// included.
func (s Scheduler) CheckCapacity(ctx context.Context, agent, date string, hours float64) (CapacityCheck, error) {
	if agent == "" {
		return CapacityCheck{}, domain.Invalid("agent is required")
	}
	if hours <= 0 {
		return CapacityCheck{}, fmt.Errorf("%w: %v", domain.ErrInvalidAllocation, hours)
	}
	if _, err := domain.ParseDate(date); err != nil {
		return CapacityCheck{}, err
	}
	w, err := s.window(ctx, agent, date)
	if err != nil {
		return CapacityCheck{}, err
	}
	remaining := w.Remaining()
	return CapacityCheck{
		OK:             hours <= remaining+epsilon,
		RemainingHours: remaining,
		AllocatedHours: w.AllocatedHours,
		CeilingHours:   w.MaxHours,
	}, nil
}

func (s Scheduler) window(ctx context.Context, agent, date string) (domain.CapacityWindow, error) {
	allocated, err := s.Store.AllocatedHours(ctx, agent, date)
	if err != nil {
		return domain.CapacityWindow{}, fmt.Errorf("capacity %s on %s: %w", agent, date, err)
	}
	return domain.CapacityWindow{AgentID: agent, Date: date, AllocatedHours: allocated, MaxHours: s.Ceiling(agent)}, nil
}

// days yields the candidate dates of the horizon starting at earliest.
func (s Scheduler) days(earliest time.Time) []time.Time {
	start := time.Date(earliest.Year(), earliest.Month(), earliest.Day(), 0, 0, 0, 0, time.UTC)
	out := make([]time.Time, 0, s.Options.HorizonDays)
	for i := 0; i < s.Options.HorizonDays; i++ {
		d := start.AddDate(0, 0, i)
		if s.Options.SkipWeekends && (d.Weekday() == time.Saturday || d.Weekday() == time.Sunday) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// SuggestSchedule returns the first date on or after earliest where agent has
// room for hours.
func (s Scheduler) SuggestSchedule(ctx context.Context, agent string, hours float64, earliest time.Time) (string, error) {
	if agent == "" {
		return "", domain.Invalid("agent is required")
	}
	if hours <= 0 {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidAllocation, hours)
	}
	for _, d := range s.days(earliest) {
		date := domain.FormatDate(d)
		w, err := s.window(ctx, agent, date)
		if err != nil {
			return "", err
		}
		if hours <= w.Remaining()+epsilon {
			return date, nil
		}
	}
	return "", fmt.Errorf("agent %s, %.2fh within %d days: %w", agent, hours, s.Options.HorizonDays, domain.ErrNoCapacityWithinHorizon)
}

// PickAgent chooses the candidate that can take hours soonest. On the
// earliest feasible date the agent with the most remaining capacity wins;
// ties go to the lexically smallest id.
func (s Scheduler) PickAgent(ctx context.Context, candidates []string, hours float64, earliest time.Time) (string, string, error) {
	if len(candidates) == 0 {
		return "", "", fmt.Errorf("no candidate agents: %w", domain.ErrAgentUnavailable)
	}
	if hours <= 0 {
		return "", "", fmt.Errorf("%w: %v", domain.ErrInvalidAllocation, hours)
	}
	agents := append([]string(nil), candidates...)
	sort.Strings(agents)
	for _, d := range s.days(earliest) {
		date := domain.FormatDate(d)
		best, bestRemaining := "", -1.0
		for _, agent := range agents {
			w, err := s.window(ctx, agent, date)
			if err != nil {
				return "", "", err
			}
			remaining := w.Remaining()
			if hours > remaining+epsilon {
				continue
			}
			if remaining > bestRemaining+epsilon {
				best, bestRemaining = agent, remaining
			}
		}
		if best != "" {
			return best, date, nil
		}
	}
	return "", "", fmt.Errorf("%.2fh for %v within %d days: %w", hours, agents, s.Options.HorizonDays, domain.ErrNoCapacityWithinHorizon)
}

// Workload returns per-agent load for date. agents lists ids to include even
// when they have nothing scheduled.
func (s Scheduler) Workload(ctx context.Context, date string, agents []string) ([]domain.CapacityWindow, error) {
	if _, err := domain.ParseDate(date); err != nil {
		return nil, err
	}
	load, err := s.Store.AllocatedByAgent(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("workload on %s: %w", date, err)
	}
	for _, a := range agents {
		if _, ok := load[a]; !ok {
			load[a] = 0
		}
	}
	out := make([]domain.CapacityWindow, 0, len(load))
	for agent, hours := range load {
		out = append(out, domain.CapacityWindow{AgentID: agent, Date: date, AllocatedHours: hours, MaxHours: s.Ceiling(agent)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
