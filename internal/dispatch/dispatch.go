// Package dispatch delegates agent-bound work through registered
// capabilities and normalizes their outcomes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"storyline/internal/domain"
	"storyline/internal/logging"
)

// Actions known to the engine.
const (
	ActionResearch            = "research"
	ActionWriteBrief          = "write_brief"
	ActionWritePRD            = "write_prd"
	ActionProduceArchitecture = "produce_architecture"
	ActionImplementStory      = "implement_story"
	ActionDesignTests         = "design_tests"
	ActionRunNFRChecks        = "run_nfr_checks"
)

type Result struct {
	Data map[string]any `json:"data"`
}

// Capability performs actions on behalf of one agent. Implementations must
// honour ctx cancellation.
type Capability interface {
	Invoke(ctx context.Context, action string, input map[string]any) (Result, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, action string, input map[string]any) (Result, error)

func (f CapabilityFunc) Invoke(ctx context.Context, action string, input map[string]any) (Result, error) {
	return f(ctx, action, input)
}

// Registry maps agent ids to capabilities. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: map[string]Capability{}}
}

func (r *Registry) Register(agentID string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[agentID] = c
}

func (r *Registry) Lookup(agentID string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[agentID]
	return c, ok
}

// Agents lists registered agent ids in lexical order.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for id := range r.caps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

type Outcome struct {
	Status   Status         `json:"status"`
	Agent    string         `json:"agent"`
	Action   string         `json:"action"`
	EntityID string         `json:"entity_id"`
	Data     map[string]any `json:"data,omitempty"`
	Duration time.Duration  `json:"duration"`
}

type Dispatcher struct {
	Registry *Registry
	// Timeout returns the budget for an action; nil means five minutes.
	Timeout func(action string) time.Duration
	Logger  *slog.Logger
}

func New(reg *Registry, timeout func(string) time.Duration, logger *slog.Logger) *Dispatcher {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Dispatcher{Registry: reg, Timeout: timeout, Logger: logging.OrNop(logger)}
}

func (d *Dispatcher) timeout(action string) time.Duration {
	if d.Timeout != nil {
		if t := d.Timeout(action); t > 0 {
			return t
		}
	}
	return 5 * time.Minute
}

// Dispatch invokes action on agentID and waits at most the action's timeout.
// A non-ok outcome is always paired with an error: ErrAgentUnavailable,
// ErrTimeout or a *domain.CollaboratorError.
func (d *Dispatcher) Dispatch(ctx context.Context, action, entityID, agentID string, input map[string]any) (Outcome, error) {
	out := Outcome{Agent: agentID, Action: action, EntityID: entityID, Status: StatusError}
	capability, ok := d.Registry.Lookup(agentID)
	if !ok {
		return out, fmt.Errorf("agent %s for %s: %w", agentID, action, domain.ErrAgentUnavailable)
	}
	budget := d.timeout(action)
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type reply struct {
		res Result
		err error
	}
	done := make(chan reply, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- reply{err: fmt.Errorf("capability panic: %v", p)}
			}
		}()
		res, err := capability.Invoke(cctx, action, input)
		done <- reply{res: res, err: err}
	}()

	log := logging.OrNop(d.Logger).With("agent", agentID, "action", action, "entity_id", entityID)
	select {
	case <-cctx.Done():
		out.Duration = time.Since(start)
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			out.Status = StatusTimeout
			log.Warn("dispatch timed out", "budget", budget.String())
			return out, fmt.Errorf("agent %s action %s after %s: %w", agentID, action, budget, domain.ErrTimeout)
		}
		return out, ctx.Err()
	case r := <-done:
		out.Duration = time.Since(start)
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				out.Status = StatusTimeout
				log.Warn("dispatch timed out", "budget", budget.String())
				return out, fmt.Errorf("agent %s action %s after %s: %w", agentID, action, budget, domain.ErrTimeout)
			}
			log.Error("dispatch failed", "error", r.err.Error(), "duration", out.Duration.String())
			return out, &domain.CollaboratorError{Agent: agentID, Action: action, Err: r.err}
		}
		out.Status = StatusOK
		out.Data = r.res.Data
		if out.Data == nil {
			out.Data = map[string]any{}
		}
		log.Info("dispatch ok", "duration", out.Duration.String())
		return out, nil
	}
}
