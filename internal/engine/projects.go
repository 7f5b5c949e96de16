package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/notify"
	"storyline/internal/repo"
)

type ProjectCreateOptions struct {
	ID           string
	Name         string
	WorkflowType domain.WorkflowType
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Project{}, domain.Invalid("project name is required")
	}
	if opts.WorkflowType == "" {
		opts.WorkflowType = domain.WorkflowFull
	}
	if !opts.WorkflowType.Valid() {
		return domain.Project{}, domain.Invalid("unknown workflow type %q", opts.WorkflowType)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	defer e.lock("project", opts.ID)()

	now := domain.FormatTime(e.now())
	p := domain.Project{
		ID:           opts.ID,
		Name:         opts.Name,
		WorkflowType: opts.WorkflowType,
		State:        domain.InitialProjectState(opts.WorkflowType),
		StoryIDs:     []string{},
		StartedAt:    now,
		UpdatedAt:    now,
	}
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		exists, err := r.ProjectExists(ctx, p.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("project %s: %w", p.ID, domain.ErrDuplicateID)
		}
		if err := r.InsertProject(ctx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return e.event(ctx, tx, "project.created", p.ID, "project", p.ID, events.EventPayload{
			"name":          p.Name,
			"workflow_type": string(p.WorkflowType),
			"state":         string(p.State),
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project created", "project_id", p.ID, "workflow", string(p.WorkflowType), "state", string(p.State))
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// AdvanceProject moves a project one step forward when it is still in
// expected. Entering a planning state dispatches the state's action to its
// routed agent outside the transaction; the outcome is stored as an artifact
// in the same commit as the state change.
func (e Engine) AdvanceProject(ctx context.Context, id string, expected domain.ProjectState) (domain.Project, error) {
	defer e.lock("project", id)()

	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if p.State != expected {
		return domain.Project{}, &domain.StateMismatchError{Entity: "project", ID: id, Expected: string(expected), Actual: string(p.State)}
	}
	next, ok := domain.NextProjectState(p.WorkflowType, p.State)
	if !ok {
		return domain.Project{}, &domain.TransitionError{Entity: "project", ID: id, From: string(p.State), Reason: "no forward transition for workflow " + string(p.WorkflowType)}
	}
	if err := e.checkProjectInvariants(ctx, p, next); err != nil {
		return domain.Project{}, err
	}

	var artifact *domain.ProjectArtifact
	if action := e.cfg().ActionFor(string(next)); action != "" {
		if agent := e.cfg().RouteFor(action); agent != "" {
			out, err := e.dispatcher().Dispatch(ctx, action, p.ID, agent, map[string]any{
				"project_id":   p.ID,
				"project_name": p.Name,
				"workflow":     string(p.WorkflowType),
				"state":        string(next),
				"artifacts":    p.Artifacts,
			})
			if err != nil {
				return domain.Project{}, fmt.Errorf("advance project %s to %s: %w", p.ID, next, err)
			}
			artifact = &domain.ProjectArtifact{
				ProjectID:  p.ID,
				State:      next,
				Action:     action,
				AgentID:    agent,
				Data:       out.Data,
				ProducedAt: domain.FormatTime(e.now()),
			}
		}
	}

	now := domain.FormatTime(e.now())
	err = e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		cur, err := r.GetProject(ctx, id)
		if err != nil {
			return err
		}
		if cur.State != expected {
			return &domain.StateMismatchError{Entity: "project", ID: id, Expected: string(expected), Actual: string(cur.State)}
		}
		if err := r.UpdateProjectState(ctx, id, next, now); err != nil {
			return err
		}
		payload := events.EventPayload{"from": string(expected), "to": string(next)}
		if artifact != nil {
			if err := r.UpsertArtifact(ctx, *artifact); err != nil {
				return err
			}
			payload["action"] = artifact.Action
			payload["agent_id"] = artifact.AgentID
		}
		return e.event(ctx, tx, "project.advanced", id, "project", id, payload)
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project advanced", "project_id", id, "from", string(expected), "to", string(next))
	if next == domain.ProjectCompleted {
		e.notify(ctx, notify.TypeProjectDone, id, map[string]any{"name": p.Name, "stories": len(p.StoryIDs)})
	}
	return e.Repo.GetProject(ctx, id)
}

// checkProjectInvariants blocks entering development_ready without stories
// and completing a project whose stories are not all completed.
func (e Engine) checkProjectInvariants(ctx context.Context, p domain.Project, next domain.ProjectState) error {
	if !next.AtLeast(domain.ProjectDevelopmentReady) {
		return nil
	}
	stories, err := e.Repo.ListStories(ctx, repo.StoryFilters{ProjectID: p.ID})
	if err != nil {
		return err
	}
	if len(stories) == 0 {
		return &domain.TransitionError{Entity: "project", ID: p.ID, From: string(p.State), To: string(next), Reason: "project has no stories"}
	}
	if next != domain.ProjectCompleted {
		return nil
	}
	var open []string
	for _, s := range stories {
		if s.State != domain.StoryCompleted {
			open = append(open, s.ID)
		}
	}
	if len(open) > 0 {
		return &domain.TransitionError{Entity: "project", ID: p.ID, From: string(p.State), To: string(next), Reason: "stories not completed: " + strings.Join(open, ", ")}
	}
	return nil
}

// RequestProjectRollback records a request to return a project to an earlier
// state. Projects never move backward; the request is an audit event for a
// human to act on.
func (e Engine) RequestProjectRollback(ctx context.Context, id string, to domain.ProjectState, reason string) error {
	if !to.Valid() {
		return domain.Invalid("unknown project state %q", to)
	}
	defer e.lock("project", id)()
	return e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		p, err := r.GetProject(ctx, id)
		if err != nil {
			return err
		}
		if to.AtLeast(p.State) {
			return domain.Invalid("rollback target %s is not before %s", to, p.State)
		}
		return e.event(ctx, tx, "project.rollback.requested", id, "project", id, events.EventPayload{
			"from":   string(p.State),
			"to":     string(to),
			"reason": reason,
		})
	})
}

// ProjectAction reports the action and agent dispatched when a project
// enters state, if any.
func (e Engine) ProjectAction(state domain.ProjectState) (action, agent string) {
	action = e.cfg().ActionFor(string(state))
	if action == "" {
		return "", ""
	}
	return action, e.cfg().RouteFor(action)
}
