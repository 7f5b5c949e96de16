package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyline/internal/dispatch"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/gates"
	"storyline/internal/notify"
	"storyline/internal/repo"
)

type StoryCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	// AcceptanceCriteria are parsed from Description when nil.
	AcceptanceCriteria []string
}

func (e Engine) CreateStory(ctx context.Context, opts StoryCreateOptions) (domain.Story, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Story{}, domain.Invalid("story title is required")
	}
	if opts.ProjectID == "" {
		return domain.Story{}, domain.Invalid("project is required")
	}
	criteria := opts.AcceptanceCriteria
	if criteria == nil {
		criteria = ParseAcceptanceCriteria(opts.Description)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	defer e.lock("project", opts.ProjectID)()

	now := domain.FormatTime(e.now())
	s := domain.Story{
		ID:                 opts.ID,
		ProjectID:          opts.ProjectID,
		Title:              opts.Title,
		Description:        opts.Description,
		AcceptanceCriteria: append([]string{}, criteria...),
		State:              domain.StoryDraft,
		TaskIDs:            []string{},
		GateHistory:        []domain.GateResult{},
		CreatedAt:          now,
		StateEnteredAt:     now,
	}
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		p, err := r.GetProject(ctx, s.ProjectID)
		if err != nil {
			return err
		}
		if p.State == domain.ProjectCompleted {
			return &domain.TransitionError{Entity: "project", ID: p.ID, From: string(p.State), Reason: "cannot add stories to a completed project"}
		}
		exists, err := r.StoryExists(ctx, s.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("story %s: %w", s.ID, domain.ErrDuplicateID)
		}
		if err := r.InsertStory(ctx, s); err != nil {
			return fmt.Errorf("insert story: %w", err)
		}
		return e.event(ctx, tx, "story.created", s.ProjectID, "story", s.ID, events.EventPayload{
			"title":    s.Title,
			"criteria": len(s.AcceptanceCriteria),
		})
	})
	if err != nil {
		return domain.Story{}, err
	}
	e.log().Info("story created", "story_id", s.ID, "project_id", s.ProjectID, "criteria", len(s.AcceptanceCriteria))
	return s, nil
}

func (e Engine) GetStory(ctx context.Context, id string) (domain.Story, error) {
	return e.Repo.GetStory(ctx, id)
}

func (e Engine) ListStories(ctx context.Context, f repo.StoryFilters) ([]domain.Story, error) {
	if f.State != "" && !domain.StoryState(f.State).Valid() {
		return nil, domain.Invalid("unknown story state %q", f.State)
	}
	return e.Repo.ListStories(ctx, f)
}

// storyPlan is everything one story mutation commits together. It is built
// outside the transaction, where collaborators are dispatched, and applied
// inside it.
type storyPlan struct {
	from, to domain.StoryState
	gate     *domain.GateResult
	// evidence replaces the stored evidence when set.
	evidence *domain.StoryEvidence
	dev      *dispatch.DevelopmentResult
	devAgent string
}

// AdvanceStory moves a story one step forward when it is still in expected.
// Entering risk_profiling or qa_review records an advisory gate; entering
// quality_gate runs the final gate and a FAIL sends the story back to
// development instead. Entering development dispatches implement_story.
func (e Engine) AdvanceStory(ctx context.Context, id string, expected domain.StoryState) (domain.Story, error) {
	defer e.lock("story", id)()

	s, err := e.Repo.GetStory(ctx, id)
	if err != nil {
		return domain.Story{}, err
	}
	if s.State != expected {
		return domain.Story{}, &domain.StateMismatchError{Entity: "story", ID: id, Expected: string(expected), Actual: string(s.State)}
	}
	next, ok := domain.NextStoryState(s.State)
	if !ok {
		return domain.Story{}, &domain.TransitionError{Entity: "story", ID: id, From: string(s.State), Reason: "story is completed"}
	}
	if next == domain.StoryCompleted {
		g, ok := s.LatestGate(domain.GateFinal)
		if !ok || !g.Verdict.Accepting() {
			return domain.Story{}, &domain.TransitionError{Entity: "story", ID: id, From: string(s.State), To: string(next), Reason: "latest quality gate is not PASS or CONCESSIONS"}
		}
	}

	plan := storyPlan{from: s.State, to: next}
	var auto domain.GateType
	switch next {
	case domain.StoryRiskProfiling:
		auto = domain.GateRisk
	case domain.StoryQAReview:
		auto = domain.GateReview
	case domain.StoryQualityGate:
		auto = domain.GateFinal
	}
	if auto != "" {
		res, err := e.evaluate(ctx, s, auto, gates.Input{})
		if err != nil {
			return domain.Story{}, err
		}
		plan.gate = &res
		if auto == domain.GateFinal && res.Verdict == domain.VerdictFail {
			plan.to = domain.StoryDevelopment
		}
	}
	if plan.to == domain.StoryDevelopment {
		if err := e.prepareDevelopment(ctx, s, &plan); err != nil {
			return domain.Story{}, err
		}
	}
	if err := e.applyStoryPlan(ctx, s, &plan); err != nil {
		return domain.Story{}, err
	}
	e.log().Info("story advanced", "story_id", id, "from", string(plan.from), "to", string(plan.to))
	e.notifyGate(ctx, s, plan.gate)
	return e.Repo.GetStory(ctx, id)
}

// RunGate evaluates gt on demand and appends the result. design and nfr first
// collect input from the routed QA collaborator. A failing final gate routes
// the story back to development.
func (e Engine) RunGate(ctx context.Context, storyID string, gt domain.GateType) (domain.GateResult, error) {
	if !gt.Valid() {
		return domain.GateResult{}, domain.Invalid("unknown gate type %q", gt)
	}
	defer e.lock("story", storyID)()

	s, err := e.Repo.GetStory(ctx, storyID)
	if err != nil {
		return domain.GateResult{}, err
	}
	if s.State == domain.StoryCompleted {
		return domain.GateResult{}, &domain.TransitionError{Entity: "story", ID: storyID, From: string(s.State), Reason: "no gate runs on a completed story"}
	}
	if gt == domain.GateFinal && s.State != domain.StoryQualityGate {
		return domain.GateResult{}, &domain.TransitionError{Entity: "story", ID: storyID, From: string(s.State), Reason: "the quality gate only runs in quality_gate"}
	}

	plan := storyPlan{from: s.State, to: s.State}
	var in gates.Input
	switch gt {
	case domain.GateDesign:
		if agent := e.cfg().RouteFor(dispatch.ActionDesignTests); agent != "" {
			out, err := e.dispatchForStory(ctx, dispatch.ActionDesignTests, agent, s)
			if err != nil {
				return domain.GateResult{}, err
			}
			if in.Scenarios, err = dispatch.DecodeScenarios(out.Data); err != nil {
				return domain.GateResult{}, &domain.CollaboratorError{Agent: agent, Action: dispatch.ActionDesignTests, Err: err}
			}
			in.ProducedBy = agent
		}
		if in.Scenarios != nil {
			ev := s.Evidence
			ev.Scenarios = in.Scenarios
			plan.evidence = &ev
		}
	case domain.GateNFR:
		if agent := e.cfg().RouteFor(dispatch.ActionRunNFRChecks); agent != "" {
			out, err := e.dispatchForStory(ctx, dispatch.ActionRunNFRChecks, agent, s)
			if err != nil {
				return domain.GateResult{}, err
			}
			if in.NFRChecks, err = dispatch.DecodeNFRChecks(out.Data); err != nil {
				return domain.GateResult{}, &domain.CollaboratorError{Agent: agent, Action: dispatch.ActionRunNFRChecks, Err: err}
			}
			in.ProducedBy = agent
		}
		if in.NFRChecks != nil {
			ev := s.Evidence
			ev.NFRChecks = in.NFRChecks
			plan.evidence = &ev
		}
	}

	res, err := e.evaluate(ctx, s, gt, in)
	if err != nil {
		return domain.GateResult{}, err
	}
	plan.gate = &res
	if gt == domain.GateFinal && res.Verdict == domain.VerdictFail {
		plan.to = domain.StoryDevelopment
		if err := e.prepareDevelopment(ctx, s, &plan); err != nil {
			return domain.GateResult{}, err
		}
	}
	if err := e.applyStoryPlan(ctx, s, &plan); err != nil {
		return domain.GateResult{}, err
	}
	e.log().Info("gate recorded", "story_id", storyID, "gate", string(gt), "verdict", string(plan.gate.Verdict), "score", plan.gate.Score)
	e.notifyGate(ctx, s, plan.gate)
	return *plan.gate, nil
}

// evaluate runs gt over the story and its current tasks.
func (e Engine) evaluate(ctx context.Context, s domain.Story, gt domain.GateType, in gates.Input) (domain.GateResult, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{IDs: append([]string{}, s.TaskIDs...)})
	if err != nil {
		return domain.GateResult{}, err
	}
	in.Story = s
	in.Tasks = tasks
	in.Now = e.now()
	return e.Gates.Evaluate(gt, in)
}

func (e Engine) dispatchForStory(ctx context.Context, action, agent string, s domain.Story) (dispatch.Outcome, error) {
	input := map[string]any{
		"story_id":            s.ID,
		"project_id":          s.ProjectID,
		"title":               s.Title,
		"description":         s.Description,
		"acceptance_criteria": s.AcceptanceCriteria,
		"state":               string(s.State),
		"task_ids":            s.TaskIDs,
	}
	if g, ok := s.LatestGate(domain.GateFinal); ok && g.Verdict == domain.VerdictFail {
		input["rework_findings"] = g.Findings
	}
	out, err := e.dispatcher().Dispatch(ctx, action, s.ID, agent, input)
	if err != nil {
		return out, fmt.Errorf("story %s %s: %w", s.ID, action, err)
	}
	return out, nil
}

// prepareDevelopment dispatches implement_story when it is routed and
// decodes the tasks and evidence it returns into plan.
func (e Engine) prepareDevelopment(ctx context.Context, s domain.Story, plan *storyPlan) error {
	agent := e.cfg().RouteFor(dispatch.ActionImplementStory)
	if agent == "" {
		return nil
	}
	out, err := e.dispatchForStory(ctx, dispatch.ActionImplementStory, agent, s)
	if err != nil {
		return err
	}
	dev, err := dispatch.DecodeDevelopment(out.Data)
	if err == nil {
		err = e.checkFitsOneDay(dev.Tasks)
	}
	if err != nil {
		return &domain.CollaboratorError{Agent: agent, Action: dispatch.ActionImplementStory, Err: err}
	}
	plan.dev = &dev
	plan.devAgent = agent
	return nil
}

// checkFitsOneDay rejects planned tasks larger than the daily ceiling of
// every agent that could take them. A task is never split across days, so
// such a task could not be scheduled at all.
func (e Engine) checkFitsOneDay(specs []dispatch.TaskSpec) error {
	pool := e.cfg().AgentPool()
	for _, spec := range specs {
		candidates := pool
		if spec.AgentID != "" {
			candidates = []string{spec.AgentID}
		}
		largest := 0.0
		for _, a := range candidates {
			largest = max(largest, e.Scheduler.Ceiling(a))
		}
		if len(candidates) > 0 && spec.Hours > largest {
			return fmt.Errorf("task %q needs %vh, more than the %vh one agent can take in a day: %w", spec.Name, spec.Hours, largest, domain.ErrInvalidAllocation)
		}
	}
	return nil
}

// applyStoryPlan commits plan in one transaction: created tasks, evidence,
// the gate result and the state change, each with its audit event.
func (e Engine) applyStoryPlan(ctx context.Context, s domain.Story, plan *storyPlan) error {
	return e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		cur, err := r.GetStory(ctx, s.ID)
		if err != nil {
			return err
		}
		if cur.State != plan.from {
			return &domain.StateMismatchError{Entity: "story", ID: s.ID, Expected: string(plan.from), Actual: string(cur.State)}
		}

		evidence := cur.Evidence
		if plan.evidence != nil {
			evidence = *plan.evidence
		}
		evidenceChanged := plan.evidence != nil
		if plan.dev != nil {
			created, err := e.createPlannedTasks(ctx, r, tx, cur, plan.dev.Tasks)
			if err != nil {
				return err
			}
			evidence.Artifacts = append(evidence.Artifacts, plan.dev.Artifacts...)
			evidence.Documentation = appendUnique(evidence.Documentation, plan.dev.Documentation...)
			evidenceChanged = evidenceChanged || len(plan.dev.Artifacts) > 0 || len(plan.dev.Documentation) > 0
			if len(created) > 0 {
				if err := e.event(ctx, tx, "story.tasks.planned", cur.ProjectID, "story", cur.ID, events.EventPayload{
					"agent_id": plan.devAgent,
					"task_ids": created,
				}); err != nil {
					return err
				}
			}
		}
		if evidenceChanged {
			if err := r.UpdateStoryEvidence(ctx, cur.ID, evidence); err != nil {
				return err
			}
		}

		if plan.gate != nil {
			plan.gate.ProducedAt = nextProducedAt(cur.GateHistory, plan.gate.ProducedAt)
			seq, err := r.InsertGateResult(ctx, *plan.gate)
			if err != nil {
				return fmt.Errorf("record gate: %w", err)
			}
			plan.gate.Seq = seq
			if err := e.event(ctx, tx, "story.gate.recorded", cur.ProjectID, "story", cur.ID, events.EventPayload{
				"seq":       seq,
				"gate_type": string(plan.gate.GateType),
				"verdict":   string(plan.gate.Verdict),
				"score":     plan.gate.Score,
			}); err != nil {
				return err
			}
		}

		if plan.to != plan.from {
			if err := r.UpdateStoryState(ctx, cur.ID, plan.to, domain.FormatTime(e.now())); err != nil {
				return err
			}
			payload := events.EventPayload{"from": string(plan.from), "to": string(plan.to)}
			if plan.gate != nil && plan.gate.GateType == domain.GateFinal && plan.gate.Verdict == domain.VerdictFail {
				payload["reason"] = "quality gate failed"
			}
			if err := e.event(ctx, tx, "story.advanced", cur.ProjectID, "story", cur.ID, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// createPlannedTasks creates and attaches the tasks a collaborator returned.
// Tasks without an agent go to the pool member that can take them soonest;
// every assigned task lands on the first date with room for it.
func (e Engine) createPlannedTasks(ctx context.Context, r repo.Repo, tx *sql.Tx, s domain.Story, specs []dispatch.TaskSpec) ([]string, error) {
	sched := e.Scheduler.WithStore(r)
	pool := e.cfg().AgentPool()
	var created []string
	for _, spec := range specs {
		earliest := e.now()
		if spec.ScheduledDate != "" {
			d, err := domain.ParseDate(spec.ScheduledDate)
			if err != nil {
				return nil, err
			}
			if d.After(earliest) {
				earliest = d
			}
		}
		opts := TaskCreateOptions{
			ID:             spec.ID,
			Name:           spec.Name,
			AllocatedHours: spec.Hours,
			AgentID:        spec.AgentID,
			DependsOn:      spec.DependsOn,
			FollowUps:      spec.FollowUps,
		}
		if opts.ID == "" {
			opts.ID = uuid.NewString()
		}
		var err error
		switch {
		case opts.AgentID != "":
			opts.ScheduledDate, err = sched.SuggestSchedule(ctx, opts.AgentID, opts.AllocatedHours, earliest)
		case len(pool) > 0:
			opts.AgentID, opts.ScheduledDate, err = sched.PickAgent(ctx, pool, opts.AllocatedHours, earliest)
		default:
			opts.ScheduledDate = spec.ScheduledDate
		}
		if err != nil {
			return nil, fmt.Errorf("schedule task %q: %w", opts.Name, err)
		}
		if _, err := e.insertTask(ctx, r, tx, opts); err != nil {
			return nil, err
		}
		if err := r.AttachTask(ctx, s.ID, opts.ID); err != nil {
			return nil, err
		}
		created = append(created, opts.ID)
	}
	return created, nil
}

// nextProducedAt keeps produced_at strictly increasing within a story's
// history even when the clock does not move between two results.
func nextProducedAt(history []domain.GateResult, at string) string {
	if len(history) == 0 {
		return at
	}
	last, err := domain.ParseTime(history[len(history)-1].ProducedAt)
	if err != nil {
		return at
	}
	t, err := domain.ParseTime(at)
	if err != nil || !t.After(last) {
		return domain.FormatTime(last.Add(time.Nanosecond))
	}
	return at
}

func appendUnique(list []string, items ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		seen[v] = true
	}
	for _, v := range items {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		list = append(list, v)
	}
	return list
}

func (e Engine) notifyGate(ctx context.Context, s domain.Story, g *domain.GateResult) {
	if g == nil || g.Verdict != domain.VerdictFail {
		return
	}
	e.notify(ctx, notify.TypeStoryGateFailed, s.ID, map[string]any{
		"project_id": s.ProjectID,
		"gate_type":  string(g.GateType),
		"seq":        g.Seq,
		"score":      g.Score,
		"findings":   g.Findings,
	})
}
