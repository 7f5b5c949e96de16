package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/dispatch"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/migrate"
	"storyline/internal/notify"
	"storyline/internal/repo"
)

var testNow = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type agentFunc func(action string, input map[string]any) (map[string]any, error)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context

	mu       sync.Mutex
	agents   map[string]agentFunc
	calls    map[string]int
	notified []notify.Event
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), agents: map[string]agentFunc{}, calls: map[string]int{}}
	reg := dispatch.NewRegistry()
	for _, id := range []string{"analyst", "pm", "architect", "dev", "qa"} {
		id := id
		reg.Register(id, dispatch.CapabilityFunc(func(ctx context.Context, action string, input map[string]any) (dispatch.Result, error) {
			env.mu.Lock()
			env.calls[action]++
			fn := env.agents[id]
			env.mu.Unlock()
			if fn == nil {
				return dispatch.Result{Data: map[string]any{}}, nil
			}
			data, err := fn(action, input)
			return dispatch.Result{Data: data}, err
		}))
	}
	eng.Dispatcher = dispatch.New(reg, cfg.DispatchTimeout, nil)
	eng.Sink = notify.SinkFunc(func(_ context.Context, evt notify.Event) {
		env.mu.Lock()
		env.notified = append(env.notified, evt)
		env.mu.Unlock()
	})
	eng.Now = func() time.Time { return testNow }
	env.Engine = eng
	return env
}

func (env *testEnv) agent(id string, fn agentFunc) {
	env.mu.Lock()
	env.agents[id] = fn
	env.mu.Unlock()
}

func (env *testEnv) callCount(action string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.calls[action]
}

func (env *testEnv) notifications(typ string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	n := 0
	for _, e := range env.notified {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (env *testEnv) events(t *testing.T, typ string) []domain.Event {
	t.Helper()
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: typ})
	if err != nil {
		t.Fatal(err)
	}
	return evts
}

func (env *testEnv) project(t *testing.T, id string, wf domain.WorkflowType) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: id, Name: "Project " + id, WorkflowType: wf})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env *testEnv) story(t *testing.T, projectID, id string, criteria ...string) domain.Story {
	t.Helper()
	if criteria == nil {
		criteria = []string{}
	}
	s, err := env.Engine.CreateStory(env.Ctx, engine.StoryCreateOptions{ID: id, ProjectID: projectID, Title: "Story " + id, AcceptanceCriteria: criteria})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	return s
}

// advanceTo walks the story forward until it reaches target.
func (env *testEnv) advanceTo(t *testing.T, id string, target domain.StoryState) domain.Story {
	t.Helper()
	s, err := env.Engine.GetStory(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; s.State != target; i++ {
		if i > len(domain.StoryStates) {
			t.Fatalf("story %s never reached %s, stuck in %s", id, target, s.State)
		}
		next, err := env.Engine.AdvanceStory(env.Ctx, id, s.State)
		if err != nil {
			t.Fatalf("advance story from %s: %v", s.State, err)
		}
		s = next
	}
	return s
}

func TestProgressScenario(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "T1", Name: "Build login", AllocatedHours: 10, AgentID: "dev"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("new task should be pending, got %s", task.Status)
	}
	task, err = env.Engine.UpdateProgress(env.Ctx, "T1", 4)
	if err != nil || task.Status != domain.TaskInProgress || task.CompletedHours != 4 {
		t.Fatalf("after 4h: %+v %v", task, err)
	}
	task, err = env.Engine.UpdateProgress(env.Ctx, "T1", 6)
	if err != nil || task.Status != domain.TaskCompleted || task.CompletedHours != 10 {
		t.Fatalf("after 10h: %+v %v", task, err)
	}
	task, err = env.Engine.UpdateProgress(env.Ctx, "T1", 1)
	if err != nil || task.Status != domain.TaskCompleted || task.CompletedHours != 10 {
		t.Fatalf("extra hour should clamp: %+v %v", task, err)
	}
	if n := len(env.events(t, "task.progress")); n != 2 {
		t.Fatalf("expected 2 progress events, got %d", n)
	}
}

func TestProgressDeltasAreAssociative(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b"} {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: id, Name: id, AllocatedHours: 5}); err != nil {
			t.Fatal(err)
		}
	}
	for _, d := range []float64{1.5, 2, 3} {
		if _, err := env.Engine.UpdateProgress(env.Ctx, "a", d); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, "b", 6.5); err != nil {
		t.Fatal(err)
	}
	a, _ := env.Engine.GetTask(env.Ctx, "a")
	b, _ := env.Engine.GetTask(env.Ctx, "b")
	if a.CompletedHours != b.CompletedHours || a.Status != b.Status {
		t.Fatalf("split and single deltas diverge: %+v vs %+v", a, b)
	}
	if a.CompletedHours != 5 || a.Status != domain.TaskCompleted {
		t.Fatalf("expected clamp at allocation, got %+v", a)
	}
}

func TestUpdateProgressValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", Name: "t", AllocatedHours: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, "t", -1); !errors.Is(err, domain.ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, "missing", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	task, err := env.Engine.UpdateProgress(env.Ctx, "t", 0)
	if err != nil || task.Status != domain.TaskInProgress {
		t.Fatalf("zero delta should start the task: %+v %v", task, err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", Name: "t", AllocatedHours: 0}); !errors.Is(err, domain.ErrInvalidAllocation) {
		t.Fatalf("expected ErrInvalidAllocation, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", Name: "t", AllocatedHours: 1, ScheduledDate: "01/02/2024"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for bad date, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", Name: "t", AllocatedHours: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", Name: "again", AllocatedHours: 1}); !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	generated, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "anon", AllocatedHours: 1})
	if err != nil || generated.ID == "" {
		t.Fatalf("expected generated id: %+v %v", generated, err)
	}
}

func TestCorrectProgress(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", Name: "t", AllocatedHours: 4}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, "t", 4); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.CorrectProgress(env.Ctx, "t", 2)
	if err != nil || task.Status != domain.TaskInProgress || task.CompletedHours != 2 {
		t.Fatalf("correct to 2h: %+v %v", task, err)
	}
	task, err = env.Engine.CorrectProgress(env.Ctx, "t", 0)
	if err != nil || task.Status != domain.TaskPending {
		t.Fatalf("correct to 0h: %+v %v", task, err)
	}
	if _, err := env.Engine.CorrectProgress(env.Ctx, "t", 5); !errors.Is(err, domain.ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta above allocation, got %v", err)
	}
	if n := len(env.events(t, "task.progress.corrected")); n != 2 {
		t.Fatalf("expected 2 correction events, got %d", n)
	}
}

func TestSetStatus(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", Name: "t", AllocatedHours: 3}); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.SetStatus(env.Ctx, "t", domain.TaskBlocked)
	if err != nil || task.Status != domain.TaskBlocked {
		t.Fatalf("block: %+v %v", task, err)
	}
	task, err = env.Engine.UpdateProgress(env.Ctx, "t", 1)
	if err != nil || task.Status != domain.TaskBlocked {
		t.Fatalf("progress should keep a blocked task blocked: %+v %v", task, err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, "t", domain.TaskCompleted); !errors.Is(err, domain.ErrIncompleteHours) {
		t.Fatalf("expected ErrIncompleteHours, got %v", err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, "t", "done"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, "t", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, "t", domain.TaskPending); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("leaving completed should be illegal, got %v", err)
	}
}

func TestDeleteTaskReferencedByActiveStory(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", Name: "t", AllocatedHours: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttachTask(env.Ctx, "s", "t"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, "t", false); !errors.Is(err, domain.ErrReferencedByActiveStory) {
		t.Fatalf("expected ErrReferencedByActiveStory, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, "t", true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	s, err := env.Engine.GetStory(env.Ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.TaskIDs) != 0 {
		t.Fatalf("task should be detached, got %v", s.TaskIDs)
	}
	if err := env.Engine.DeleteTask(env.Ctx, "t", false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceProjectMismatchIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	_, err := env.Engine.AdvanceProject(env.Ctx, "p", domain.ProjectBrief)
	var mismatch *domain.StateMismatchError
	if !errors.As(err, &mismatch) || mismatch.Actual != string(domain.ProjectIdeaGeneration) {
		t.Fatalf("expected state mismatch, got %v", err)
	}
	p, _ := env.Engine.GetProject(env.Ctx, "p")
	if p.State != domain.ProjectIdeaGeneration {
		t.Fatalf("state changed on mismatch: %s", p.State)
	}
	if n := len(env.events(t, "project.advanced")); n != 0 {
		t.Fatalf("mismatch must not append events, got %d", n)
	}
	if env.callCount(dispatch.ActionResearch) != 0 {
		t.Fatalf("mismatch must not dispatch")
	}
}

func TestAdvanceProjectRecordsArtifact(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.agent("analyst", func(action string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"summary": "market is ready"}, nil
	})
	p, err := env.Engine.AdvanceProject(env.Ctx, "p", domain.ProjectIdeaGeneration)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if p.State != domain.ProjectAnalystResearch || len(p.Artifacts) != 1 {
		t.Fatalf("unexpected project %+v", p)
	}
	a := p.Artifacts[0]
	if a.Action != dispatch.ActionResearch || a.AgentID != "analyst" || a.Data["summary"] != "market is ready" {
		t.Fatalf("unexpected artifact %+v", a)
	}
}

func TestAdvanceProjectCollaboratorFailureLeavesState(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.agent("analyst", func(string, map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("analyst is out")
	})
	_, err := env.Engine.AdvanceProject(env.Ctx, "p", domain.ProjectIdeaGeneration)
	if !errors.Is(err, domain.ErrCollaborator) {
		t.Fatalf("expected ErrCollaborator, got %v", err)
	}
	p, _ := env.Engine.GetProject(env.Ctx, "p")
	if p.State != domain.ProjectIdeaGeneration || len(p.Artifacts) != 0 {
		t.Fatalf("failed dispatch must not change the project: %+v", p)
	}
}

func TestProjectInvariants(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowPlanningOnly)
	state := domain.ProjectIdeaGeneration
	for state != domain.ProjectArchitecture {
		p, err := env.Engine.AdvanceProject(env.Ctx, "p", state)
		if err != nil {
			t.Fatalf("advance from %s: %v", state, err)
		}
		state = p.State
	}
	if _, err := env.Engine.AdvanceProject(env.Ctx, "p", state); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("development_ready without stories should be illegal, got %v", err)
	}
	env.story(t, "p", "s1")
	p, err := env.Engine.AdvanceProject(env.Ctx, "p", state)
	if err != nil || p.State != domain.ProjectDevelopmentReady {
		t.Fatalf("advance to development_ready: %+v %v", p, err)
	}
	if _, err := env.Engine.AdvanceProject(env.Ctx, "p", p.State); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("planning_only is terminal at development_ready, got %v", err)
	}

	dev := env.project(t, "d", domain.WorkflowDevelopmentOnly)
	if dev.State != domain.ProjectDevelopmentReady || len(dev.StoryIDs) != 0 {
		t.Fatalf("development_only starts at development_ready with no stories, got %+v", dev)
	}
	env.story(t, "d", "s2")
	if _, err := env.Engine.AdvanceProject(env.Ctx, "d", dev.State); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("completing with open stories should be illegal, got %v", err)
	}
}

func TestConcurrentProjectAdvance(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.AdvanceProject(env.Ctx, "p", domain.ProjectIdeaGeneration)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	var ok, mismatched int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrStateMismatch):
			mismatched++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || mismatched != 1 {
		t.Fatalf("expected one success and one mismatch, got %d/%d", ok, mismatched)
	}
	if n := len(env.events(t, "project.advanced")); n != 1 {
		t.Fatalf("expected one advance event, got %d", n)
	}
}

func TestRollbackRequestIsAuditOnly(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	if _, err := env.Engine.AdvanceProject(env.Ctx, "p", domain.ProjectIdeaGeneration); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RequestProjectRollback(env.Ctx, "p", domain.ProjectArchitecture, "later state"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("rollback forward should be rejected, got %v", err)
	}
	if err := env.Engine.RequestProjectRollback(engine.WithActor(env.Ctx, "lead"), "p", domain.ProjectIdeaGeneration, "rethink"); err != nil {
		t.Fatal(err)
	}
	p, _ := env.Engine.GetProject(env.Ctx, "p")
	if p.State != domain.ProjectAnalystResearch {
		t.Fatalf("rollback request must not change state, got %s", p.State)
	}
	evts := env.events(t, "project.rollback.requested")
	if len(evts) != 1 || evts[0].ActorID != "lead" {
		t.Fatalf("unexpected rollback events %+v", evts)
	}
}

func TestCreateStoryRules(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	s, err := env.Engine.CreateStory(env.Ctx, engine.StoryCreateOptions{
		ProjectID:   "p",
		Title:       "Login",
		Description: "As a user I log in.\n\nAcceptance Criteria:\n- valid password signs in\n- wrong password is rejected\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.StoryDraft || len(s.AcceptanceCriteria) != 2 {
		t.Fatalf("unexpected story %+v", s)
	}
	if _, err := env.Engine.CreateStory(env.Ctx, engine.StoryCreateOptions{ProjectID: "nope", Title: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown project, got %v", err)
	}
	if _, err := env.Engine.CreateStory(env.Ctx, engine.StoryCreateOptions{ID: s.ID, ProjectID: "p", Title: "dup"}); !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestDevelopmentDispatchCreatesScheduledTasks(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "user can log in")
	env.agent("dev", func(action string, input map[string]any) (map[string]any, error) {
		if input["story_id"] != "s" {
			return nil, fmt.Errorf("unexpected context %v", input)
		}
		return map[string]any{
			"tasks": []any{
				map[string]any{"id": "api", "name": "Login API", "hours": 6},
				map[string]any{"id": "ui", "name": "Login form", "hours": "4", "agent_id": "dev"},
			},
			"artifacts":     []any{map[string]any{"criterion": "user can log in", "ref": "auth/login.go", "automated": true}},
			"documentation": []any{"docs/login.md"},
		}, nil
	})
	s := env.advanceTo(t, "s", domain.StoryDevelopment)
	if len(s.TaskIDs) != 2 || s.TaskIDs[0] != "api" || s.TaskIDs[1] != "ui" {
		t.Fatalf("unexpected task ids %v", s.TaskIDs)
	}
	api, _ := env.Engine.GetTask(env.Ctx, "api")
	ui, _ := env.Engine.GetTask(env.Ctx, "ui")
	if api.AgentID != "dev" || api.ScheduledDate != "2024-01-01" {
		t.Fatalf("api should be picked from the pool today: %+v", api)
	}
	if ui.ScheduledDate != "2024-01-02" {
		t.Fatalf("ui should spill to the next day: %+v", ui)
	}
	if len(s.Evidence.Artifacts) != 1 || len(s.Evidence.Documentation) != 1 {
		t.Fatalf("evidence not recorded: %+v", s.Evidence)
	}
	risk, ok := s.LatestGate(domain.GateRisk)
	if !ok || risk.ProducedBy != "qa" {
		t.Fatalf("risk gate should be recorded on entering risk_profiling: %+v", s.GateHistory)
	}
}

func TestNoCapacityAbortsDevelopment(t *testing.T) {
	cfg := config.Default()
	cfg.Capacity.HorizonDays = 3
	env := newTestEnvWithConfig(t, cfg)
	for _, day := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "busy-" + day, Name: "busy", AllocatedHours: 8, AgentID: "dev", ScheduledDate: day}); err != nil {
			t.Fatal(err)
		}
	}
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	env.agent("dev", func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"tasks": []any{map[string]any{"name": "later", "hours": 4}}}, nil
	})
	s := env.advanceTo(t, "s", domain.StoryValidation)
	if _, err := env.Engine.AdvanceStory(env.Ctx, "s", s.State); !errors.Is(err, domain.ErrNoCapacityWithinHorizon) {
		t.Fatalf("expected ErrNoCapacityWithinHorizon, got %v", err)
	}
	s, _ = env.Engine.GetStory(env.Ctx, "s")
	tasks, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if s.State != domain.StoryValidation || len(tasks) != 3 {
		t.Fatalf("aborted transition must leave no trace: %s, %d tasks", s.State, len(tasks))
	}
}

func TestPlannedTaskBeyondDailyCeilingIsRejected(t *testing.T) {
	for name, hours := range map[string]any{"oversized": 9, "not a number": "NaN", "infinite": "+Inf"} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			env.project(t, "p", domain.WorkflowFull)
			env.story(t, "p", "s", "it works")
			env.agent("dev", func(string, map[string]any) (map[string]any, error) {
				return map[string]any{"tasks": []any{map[string]any{"name": "huge", "hours": hours}}}, nil
			})
			s := env.advanceTo(t, "s", domain.StoryValidation)
			_, err := env.Engine.AdvanceStory(env.Ctx, "s", s.State)
			var ce *domain.CollaboratorError
			if !errors.As(err, &ce) || !errors.Is(ce.Violation(), domain.ErrInvalidAllocation) {
				t.Fatalf("expected a collaborator error naming the allocation rule, got %v", err)
			}
			s, _ = env.Engine.GetStory(env.Ctx, "s")
			tasks, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
			if s.State != domain.StoryValidation || len(tasks) != 0 {
				t.Fatalf("rejected plan must leave no trace: %s, %d tasks", s.State, len(tasks))
			}
		})
	}
}

func TestQualityGateFailRoutesBackToDevelopment(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	s := env.advanceTo(t, "s", domain.StoryQAReview)
	review, ok := s.LatestGate(domain.GateReview)
	if !ok || review.Verdict != domain.VerdictFail {
		t.Fatalf("review without evidence should fail: %+v", review)
	}

	s, err := env.Engine.AdvanceStory(env.Ctx, "s", domain.StoryQAReview)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != domain.StoryDevelopment {
		t.Fatalf("failed gate should route to development, got %s", s.State)
	}
	gate, ok := s.LatestGate(domain.GateFinal)
	if !ok || gate.Verdict != domain.VerdictFail {
		t.Fatalf("failed gate should be recorded: %+v", s.GateHistory)
	}
	if env.callCount(dispatch.ActionImplementStory) != 2 {
		t.Fatalf("rework should dispatch implement_story again, got %d", env.callCount(dispatch.ActionImplementStory))
	}
	if env.notifications(notify.TypeStoryGateFailed) == 0 {
		t.Fatalf("expected a gate failure notification")
	}
}

func TestQualityGateFailIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	before := env.advanceTo(t, "s", domain.StoryQAReview)
	env.agent("dev", func(string, map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("dev is unreachable")
	})
	if _, err := env.Engine.AdvanceStory(env.Ctx, "s", domain.StoryQAReview); !errors.Is(err, domain.ErrCollaborator) {
		t.Fatalf("expected ErrCollaborator, got %v", err)
	}
	after, _ := env.Engine.GetStory(env.Ctx, "s")
	if after.State != domain.StoryQAReview || len(after.GateHistory) != len(before.GateHistory) {
		t.Fatalf("neither state nor gate result may be written: %s, %d results", after.State, len(after.GateHistory))
	}
}

func TestReviewConcessionsCarryThroughQualityGate(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "user can log in")
	env.agent("dev", func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"documentation": []any{"docs/login.md"}}, nil
	})
	env.agent("qa", func(action string, _ map[string]any) (map[string]any, error) {
		if action == dispatch.ActionDesignTests {
			return map[string]any{"scenarios": []any{map[string]any{"criterion": "User can log in", "ref": "login.feature", "automated": true}}}, nil
		}
		return map[string]any{}, nil
	})
	env.advanceTo(t, "s", domain.StoryDevelopment)
	for gt, want := range map[domain.GateType]domain.Verdict{
		domain.GateDesign: domain.VerdictPass,
		domain.GateTrace:  domain.VerdictFail,
		domain.GateNFR:    domain.VerdictConcessions,
	} {
		res, err := env.Engine.RunGate(env.Ctx, "s", gt)
		if err != nil {
			t.Fatalf("run %s: %v", gt, err)
		}
		if res.Verdict != want {
			t.Fatalf("%s verdict %s, want %s", gt, res.Verdict, want)
		}
	}
	s := env.advanceTo(t, "s", domain.StoryQualityGate)
	review, _ := s.LatestGate(domain.GateReview)
	if review.Verdict != domain.VerdictConcessions || review.Score != 7.5 || review.Grade != "B+" {
		t.Fatalf("unexpected review %+v", review)
	}
	gate, _ := s.LatestGate(domain.GateFinal)
	if gate.Verdict != domain.VerdictConcessions {
		t.Fatalf("gate should mirror review, got %+v", gate)
	}
	s, err := env.Engine.AdvanceStory(env.Ctx, "s", domain.StoryQualityGate)
	if err != nil || s.State != domain.StoryCompleted {
		t.Fatalf("complete: %s %v", s.State, err)
	}
	if _, err := env.Engine.RunGate(env.Ctx, "s", domain.GateRisk); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("no gate may run on a completed story, got %v", err)
	}
}

func TestRunGateRules(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	if _, err := env.Engine.RunGate(env.Ctx, "s", "vibes"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := env.Engine.RunGate(env.Ctx, "s", domain.GateFinal); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("gate outside quality_gate should be illegal, got %v", err)
	}
	first, err := env.Engine.RunGate(env.Ctx, "s", domain.GateRisk)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.RunGate(env.Ctx, "s", domain.GateRisk)
	if err != nil {
		t.Fatal(err)
	}
	t1, _ := domain.ParseTime(first.ProducedAt)
	t2, _ := domain.ParseTime(second.ProducedAt)
	if second.Seq <= first.Seq || !t2.After(t1) {
		t.Fatalf("history must be strictly ordered: %+v then %+v", first, second)
	}
	if _, err := env.Engine.AdvanceStory(env.Ctx, "s", domain.StoryDraft); err != nil {
		t.Fatalf("gates are advisory outside quality_gate: %v", err)
	}
}

func TestStatusAndExport(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", Name: "t", AllocatedHours: 3, AgentID: "dev", ScheduledDate: "2024-01-01"}); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.GetStatus(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Projects) != 1 || st.Projects[0].StoriesByState["draft"] != 1 {
		t.Fatalf("unexpected projects %+v", st.Projects)
	}
	if st.TasksByStatus["pending"] != 1 || st.HoursAllocated != 3 {
		t.Fatalf("unexpected task summary %+v", st)
	}
	if len(st.Workload) != 1 || st.Workload[0].AgentID != "dev" || st.Workload[0].AllocatedHours != 3 {
		t.Fatalf("unexpected workload %+v", st.Workload)
	}

	env.project(t, "q", domain.WorkflowFull)
	if _, err := env.Engine.AttachTask(env.Ctx, "s", "t"); err != nil {
		t.Fatal(err)
	}
	scoped, err := env.Engine.GetStatus(env.Ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped.Projects) != 1 || scoped.Projects[0].ID != "p" || scoped.TasksByStatus["pending"] != 1 || scoped.HoursAllocated != 3 {
		t.Fatalf("unexpected scoped status %+v", scoped)
	}
	other, err := env.Engine.GetStatus(env.Ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(other.TasksByStatus) != 0 || other.HoursAllocated != 0 {
		t.Fatalf("project without stories should have no tasks: %+v", other)
	}
	if _, err := env.Engine.GetStatus(env.Ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	snap, err := env.Engine.Export(env.Ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := snap.Stories["s"]; !ok || len(snap.Tasks) != 1 || len(snap.Events) == 0 {
		t.Fatalf("incomplete snapshot %+v", snap)
	}
}

func TestCompletingTaskCreatesFollowUps(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:             "T1",
		Name:           "Build login",
		AllocatedHours: 10,
		AgentID:        "dev",
		ScheduledDate:  "2024-01-01",
		FollowUps:      []domain.FollowUp{{Name: "Write docs", Hours: 3}, {Hours: 6}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(task.FollowUps) != 2 || task.FollowUps[1].Name != "Follow-up for Build login" {
		t.Fatalf("follow-up defaults not applied: %+v", task.FollowUps)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, "T1", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, "T1-followup-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("follow-ups must wait for completion, got %v", err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, "T1", 6); err != nil {
		t.Fatal(err)
	}
	docs, err := env.Engine.GetTask(env.Ctx, "T1-followup-1")
	if err != nil {
		t.Fatal(err)
	}
	if docs.Name != "Write docs" || docs.AgentID != "dev" || docs.ScheduledDate != "2024-01-02" || len(docs.DependsOn) != 1 || docs.DependsOn[0] != "T1" {
		t.Fatalf("unexpected follow-up %+v", docs)
	}
	second, err := env.Engine.GetTask(env.Ctx, "T1-followup-2")
	if err != nil {
		t.Fatal(err)
	}
	if second.AllocatedHours != 6 || second.ScheduledDate != "2024-01-03" {
		t.Fatalf("second follow-up should spill past the first: %+v", second)
	}

	if _, err := env.Engine.CorrectProgress(env.Ctx, "T1", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CorrectProgress(env.Ctx, "T1", 10); err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if len(tasks) != 3 {
		t.Fatalf("completing again must not duplicate follow-ups, got %d tasks", len(tasks))
	}
	if n := len(env.events(t, "task.created")); n != 3 {
		t.Fatalf("expected 3 task.created events, got %d", n)
	}

	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "x", AllocatedHours: 1, FollowUps: []domain.FollowUp{{Hours: -1}}}); !errors.Is(err, domain.ErrInvalidAllocation) {
		t.Fatalf("expected ErrInvalidAllocation for a negative follow-up, got %v", err)
	}
}

func TestPlannedTaskFollowUpsArePersisted(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	env.agent("dev", func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"tasks": []any{map[string]any{
			"id":         "impl",
			"name":       "Implement",
			"hours":      2,
			"follow_ups": []any{map[string]any{"name": "Deploy", "hours": 1}},
		}}}, nil
	})
	env.advanceTo(t, "s", domain.StoryDevelopment)
	if _, err := env.Engine.UpdateProgress(env.Ctx, "impl", 2); err != nil {
		t.Fatal(err)
	}
	deploy, err := env.Engine.GetTask(env.Ctx, "impl-followup-1")
	if err != nil || deploy.Name != "Deploy" || deploy.AgentID != "dev" {
		t.Fatalf("unexpected follow-up %+v %v", deploy, err)
	}
}

func TestStatusReportPercentages(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "p", domain.WorkflowFull)
	for state := p.State; state != domain.ProjectArchitecture; {
		next, err := env.Engine.AdvanceProject(env.Ctx, "p", state)
		if err != nil {
			t.Fatal(err)
		}
		state = next.State
	}
	env.project(t, "d", domain.WorkflowDevelopmentOnly)
	for _, opts := range []engine.TaskCreateOptions{
		{ID: "a", Name: "a", AllocatedHours: 2, AgentID: "dev", ScheduledDate: "2024-01-01"},
		{ID: "b", Name: "b", AllocatedHours: 6, AgentID: "dev", ScheduledDate: "2024-01-02"},
	} {
		if _, err := env.Engine.CreateTask(env.Ctx, opts); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, "a", 2); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.GetStatus(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalTasks != 2 || st.CompletionRate != 50 || st.ProgressPercentage != 25 || st.CapacityUsage != 25 {
		t.Fatalf("unexpected summary %+v", st)
	}
	got := map[string]float64{}
	for _, ps := range st.Projects {
		got[ps.ID] = ps.CompletionPercentage
	}
	if got["p"] != 66.7 || got["d"] != 0 {
		t.Fatalf("unexpected workflow completion %v", got)
	}
}

func TestConcurrentStoryAdvance(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.AdvanceStory(env.Ctx, "s", domain.StoryDraft)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	var ok, mismatched int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrStateMismatch):
			mismatched++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || mismatched != 1 {
		t.Fatalf("expected one success and one mismatch, got %d/%d", ok, mismatched)
	}
	s, _ := env.Engine.GetStory(env.Ctx, "s")
	if s.State != domain.StoryRiskProfiling || len(s.GateHistory) != 1 {
		t.Fatalf("one advance should record one risk gate: %s, %d results", s.State, len(s.GateHistory))
	}
}

func TestConcurrentGateRunsAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.RunGate(env.Ctx, "s", domain.GateRisk)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	s, _ := env.Engine.GetStory(env.Ctx, "s")
	if len(s.GateHistory) != n {
		t.Fatalf("expected %d gate results, got %d", n, len(s.GateHistory))
	}
	for i := 1; i < n; i++ {
		prev, _ := domain.ParseTime(s.GateHistory[i-1].ProducedAt)
		cur, _ := domain.ParseTime(s.GateHistory[i].ProducedAt)
		if s.GateHistory[i].Seq <= s.GateHistory[i-1].Seq || !cur.After(prev) {
			t.Fatalf("history out of order at %d: %+v", i, s.GateHistory)
		}
	}
}

func TestConcurrentProgressOnOneTask(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:             "t",
		Name:           "t",
		AllocatedHours: 10,
		AgentID:        "dev",
		FollowUps:      []domain.FollowUp{{Name: "check", Hours: 1}},
	}); err != nil {
		t.Fatal(err)
	}
	report := func(n int) {
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := env.Engine.UpdateProgress(env.Ctx, "t", 1); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
	}
	report(8)
	task, _ := env.Engine.GetTask(env.Ctx, "t")
	if task.CompletedHours != 8 || task.Status != domain.TaskInProgress {
		t.Fatalf("lost updates: %+v", task)
	}
	report(4)
	task, _ = env.Engine.GetTask(env.Ctx, "t")
	if task.CompletedHours != 10 || task.Status != domain.TaskCompleted {
		t.Fatalf("expected completion at the allocation: %+v", task)
	}
	if n := len(env.events(t, "task.progress")); n != 10 {
		t.Fatalf("expected 10 progress events, got %d", n)
	}
	tasks, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if len(tasks) != 2 {
		t.Fatalf("follow-up should be created exactly once, got %d tasks", len(tasks))
	}
}

func TestDevelopmentTimeoutLeavesStoryAndRetryIsSafe(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Dispatcher.Timeout = func(string) time.Duration { return 50 * time.Millisecond }
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	s := env.advanceTo(t, "s", domain.StoryValidation)

	release := make(chan struct{})
	defer close(release)
	env.agent("dev", func(string, map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{"tasks": []any{map[string]any{"name": "late", "hours": 1}}}, nil
	})
	if _, err := env.Engine.AdvanceStory(env.Ctx, "s", s.State); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	after, _ := env.Engine.GetStory(env.Ctx, "s")
	tasks, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if after.State != domain.StoryValidation || len(tasks) != 0 {
		t.Fatalf("timeout must leave the story untouched: %s, %d tasks", after.State, len(tasks))
	}
	if n := len(env.events(t, "story.advanced")); n != 2 {
		t.Fatalf("timeout must not append an advance event, got %d", n)
	}

	env.agent("dev", func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"tasks": []any{map[string]any{"name": "impl", "hours": 1}}}, nil
	})
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.AdvanceStory(env.Ctx, "s", domain.StoryValidation)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	var ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrStateMismatch):
		default:
			t.Fatalf("retry failed with %v", err)
		}
	}
	after, _ = env.Engine.GetStory(env.Ctx, "s")
	if ok != 1 || after.State != domain.StoryDevelopment || len(after.TaskIDs) != 1 {
		t.Fatalf("exactly one retry should land: %d ok, %s, tasks %v", ok, after.State, after.TaskIDs)
	}
}

func TestAdvisoryRiskFailDoesNotBlock(t *testing.T) {
	cfg := config.Default()
	cfg.Gates.RiskThresholdLow = 0.1
	cfg.Gates.RiskThresholdHigh = 0.5
	env := newTestEnvWithConfig(t, cfg)
	env.project(t, "p", domain.WorkflowFull)
	env.story(t, "p", "s", "it works")
	s, err := env.Engine.AdvanceStory(env.Ctx, "s", domain.StoryDraft)
	if err != nil {
		t.Fatal(err)
	}
	risk, ok := s.LatestGate(domain.GateRisk)
	if s.State != domain.StoryRiskProfiling || !ok || risk.Verdict != domain.VerdictFail {
		t.Fatalf("expected a recorded risk FAIL in risk_profiling: %s %+v", s.State, risk)
	}
	s, err = env.Engine.AdvanceStory(env.Ctx, "s", domain.StoryRiskProfiling)
	if err != nil || s.State != domain.StoryValidation {
		t.Fatalf("a risk FAIL is advisory: %s %v", s.State, err)
	}
}
