package repo_test

import (
	"context"
	"errors"
	"testing"

	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

const ts = "2024-01-01T00:00:00Z"

func TestTaskRoundTripAndAllocation(t *testing.T) {
	r, ctx := newRepo(t)
	tasks := []domain.Task{
		{ID: "t1", Name: "one", AgentID: "dev", AllocatedHours: 3, Status: domain.TaskPending, ScheduledDate: "2024-01-02", CreatedAt: ts, UpdatedAt: ts},
		{ID: "t2", Name: "two", AgentID: "dev", AllocatedHours: 2.5, CompletedHours: 2.5, Status: domain.TaskCompleted, ScheduledDate: "2024-01-02", CreatedAt: ts, UpdatedAt: ts},
		{ID: "t3", Name: "three", AgentID: "qa", AllocatedHours: 1, Status: domain.TaskPending, ScheduledDate: "2024-01-02", DependsOn: []string{"t1"}, CreatedAt: ts, UpdatedAt: ts},
	}
	for _, task := range tasks {
		if err := r.InsertTask(ctx, task); err != nil {
			t.Fatalf("insert %s: %v", task.ID, err)
		}
	}
	got, err := r.GetTask(ctx, "t3")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "t1" {
		t.Fatalf("depends_on not round-tripped: %+v", got)
	}
	hours, err := r.AllocatedHours(ctx, "dev", "2024-01-02")
	if err != nil {
		t.Fatal(err)
	}
	if hours != 5.5 {
		t.Fatalf("expected completed tasks to count toward allocation, got %v", hours)
	}
	byAgent, err := r.AllocatedByAgent(ctx, "2024-01-02")
	if err != nil {
		t.Fatal(err)
	}
	if byAgent["qa"] != 1 || byAgent["dev"] != 5.5 {
		t.Fatalf("unexpected per-agent allocation %v", byAgent)
	}
	list, err := r.ListTasks(ctx, repo.TaskFilters{AgentID: "dev"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 dev tasks, got %d", len(list))
	}
	if _, err := r.GetTask(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoryTaskListsAndGateHistory(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.InsertProject(ctx, domain.Project{ID: "p1", Name: "P", WorkflowType: domain.WorkflowFull, State: domain.ProjectIdeaGeneration, StartedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertStory(ctx, domain.Story{ID: "s1", ProjectID: "p1", Title: "S", AcceptanceCriteria: []string{"a"}, State: domain.StoryDraft, CreatedAt: ts, StateEnteredAt: ts}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"b", "a", "c"} {
		if err := r.InsertTask(ctx, domain.Task{ID: id, Name: id, AllocatedHours: 1, Status: domain.TaskPending, CreatedAt: ts, UpdatedAt: ts}); err != nil {
			t.Fatal(err)
		}
		if err := r.AttachTask(ctx, "s1", id); err != nil {
			t.Fatal(err)
		}
	}
	// re-attaching keeps the original position
	if err := r.AttachTask(ctx, "s1", "b"); err != nil {
		t.Fatal(err)
	}
	for _, v := range []domain.Verdict{domain.VerdictFail, domain.VerdictPass} {
		if _, err := r.InsertGateResult(ctx, domain.GateResult{StoryID: "s1", GateType: domain.GateRisk, Verdict: v, Findings: []string{"x"}, ProducedAt: ts, ProducedBy: "qa"}); err != nil {
			t.Fatal(err)
		}
	}
	s, err := r.GetStory(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.TaskIDs) != 3 || s.TaskIDs[0] != "b" || s.TaskIDs[1] != "a" || s.TaskIDs[2] != "c" {
		t.Fatalf("task list not in insertion order: %v", s.TaskIDs)
	}
	latest, ok := s.LatestGate(domain.GateRisk)
	if !ok || latest.Verdict != domain.VerdictPass || latest.Seq <= s.GateHistory[0].Seq {
		t.Fatalf("unexpected history %+v", s.GateHistory)
	}
	n, err := r.DetachTask(ctx, "a")
	if err != nil || n != 1 {
		t.Fatalf("detach: %d %v", n, err)
	}
	p, err := r.GetProject(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.StoryIDs) != 1 || p.StoryIDs[0] != "s1" {
		t.Fatalf("project story ids %v", p.StoryIDs)
	}
}
