package mcptools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/migrate"
)

func newTools(t *testing.T) map[string]server.ServerTool {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]server.ServerTool{}
	for _, st := range Tools(e, nil) {
		out[st.Tool.Name] = st
	}
	return out
}

func call(t *testing.T, tools map[string]server.ServerTool, name string, args map[string]any) (string, bool) {
	t.Helper()
	st, ok := tools[name]
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := st.Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("%s: protocol error %v", name, err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("%s: expected one content item, got %d", name, len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("%s: unexpected content %T", name, res.Content[0])
	}
	return text.Text, res.IsError
}

func TestToolsDriveTaskProgress(t *testing.T) {
	tools := newTools(t)
	text, isErr := call(t, tools, "create_task", map[string]any{"id": "t1", "name": "Checkout", "allocated_hours": 10.0})
	if isErr {
		t.Fatalf("create_task: %s", text)
	}
	text, isErr = call(t, tools, "update_progress", map[string]any{"task_id": "t1", "delta_hours": 4.0})
	if isErr {
		t.Fatalf("update_progress: %s", text)
	}
	var task domain.Task
	if err := json.Unmarshal([]byte(text), &task); err != nil {
		t.Fatal(err)
	}
	if task.CompletedHours != 4 || task.Status != domain.TaskInProgress {
		t.Fatalf("unexpected task %+v", task)
	}

	text, isErr = call(t, tools, "update_progress", map[string]any{"task_id": "t1", "delta_hours": -2.0})
	if !isErr || !strings.HasPrefix(text, "invalid_delta:") {
		t.Fatalf("negative delta should be a tool error, got %v %s", isErr, text)
	}
	text, isErr = call(t, tools, "update_progress", map[string]any{"task_id": "t1"})
	if !isErr || !strings.HasPrefix(text, "invalid_argument:") {
		t.Fatalf("missing delta should be a tool error, got %v %s", isErr, text)
	}
	text, isErr = call(t, tools, "get_task", map[string]any{"task_id": "nope"})
	if !isErr || !strings.HasPrefix(text, "not_found:") {
		t.Fatalf("unknown task, got %v %s", isErr, text)
	}
}

func TestToolsDriveStoryWorkflow(t *testing.T) {
	tools := newTools(t)
	if text, isErr := call(t, tools, "create_project", map[string]any{"id": "p1", "name": "Shop", "workflow_type": "development_only"}); isErr {
		t.Fatalf("create_project: %s", text)
	}
	text, isErr := call(t, tools, "create_story", map[string]any{
		"id": "s1", "project_id": "p1", "title": "Pay",
		"acceptance_criteria": []any{"card works", "receipt sent"},
	})
	if isErr {
		t.Fatalf("create_story: %s", text)
	}
	var s domain.Story
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		t.Fatal(err)
	}
	if len(s.AcceptanceCriteria) != 2 || s.State != domain.StoryDraft {
		t.Fatalf("unexpected story %+v", s)
	}

	text, isErr = call(t, tools, "advance_story", map[string]any{"story_id": "s1", "expected_state": "validation"})
	if !isErr || !strings.HasPrefix(text, "state_mismatch:") {
		t.Fatalf("stale expected state, got %v %s", isErr, text)
	}
	if text, isErr = call(t, tools, "advance_story", map[string]any{"story_id": "s1", "expected_state": "draft"}); isErr {
		t.Fatalf("advance_story: %s", text)
	}
	text, isErr = call(t, tools, "run_gate", map[string]any{"story_id": "s1", "gate_type": "gate"})
	if !isErr || !strings.HasPrefix(text, "illegal_transition:") {
		t.Fatalf("final gate outside quality_gate, got %v %s", isErr, text)
	}

	text, isErr = call(t, tools, "get_status", nil)
	if isErr {
		t.Fatalf("get_status: %s", text)
	}
	var st engine.Status
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatal(err)
	}
	if len(st.Projects) != 1 || st.Projects[0].StoriesByState["risk_profiling"] != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	text, isErr = call(t, tools, "list_events", map[string]any{"entity_id": "s1"})
	if isErr {
		t.Fatalf("list_events: %s", text)
	}
	var evts []domain.Event
	if err := json.Unmarshal([]byte(text), &evts); err != nil {
		t.Fatal(err)
	}
	if len(evts) < 2 || evts[0].Type != "story.created" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestToolsScheduling(t *testing.T) {
	tools := newTools(t)
	call(t, tools, "create_task", map[string]any{"id": "t1", "name": "a", "allocated_hours": 8.0, "agent_id": "dev", "scheduled_date": "2030-01-07"})
	text, isErr := call(t, tools, "pick_agent", map[string]any{"hours": 2.0, "candidates": []any{"dev", "dev2"}, "earliest": "2030-01-07"})
	if isErr {
		t.Fatalf("pick_agent: %s", text)
	}
	var picked map[string]string
	if err := json.Unmarshal([]byte(text), &picked); err != nil {
		t.Fatal(err)
	}
	if picked["agent_id"] != "dev2" || picked["date"] != "2030-01-07" {
		t.Fatalf("expected the free agent on the same day, got %v", picked)
	}
	text, isErr = call(t, tools, "suggest_schedule", map[string]any{"agent_id": "dev", "hours": 1.0, "earliest": "not-a-date"})
	if !isErr || !strings.HasPrefix(text, "invalid_argument:") {
		t.Fatalf("bad date, got %v %s", isErr, text)
	}
}

func TestEveryToolHasAHandler(t *testing.T) {
	for _, st := range newTools(t) {
		if st.Handler == nil || st.Tool.Description == "" {
			t.Fatalf("tool %s is incomplete", st.Tool.Name)
		}
	}
	if s := New(engine.Engine{}, nil); s == nil {
		t.Fatal("nil server")
	}
}
