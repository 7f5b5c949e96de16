// Package mcptools exposes the engine as Model Context Protocol tools so
// agent hosts can drive the workflow over stdio.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/logging"
	"storyline/internal/repo"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates the MCP server with every engine tool registered.
func New(e engine.Engine, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"storyline",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.AddTools(Tools(e, logger)...)
	return s
}

// ServeStdio runs the server on stdin/stdout until the input closes.
func ServeStdio(e engine.Engine, logger *slog.Logger) error {
	return server.ServeStdio(New(e, logger))
}

const instructions = `Storyline tracks projects, stories and hour-budgeted tasks.
Advance operations take the state you believe the entity is in and fail with
state_mismatch when it has moved. Hours are decimal.`

type toolset struct {
	e      engine.Engine
	logger *slog.Logger
}

// Tools returns every tool definition paired with its handler.
func Tools(e engine.Engine, logger *slog.Logger) []server.ServerTool {
	t := toolset{e: e, logger: logging.OrNop(logger).With("component", "mcp")}
	return []server.ServerTool{
		{Tool: mcp.NewTool("create_task",
			mcp.WithDescription("Create a task with an hour allocation"),
			mcp.WithString("name", mcp.Required()),
			mcp.WithNumber("allocated_hours", mcp.Required(), mcp.Description("Positive hour budget")),
			mcp.WithString("id", mcp.Description("Generated when omitted")),
			mcp.WithString("agent_id"),
			mcp.WithString("scheduled_date", mcp.Description("YYYY-MM-DD")),
			mcp.WithArray("depends_on", mcp.Items(map[string]any{"type": "string"})),
			mcp.WithArray("follow_ups",
				mcp.Description("Tasks created when this one completes"),
				mcp.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":     map[string]any{"type": "string"},
						"hours":    map[string]any{"type": "number"},
						"agent_id": map[string]any{"type": "string"},
					},
				}),
			),
		), Handler: t.createTask},
		{Tool: mcp.NewTool("update_progress",
			mcp.WithDescription("Add hours worked to a task; completes it when the allocation is reached"),
			mcp.WithString("task_id", mcp.Required()),
			mcp.WithNumber("delta_hours", mcp.Required()),
		), Handler: t.updateProgress},
		{Tool: mcp.NewTool("correct_progress",
			mcp.WithDescription("Overwrite the completed hours of a task"),
			mcp.WithString("task_id", mcp.Required()),
			mcp.WithNumber("completed_hours", mcp.Required()),
		), Handler: t.correctProgress},
		{Tool: mcp.NewTool("set_task_status",
			mcp.WithDescription("Set a task status"),
			mcp.WithString("task_id", mcp.Required()),
			mcp.WithString("status", mcp.Required(), mcp.Enum("pending", "in_progress", "blocked", "completed")),
		), Handler: t.setStatus},
		{Tool: mcp.NewTool("delete_task",
			mcp.WithDescription("Delete a task"),
			mcp.WithString("task_id", mcp.Required()),
			mcp.WithBoolean("force", mcp.Description("Detach from active stories first")),
		), Handler: t.deleteTask},
		{Tool: mcp.NewTool("get_task",
			mcp.WithDescription("Get a task"),
			mcp.WithString("task_id", mcp.Required()),
		), Handler: t.getTask},
		{Tool: mcp.NewTool("list_tasks",
			mcp.WithDescription("List tasks filtered by agent, date or status"),
			mcp.WithString("agent_id"),
			mcp.WithString("date"),
			mcp.WithString("status"),
		), Handler: t.listTasks},
		{Tool: mcp.NewTool("check_capacity",
			mcp.WithDescription("Check whether hours fit on an agent's day"),
			mcp.WithString("agent_id", mcp.Required()),
			mcp.WithString("date", mcp.Required()),
			mcp.WithNumber("hours", mcp.Required()),
		), Handler: t.checkCapacity},
		{Tool: mcp.NewTool("suggest_schedule",
			mcp.WithDescription("First day on or after earliest with room for the hours"),
			mcp.WithString("agent_id", mcp.Required()),
			mcp.WithNumber("hours", mcp.Required()),
			mcp.WithString("earliest", mcp.Description("YYYY-MM-DD, defaults to today")),
		), Handler: t.suggestSchedule},
		{Tool: mcp.NewTool("pick_agent",
			mcp.WithDescription("Pick the candidate with the earliest slot for the hours"),
			mcp.WithNumber("hours", mcp.Required()),
			mcp.WithArray("candidates", mcp.Items(map[string]any{"type": "string"})),
			mcp.WithString("earliest"),
		), Handler: t.pickAgent},
		{Tool: mcp.NewTool("get_workload",
			mcp.WithDescription("Per-agent load for a day"),
			mcp.WithString("date", mcp.Description("Defaults to today")),
		), Handler: t.workload},
		{Tool: mcp.NewTool("create_project",
			mcp.WithDescription("Create a project"),
			mcp.WithString("name", mcp.Required()),
			mcp.WithString("id"),
			mcp.WithString("workflow_type", mcp.Enum("full", "planning_only", "development_only")),
		), Handler: t.createProject},
		{Tool: mcp.NewTool("get_project",
			mcp.WithDescription("Get a project with its artifacts"),
			mcp.WithString("project_id", mcp.Required()),
		), Handler: t.getProject},
		{Tool: mcp.NewTool("list_projects",
			mcp.WithDescription("List projects"),
		), Handler: t.listProjects},
		{Tool: mcp.NewTool("advance_project",
			mcp.WithDescription("Advance a project one state"),
			mcp.WithString("project_id", mcp.Required()),
			mcp.WithString("expected_state", mcp.Required()),
		), Handler: t.advanceProject},
		{Tool: mcp.NewTool("request_project_rollback",
			mcp.WithDescription("Record a request to return a project to an earlier state"),
			mcp.WithString("project_id", mcp.Required()),
			mcp.WithString("to_state", mcp.Required()),
			mcp.WithString("reason"),
		), Handler: t.requestRollback},
		{Tool: mcp.NewTool("create_story",
			mcp.WithDescription("Create a story; acceptance criteria are parsed from the description when omitted"),
			mcp.WithString("project_id", mcp.Required()),
			mcp.WithString("title", mcp.Required()),
			mcp.WithString("id"),
			mcp.WithString("description"),
			mcp.WithArray("acceptance_criteria", mcp.Items(map[string]any{"type": "string"})),
		), Handler: t.createStory},
		{Tool: mcp.NewTool("get_story",
			mcp.WithDescription("Get a story with gate history and evidence"),
			mcp.WithString("story_id", mcp.Required()),
		), Handler: t.getStory},
		{Tool: mcp.NewTool("list_stories",
			mcp.WithDescription("List stories"),
			mcp.WithString("project_id"),
			mcp.WithString("state"),
		), Handler: t.listStories},
		{Tool: mcp.NewTool("advance_story",
			mcp.WithDescription("Advance a story one state, running the gate attached to the target state"),
			mcp.WithString("story_id", mcp.Required()),
			mcp.WithString("expected_state", mcp.Required()),
		), Handler: t.advanceStory},
		{Tool: mcp.NewTool("attach_task",
			mcp.WithDescription("Attach an existing task to a story"),
			mcp.WithString("story_id", mcp.Required()),
			mcp.WithString("task_id", mcp.Required()),
		), Handler: t.attachTask},
		{Tool: mcp.NewTool("run_gate",
			mcp.WithDescription("Run a quality gate on a story"),
			mcp.WithString("story_id", mcp.Required()),
			mcp.WithString("gate_type", mcp.Required(), mcp.Enum("risk", "design", "trace", "nfr", "review", "gate")),
		), Handler: t.runGate},
		{Tool: mcp.NewTool("get_status",
			mcp.WithDescription("Projects, task totals and today's workload"),
			mcp.WithString("project_id", mcp.Description("Limit the summary to one project")),
		), Handler: t.status},
		{Tool: mcp.NewTool("list_events",
			mcp.WithDescription("Audit log, oldest first"),
			mcp.WithString("entity_id"),
			mcp.WithString("type"),
			mcp.WithNumber("after"),
			mcp.WithNumber("limit"),
		), Handler: t.listEvents},
	}
}

// result renders v as indented JSON text, or err as a tool error so the
// calling model can read and react to it.
func (t toolset) result(ctx context.Context, tool string, v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		t.logger.InfoContext(ctx, "tool failed", "tool", tool, "err", err)
		return mcp.NewToolResultError(errorCode(err) + ": " + err.Error()), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, domain.ErrInvalidAllocation):
		return "invalid_allocation"
	case errors.Is(err, domain.ErrInvalidDelta):
		return "invalid_delta"
	case errors.Is(err, domain.ErrIncompleteHours):
		return "incomplete_hours"
	case errors.Is(err, domain.ErrReferencedByActiveStory):
		return "referenced_by_active_story"
	case errors.Is(err, domain.ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, domain.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, domain.ErrNoCapacityWithinHorizon):
		return "no_capacity_within_horizon"
	case errors.Is(err, domain.ErrAgentUnavailable):
		return "agent_unavailable"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrCollaborator):
		return "collaborator_error"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal_error"
	}
}

// invalid turns a missing-argument error from the request helpers into the
// engine's invalid-argument error.
func invalid(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
}

func optionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return domain.ParseDate(s)
}

func stringSlice(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (t toolset) createTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return t.result(ctx, "create_task", nil, invalid(err))
	}
	hours, err := req.RequireFloat("allocated_hours")
	if err != nil {
		return t.result(ctx, "create_task", nil, invalid(err))
	}
	var followUps []domain.FollowUp
	if raw, ok := req.GetArguments()["follow_ups"]; ok {
		if err := mapstructure.WeakDecode(raw, &followUps); err != nil {
			return t.result(ctx, "create_task", nil, invalid(err))
		}
	}
	task, err := t.e.CreateTask(ctx, engine.TaskCreateOptions{
		ID:             req.GetString("id", ""),
		Name:           name,
		AllocatedHours: hours,
		AgentID:        req.GetString("agent_id", ""),
		ScheduledDate:  req.GetString("scheduled_date", ""),
		DependsOn:      stringSlice(req, "depends_on"),
		FollowUps:      followUps,
	})
	return t.result(ctx, "create_task", task, err)
}

func (t toolset) updateProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return t.result(ctx, "update_progress", nil, invalid(err))
	}
	delta, err := req.RequireFloat("delta_hours")
	if err != nil {
		return t.result(ctx, "update_progress", nil, invalid(err))
	}
	task, err := t.e.UpdateProgress(ctx, id, delta)
	return t.result(ctx, "update_progress", task, err)
}

func (t toolset) correctProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return t.result(ctx, "correct_progress", nil, invalid(err))
	}
	hours, err := req.RequireFloat("completed_hours")
	if err != nil {
		return t.result(ctx, "correct_progress", nil, invalid(err))
	}
	task, err := t.e.CorrectProgress(ctx, id, hours)
	return t.result(ctx, "correct_progress", task, err)
}

func (t toolset) setStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return t.result(ctx, "set_task_status", nil, invalid(err))
	}
	status, err := req.RequireString("status")
	if err != nil {
		return t.result(ctx, "set_task_status", nil, invalid(err))
	}
	task, err := t.e.SetStatus(ctx, id, domain.TaskStatus(status))
	return t.result(ctx, "set_task_status", task, err)
}

func (t toolset) deleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return t.result(ctx, "delete_task", nil, invalid(err))
	}
	err = t.e.DeleteTask(ctx, id, req.GetBool("force", false))
	return t.result(ctx, "delete_task", map[string]any{"task_id": id, "deleted": true}, err)
}

func (t toolset) getTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return t.result(ctx, "get_task", nil, invalid(err))
	}
	task, err := t.e.GetTask(ctx, id)
	return t.result(ctx, "get_task", task, err)
}

func (t toolset) listTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := t.e.ListTasks(ctx, repo.TaskFilters{
		AgentID: req.GetString("agent_id", ""),
		Date:    req.GetString("date", ""),
		Status:  req.GetString("status", ""),
	})
	return t.result(ctx, "list_tasks", items, err)
}

func (t toolset) checkCapacity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_id")
	if err != nil {
		return t.result(ctx, "check_capacity", nil, invalid(err))
	}
	date, err := req.RequireString("date")
	if err != nil {
		return t.result(ctx, "check_capacity", nil, invalid(err))
	}
	hours, err := req.RequireFloat("hours")
	if err != nil {
		return t.result(ctx, "check_capacity", nil, invalid(err))
	}
	c, err := t.e.CheckCapacity(ctx, agent, date, hours)
	return t.result(ctx, "check_capacity", c, err)
}

func (t toolset) suggestSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, err := req.RequireString("agent_id")
	if err != nil {
		return t.result(ctx, "suggest_schedule", nil, invalid(err))
	}
	hours, err := req.RequireFloat("hours")
	if err != nil {
		return t.result(ctx, "suggest_schedule", nil, invalid(err))
	}
	earliest, err := optionalDate(req.GetString("earliest", ""))
	if err != nil {
		return t.result(ctx, "suggest_schedule", nil, err)
	}
	date, err := t.e.SuggestSchedule(ctx, agent, hours, earliest)
	return t.result(ctx, "suggest_schedule", map[string]string{"agent_id": agent, "date": date}, err)
}

func (t toolset) pickAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hours, err := req.RequireFloat("hours")
	if err != nil {
		return t.result(ctx, "pick_agent", nil, invalid(err))
	}
	earliest, err := optionalDate(req.GetString("earliest", ""))
	if err != nil {
		return t.result(ctx, "pick_agent", nil, err)
	}
	agent, date, err := t.e.PickAgent(ctx, stringSlice(req, "candidates"), hours, earliest)
	return t.result(ctx, "pick_agent", map[string]string{"agent_id": agent, "date": date}, err)
}

func (t toolset) workload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := t.e.Workload(ctx, req.GetString("date", ""))
	return t.result(ctx, "get_workload", items, err)
}

func (t toolset) createProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return t.result(ctx, "create_project", nil, invalid(err))
	}
	p, err := t.e.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:           req.GetString("id", ""),
		Name:         name,
		WorkflowType: domain.WorkflowType(req.GetString("workflow_type", "")),
	})
	return t.result(ctx, "create_project", p, err)
}

func (t toolset) getProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return t.result(ctx, "get_project", nil, invalid(err))
	}
	p, err := t.e.GetProject(ctx, id)
	return t.result(ctx, "get_project", p, err)
}

func (t toolset) listProjects(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := t.e.ListProjects(ctx)
	return t.result(ctx, "list_projects", items, err)
}

func (t toolset) advanceProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return t.result(ctx, "advance_project", nil, invalid(err))
	}
	expected, err := req.RequireString("expected_state")
	if err != nil {
		return t.result(ctx, "advance_project", nil, invalid(err))
	}
	p, err := t.e.AdvanceProject(ctx, id, domain.ProjectState(expected))
	return t.result(ctx, "advance_project", p, err)
}

func (t toolset) requestRollback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return t.result(ctx, "request_project_rollback", nil, invalid(err))
	}
	to, err := req.RequireString("to_state")
	if err != nil {
		return t.result(ctx, "request_project_rollback", nil, invalid(err))
	}
	err = t.e.RequestProjectRollback(ctx, id, domain.ProjectState(to), req.GetString("reason", ""))
	return t.result(ctx, "request_project_rollback", map[string]any{"project_id": id, "to_state": to, "recorded": true}, err)
}

func (t toolset) createStory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return t.result(ctx, "create_story", nil, invalid(err))
	}
	title, err := req.RequireString("title")
	if err != nil {
		return t.result(ctx, "create_story", nil, invalid(err))
	}
	s, err := t.e.CreateStory(ctx, engine.StoryCreateOptions{
		ID:                 req.GetString("id", ""),
		ProjectID:          projectID,
		Title:              title,
		Description:        req.GetString("description", ""),
		AcceptanceCriteria: stringSlice(req, "acceptance_criteria"),
	})
	return t.result(ctx, "create_story", s, err)
}

func (t toolset) getStory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("story_id")
	if err != nil {
		return t.result(ctx, "get_story", nil, invalid(err))
	}
	s, err := t.e.GetStory(ctx, id)
	return t.result(ctx, "get_story", s, err)
}

func (t toolset) listStories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := t.e.ListStories(ctx, repo.StoryFilters{
		ProjectID: req.GetString("project_id", ""),
		State:     req.GetString("state", ""),
	})
	return t.result(ctx, "list_stories", items, err)
}

func (t toolset) advanceStory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("story_id")
	if err != nil {
		return t.result(ctx, "advance_story", nil, invalid(err))
	}
	expected, err := req.RequireString("expected_state")
	if err != nil {
		return t.result(ctx, "advance_story", nil, invalid(err))
	}
	s, err := t.e.AdvanceStory(ctx, id, domain.StoryState(expected))
	return t.result(ctx, "advance_story", s, err)
}

func (t toolset) attachTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	storyID, err := req.RequireString("story_id")
	if err != nil {
		return t.result(ctx, "attach_task", nil, invalid(err))
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return t.result(ctx, "attach_task", nil, invalid(err))
	}
	s, err := t.e.AttachTask(ctx, storyID, taskID)
	return t.result(ctx, "attach_task", s, err)
}

func (t toolset) runGate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("story_id")
	if err != nil {
		return t.result(ctx, "run_gate", nil, invalid(err))
	}
	gt, err := req.RequireString("gate_type")
	if err != nil {
		return t.result(ctx, "run_gate", nil, invalid(err))
	}
	g, err := t.e.RunGate(ctx, id, domain.GateType(gt))
	return t.result(ctx, "run_gate", g, err)
}

func (t toolset) status(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.e.GetStatus(ctx, req.GetString("project_id", ""))
	return t.result(ctx, "get_status", st, err)
}

func (t toolset) listEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := t.e.ListEvents(ctx, repo.EventFilters{
		EntityID: req.GetString("entity_id", ""),
		Type:     req.GetString("type", ""),
		After:    int64(req.GetFloat("after", 0)),
		Limit:    int(req.GetFloat("limit", 0)),
	})
	return t.result(ctx, "list_events", items, err)
}
