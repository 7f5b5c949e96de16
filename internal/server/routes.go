package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/repo"
	"storyline/internal/scheduler"
)

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

var dispatchErrors = append(append([]int{}, commandErrors...),
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
)

type taskPath struct {
	TaskID string `path:"task_id"`
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type storyPath struct {
	StoryID string `path:"story_id"`
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Projects, task totals and today's workload",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id" doc:"Limit the summary to one project"`
	}) (*output[engine.Status], error) {
		st, err := e.GetStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export",
		Method:      http.MethodGet,
		Path:        "/export",
		Summary:     "Snapshot of every entity keyed by id",
	}, func(ctx context.Context, input *struct {
		Events bool `query:"events" doc:"Include the audit log"`
	}) (*output[engine.Snapshot], error) {
		snap, err := e.Export(ctx, input.Events)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(snap), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,story,project"`
		EntityID   string `query:"entity_id"`
		After      int64  `query:"after" minimum:"0"`
		Limit      int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*output[[]domain.Event], error) {
		items, err := e.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			After:      input.After,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(items), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest
	}) (*output[domain.Task], error) {
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:             input.Body.ID,
			Name:           input.Body.Name,
			AllocatedHours: input.Body.AllocatedHours,
			AgentID:        input.Body.AgentID,
			ScheduledDate:  input.Body.ScheduledDate,
			DependsOn:      input.Body.DependsOn,
			FollowUps:      input.Body.FollowUps,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Date    string `query:"date" doc:"Scheduled date, YYYY-MM-DD"`
		Status  string `query:"status" enum:"pending,in_progress,blocked,completed"`
		Limit   int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.Task], error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			AgentID: input.AgentID,
			Date:    input.Date,
			Status:  input.Status,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[domain.Task], error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-progress",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/progress",
		Summary:     "Report hours worked",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   ProgressRequest
	}) (*output[domain.Task], error) {
		t, err := e.UpdateProgress(ctx, input.TaskID, input.Body.DeltaHours)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "correct-progress",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/progress",
		Summary:     "Overwrite completed hours",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   CorrectProgressRequest
	}) (*output[domain.Task], error) {
		t, err := e.CorrectProgress(ctx, input.TaskID, input.Body.CompletedHours)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Set task status",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   SetStatusRequest
	}) (*output[domain.Task], error) {
		t, err := e.SetStatus(ctx, input.TaskID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete task",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Force  bool   `query:"force" doc:"Detach from active stories first"`
	}) (*output[DeleteResponse], error) {
		if err := e.DeleteTask(ctx, input.TaskID, input.Force); err != nil {
			return nil, handleError(err)
		}
		return ok(DeleteResponse{TaskID: input.TaskID, Deleted: true}), nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*output[domain.Project], error) {
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			WorkflowType: input.Body.WorkflowType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Project], error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[domain.Project], error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/advance",
		Summary:     "Advance project one state",
		Errors:      dispatchErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      AdvanceRequest
	}) (*output[domain.Project], error) {
		p, err := e.AdvanceProject(ctx, input.ProjectID, domain.ProjectState(input.Body.ExpectedState))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-project-rollback",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/rollback",
		Summary:       "Record a rollback request",
		Description:   "Appends an audit event only; the project state is unchanged.",
		DefaultStatus: http.StatusAccepted,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      RollbackRequest
	}) (*output[RollbackResponse], error) {
		if err := e.RequestProjectRollback(ctx, input.ProjectID, domain.ProjectState(input.Body.ToState), input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return ok(RollbackResponse{ProjectID: input.ProjectID, ToState: input.Body.ToState, Recorded: true}), nil
	})
}

func registerStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-story",
		Method:        http.MethodPost,
		Path:          "/stories",
		Summary:       "Create story",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateStoryRequest
	}) (*output[domain.Story], error) {
		s, err := e.CreateStory(ctx, engine.StoryCreateOptions{
			ID:                 input.Body.ID,
			ProjectID:          input.Body.ProjectID,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/stories",
		Summary:     "List stories",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		State     string `query:"state"`
	}) (*output[[]domain.Story], error) {
		items, err := e.ListStories(ctx, repo.StoryFilters{ProjectID: input.ProjectID, State: input.State})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}",
		Summary:     "Get story",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *storyPath) (*output[domain.Story], error) {
		s, err := e.GetStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-story",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/advance",
		Summary:     "Advance story one state",
		Description: "Runs the gate attached to the target state; a failing final gate routes the story back to development.",
		Errors:      dispatchErrors,
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
		Body    AdvanceRequest
	}) (*output[domain.Story], error) {
		s, err := e.AdvanceStory(ctx, input.StoryID, domain.StoryState(input.Body.ExpectedState))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-task",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/tasks",
		Summary:     "Attach task to story",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
		Body    AttachTaskRequest
	}) (*output[domain.Story], error) {
		s, err := e.AttachTask(ctx, input.StoryID, input.Body.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-gate",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/gates/{gate_type}",
		Summary:     "Run quality gate",
		Errors:      dispatchErrors,
	}, func(ctx context.Context, input *struct {
		StoryID  string `path:"story_id"`
		GateType string `path:"gate_type" enum:"risk,design,trace,nfr,review,gate"`
	}) (*output[domain.GateResult], error) {
		g, err := e.RunGate(ctx, input.StoryID, domain.GateType(input.GateType))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gate-results",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}/gates",
		Summary:     "Gate history in recording order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *storyPath) (*output[[]domain.GateResult], error) {
		s, err := e.GetStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(s.GateHistory), nil
	})
}

func registerCapacity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-capacity",
		Method:      http.MethodGet,
		Path:        "/capacity/{agent_id}/{date}",
		Summary:     "Check whether hours fit on an agent's day",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID string  `path:"agent_id"`
		Date    string  `path:"date" format:"date"`
		Hours   float64 `query:"hours" minimum:"0"`
	}) (*output[scheduler.CapacityCheck], error) {
		c, err := e.CheckCapacity(ctx, input.AgentID, input.Date, input.Hours)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suggest-schedule",
		Method:      http.MethodPost,
		Path:        "/capacity/suggest",
		Summary:     "First day with room for the hours",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body SuggestScheduleRequest
	}) (*output[ScheduleResponse], error) {
		earliest, err := parseEarliest(input.Body.Earliest)
		if err != nil {
			return nil, handleError(err)
		}
		date, err := e.SuggestSchedule(ctx, input.Body.AgentID, input.Body.Hours, earliest)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ScheduleResponse{AgentID: input.Body.AgentID, Date: date}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pick-agent",
		Method:      http.MethodPost,
		Path:        "/capacity/pick",
		Summary:     "Pick the candidate with the earliest slot",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		Body PickAgentRequest
	}) (*output[ScheduleResponse], error) {
		earliest, err := parseEarliest(input.Body.Earliest)
		if err != nil {
			return nil, handleError(err)
		}
		agent, date, err := e.PickAgent(ctx, input.Body.Candidates, input.Body.Hours, earliest)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ScheduleResponse{AgentID: agent, Date: date}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workload",
		Method:      http.MethodGet,
		Path:        "/workload",
		Summary:     "Per-agent load for a day",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date" doc:"Defaults to today"`
	}) (*output[[]domain.CapacityWindow], error) {
		items, err := e.Workload(ctx, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(items), nil
	})
}
