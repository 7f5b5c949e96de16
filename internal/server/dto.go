package server

import (
	"time"

	"storyline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID             string            `json:"id,omitempty" doc:"Generated when empty"`
	Name           string            `json:"name" minLength:"1"`
	AllocatedHours float64           `json:"allocated_hours" doc:"Must be positive"`
	AgentID        string            `json:"agent_id,omitempty"`
	ScheduledDate  string            `json:"scheduled_date,omitempty" format:"date"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	FollowUps      []domain.FollowUp `json:"follow_ups,omitempty" doc:"Tasks created when this one completes"`
}

type ProgressRequest struct {
	DeltaHours float64 `json:"delta_hours" doc:"Hours worked since the last report"`
}

type CorrectProgressRequest struct {
	CompletedHours float64 `json:"completed_hours"`
}

type SetStatusRequest struct {
	Status domain.TaskStatus `json:"status" enum:"pending,in_progress,blocked,completed"`
}

type CreateProjectRequest struct {
	ID           string              `json:"id,omitempty" doc:"Generated when empty"`
	Name         string              `json:"name" minLength:"1"`
	WorkflowType domain.WorkflowType `json:"workflow_type,omitempty" enum:"full,planning_only,development_only"`
}

type AdvanceRequest struct {
	ExpectedState string `json:"expected_state" doc:"The state the caller believes the entity is in"`
}

type RollbackRequest struct {
	ToState string `json:"to_state"`
	Reason  string `json:"reason,omitempty"`
}

type CreateStoryRequest struct {
	ID                 string   `json:"id,omitempty" doc:"Generated when empty"`
	ProjectID          string   `json:"project_id"`
	Title              string   `json:"title" minLength:"1"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty" doc:"Parsed from description when omitted"`
}

type AttachTaskRequest struct {
	TaskID string `json:"task_id"`
}

type SuggestScheduleRequest struct {
	AgentID  string  `json:"agent_id"`
	Hours    float64 `json:"hours"`
	Earliest string  `json:"earliest,omitempty" format:"date" doc:"Defaults to today"`
}

type PickAgentRequest struct {
	Candidates []string `json:"candidates,omitempty" doc:"Defaults to the configured pool"`
	Hours      float64  `json:"hours"`
	Earliest   string   `json:"earliest,omitempty" format:"date"`
}

// Response payloads

type ScheduleResponse struct {
	AgentID string `json:"agent_id,omitempty"`
	Date    string `json:"date" format:"date"`
}

type DeleteResponse struct {
	TaskID  string `json:"task_id"`
	Deleted bool   `json:"deleted"`
}

type RollbackResponse struct {
	ProjectID string `json:"project_id"`
	ToState   string `json:"to_state"`
	Recorded  bool   `json:"recorded"`
}

func parseEarliest(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := domain.ParseDate(s)
	if err != nil {
		return time.Time{}, domain.Invalid("earliest must be YYYY-MM-DD: %q", s)
	}
	return t, nil
}
