package storylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Storyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when the server runs without bearer auth.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AgentID        string   `json:"agent_id,omitempty"`
	AllocatedHours float64  `json:"allocated_hours"`
	CompletedHours float64  `json:"completed_hours"`
	Status         string   `json:"status"`
	ScheduledDate  string   `json:"scheduled_date,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// Project represents the API project model (partial).
type Project struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	WorkflowType string   `json:"workflow_type"`
	State        string   `json:"state"`
	StoryIDs     []string `json:"story_ids"`
}

// GateResult is one entry of a story's gate history.
type GateResult struct {
	Seq      int64    `json:"seq"`
	GateType string   `json:"gate_type"`
	Verdict  string   `json:"verdict"`
	Score    float64  `json:"score"`
	Findings []string `json:"findings"`
}

// Story represents the API story model (partial).
type Story struct {
	ID                 string       `json:"id"`
	ProjectID          string       `json:"project_id"`
	Title              string       `json:"title"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
	State              string       `json:"state"`
	TaskIDs            []string     `json:"task_ids"`
	GateHistory        []GateResult `json:"gate_history"`
}

// Schedule is the answer of suggest and pick.
type Schedule struct {
	AgentID string `json:"agent_id"`
	Date    string `json:"date"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Code and Message are decoded from the
// server's error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task. Zero agent and date leave it unscheduled.
func (c *Client) CreateTask(ctx context.Context, name string, allocatedHours float64, agentID, date string) (Task, error) {
	body := map[string]any{
		"name":            name,
		"allocated_hours": allocatedHours,
	}
	if agentID != "" {
		body["agent_id"] = agentID
	}
	if date != "" {
		body["scheduled_date"] = date
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateProgress reports hours worked on a task.
func (c *Client) UpdateProgress(ctx context.Context, taskID string, deltaHours float64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/progress", map[string]any{"delta_hours": deltaHours}, &resp)
	return resp, err
}

// CreateProject creates a project. An empty workflow means full.
func (c *Client) CreateProject(ctx context.Context, name, workflowType string) (Project, error) {
	body := map[string]any{"name": name}
	if workflowType != "" {
		body["workflow_type"] = workflowType
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// AdvanceProject moves a project one state forward if it is still in expected.
func (c *Client) AdvanceProject(ctx context.Context, id, expected string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(id)+"/advance", map[string]any{"expected_state": expected}, &resp)
	return resp, err
}

// CreateStory creates a story. Nil criteria are parsed from description.
func (c *Client) CreateStory(ctx context.Context, projectID, title, description string, criteria []string) (Story, error) {
	body := map[string]any{
		"project_id":  projectID,
		"title":       title,
		"description": description,
	}
	if criteria != nil {
		body["acceptance_criteria"] = criteria
	}
	var resp Story
	err := c.do(ctx, http.MethodPost, "stories", body, &resp)
	return resp, err
}

// AdvanceStory moves a story one state forward if it is still in expected.
func (c *Client) AdvanceStory(ctx context.Context, id, expected string) (Story, error) {
	var resp Story
	err := c.do(ctx, http.MethodPost, "stories/"+url.PathEscape(id)+"/advance", map[string]any{"expected_state": expected}, &resp)
	return resp, err
}

// SuggestSchedule asks for the first day the agent has room for hours.
// An empty earliest means today.
func (c *Client) SuggestSchedule(ctx context.Context, agentID string, hours float64, earliest string) (Schedule, error) {
	body := map[string]any{"agent_id": agentID, "hours": hours}
	if earliest != "" {
		body["earliest"] = earliest
	}
	var resp Schedule
	err := c.do(ctx, http.MethodPost, "capacity/suggest", body, &resp)
	return resp, err
}

// Events returns audit events for an entity, oldest first.
func (c *Client) Events(ctx context.Context, entityID string, limit int) ([]Event, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
