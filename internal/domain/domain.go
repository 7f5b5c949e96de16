package domain

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskBlocked, TaskCompleted:
		return true
	}
	return false
}

type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	AgentID        string     `json:"agent_id,omitempty"`
	AllocatedHours float64    `json:"allocated_hours"`
	CompletedHours float64    `json:"completed_hours"`
	Status         TaskStatus `json:"status" enum:"pending,in_progress,blocked,completed"`
	ScheduledDate  string     `json:"scheduled_date,omitempty" format:"date"`
	DependsOn      []string   `json:"depends_on,omitempty"`
	FollowUps      []FollowUp `json:"follow_ups,omitempty"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
}

// FollowUp is work created and scheduled when its parent task completes.
type FollowUp struct {
	Name    string  `json:"name,omitempty" mapstructure:"name"`
	Hours   float64 `json:"hours,omitempty" mapstructure:"hours" doc:"Defaults to 2"`
	AgentID string  `json:"agent_id,omitempty" mapstructure:"agent_id" doc:"Defaults to the parent's agent"`
}

// Remaining is the number of allocated hours not yet reported.
func (t Task) Remaining() float64 {
	if t.CompletedHours >= t.AllocatedHours {
		return 0
	}
	return t.AllocatedHours - t.CompletedHours
}

type WorkflowType string

const (
	WorkflowFull            WorkflowType = "full"
	WorkflowPlanningOnly    WorkflowType = "planning_only"
	WorkflowDevelopmentOnly WorkflowType = "development_only"
)

func (w WorkflowType) Valid() bool {
	switch w {
	case WorkflowFull, WorkflowPlanningOnly, WorkflowDevelopmentOnly:
		return true
	}
	return false
}

type Project struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	WorkflowType WorkflowType      `json:"workflow_type" enum:"full,planning_only,development_only"`
	State        ProjectState      `json:"state"`
	StoryIDs     []string          `json:"story_ids"`
	Artifacts    []ProjectArtifact `json:"artifacts,omitempty"`
	StartedAt    string            `json:"started_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

// ProjectArtifact is the recorded outcome of the agent dispatched when the
// project entered State.
type ProjectArtifact struct {
	ProjectID  string         `json:"project_id"`
	State      ProjectState   `json:"state"`
	Action     string         `json:"action"`
	AgentID    string         `json:"agent_id"`
	Data       map[string]any `json:"data,omitempty"`
	ProducedAt string         `json:"produced_at" format:"date-time"`
}

type Story struct {
	ID                 string        `json:"id"`
	ProjectID          string        `json:"project_id"`
	Title              string        `json:"title"`
	Description        string        `json:"description,omitempty"`
	AcceptanceCriteria []string      `json:"acceptance_criteria"`
	State              StoryState    `json:"state"`
	TaskIDs            []string      `json:"task_ids"`
	GateHistory        []GateResult  `json:"gate_history"`
	Evidence           StoryEvidence `json:"evidence"`
	CreatedAt          string        `json:"created_at" format:"date-time"`
	StateEnteredAt     string        `json:"state_entered_at" format:"date-time"`
}

// LatestGate returns the most recent result of the given gate type.
func (s Story) LatestGate(gt GateType) (GateResult, bool) {
	for i := len(s.GateHistory) - 1; i >= 0; i-- {
		if s.GateHistory[i].GateType == gt {
			return s.GateHistory[i], true
		}
	}
	return GateResult{}, false
}

// HasTask reports whether taskID is in the story's task list.
func (s Story) HasTask(taskID string) bool {
	for _, id := range s.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// StoryEvidence collects collaborator-supplied material read by the gates.
type StoryEvidence struct {
	Scenarios     []Coverage `json:"scenarios,omitempty"`
	Artifacts     []Coverage `json:"artifacts,omitempty"`
	Documentation []string   `json:"documentation,omitempty"`
	NFRChecks     []NFRCheck `json:"nfr_checks,omitempty"`
}

// Coverage links an acceptance criterion to a test scenario or an
// implementation artifact.
type Coverage struct {
	Criterion string `json:"criterion" mapstructure:"criterion"`
	Ref       string `json:"ref" mapstructure:"ref"`
	Automated bool   `json:"automated,omitempty" mapstructure:"automated"`
}

type NFRCheck struct {
	Category  string `json:"category" mapstructure:"category"`
	Name      string `json:"name" mapstructure:"name"`
	Passed    bool   `json:"passed" mapstructure:"passed"`
	Mandatory bool   `json:"mandatory,omitempty" mapstructure:"mandatory"`
	Detail    string `json:"detail,omitempty" mapstructure:"detail"`
}

type GateType string

const (
	GateRisk   GateType = "risk"
	GateDesign GateType = "design"
	GateTrace  GateType = "trace"
	GateNFR    GateType = "nfr"
	GateReview GateType = "review"
	GateFinal  GateType = "gate"
)

var GateTypes = []GateType{GateRisk, GateDesign, GateTrace, GateNFR, GateReview, GateFinal}

func (g GateType) Valid() bool {
	for _, t := range GateTypes {
		if t == g {
			return true
		}
	}
	return false
}

type Verdict string

const (
	VerdictPass        Verdict = "PASS"
	VerdictConcessions Verdict = "CONCESSIONS"
	VerdictFail        Verdict = "FAIL"
)

// Accepting reports whether the verdict lets work proceed.
func (v Verdict) Accepting() bool {
	return v == VerdictPass || v == VerdictConcessions
}

type GateResult struct {
	Seq        int64    `json:"seq"`
	StoryID    string   `json:"story_id"`
	GateType   GateType `json:"gate_type" enum:"risk,design,trace,nfr,review,gate"`
	Verdict    Verdict  `json:"verdict" enum:"PASS,CONCESSIONS,FAIL"`
	Score      float64  `json:"score"`
	Grade      string   `json:"grade,omitempty"`
	Findings   []string `json:"findings"`
	ProducedAt string   `json:"produced_at" format:"date-time"`
	ProducedBy string   `json:"produced_by"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// CapacityWindow is derived from task rows on demand and never stored.
type CapacityWindow struct {
	AgentID        string  `json:"agent_id"`
	Date           string  `json:"date"`
	AllocatedHours float64 `json:"allocated_hours"`
	MaxHours       float64 `json:"max_hours"`
}

func (w CapacityWindow) Remaining() float64 {
	if w.AllocatedHours >= w.MaxHours {
		return 0
	}
	return w.MaxHours - w.AllocatedHours
}
