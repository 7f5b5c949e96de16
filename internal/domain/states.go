package domain

import "math"

type ProjectState string

const (
	ProjectIdeaGeneration   ProjectState = "idea_generation"
	ProjectAnalystResearch  ProjectState = "analyst_research"
	ProjectBrief            ProjectState = "project_brief"
	ProjectPRDCreation      ProjectState = "prd_creation"
	ProjectArchitecture     ProjectState = "architecture"
	ProjectDevelopmentReady ProjectState = "development_ready"
	ProjectCompleted        ProjectState = "completed"
)

// ProjectStates lists project states in workflow order.
var ProjectStates = []ProjectState{
	ProjectIdeaGeneration,
	ProjectAnalystResearch,
	ProjectBrief,
	ProjectPRDCreation,
	ProjectArchitecture,
	ProjectDevelopmentReady,
	ProjectCompleted,
}

func (s ProjectState) index() int {
	for i, st := range ProjectStates {
		if st == s {
			return i
		}
	}
	return -1
}

func (s ProjectState) Valid() bool { return s.index() >= 0 }

// AtLeast reports whether s is other or a later state.
func (s ProjectState) AtLeast(other ProjectState) bool {
	return s.index() >= other.index() && other.index() >= 0
}

// InitialProjectState is the state a new project of the given workflow starts in.
func InitialProjectState(w WorkflowType) ProjectState {
	if w == WorkflowDevelopmentOnly {
		return ProjectDevelopmentReady
	}
	return ProjectIdeaGeneration
}

// WorkflowProgress is how far s is along w's path, from 0 in the workflow's
// first state to 100 in its terminal one, rounded to one decimal.
func WorkflowProgress(w WorkflowType, s ProjectState) float64 {
	first := InitialProjectState(w).index()
	last := len(ProjectStates) - 1
	if w == WorkflowPlanningOnly {
		last = ProjectDevelopmentReady.index()
	}
	i := s.index()
	if i < first || last <= first {
		return 0
	}
	i = min(i, last)
	return math.Round(float64(i-first)/float64(last-first)*1000) / 10
}

// NextProjectState returns the single forward edge from s, if any.
func NextProjectState(w WorkflowType, s ProjectState) (ProjectState, bool) {
	if w == WorkflowPlanningOnly && s == ProjectDevelopmentReady {
		return "", false
	}
	i := s.index()
	if i < 0 || i+1 >= len(ProjectStates) {
		return "", false
	}
	return ProjectStates[i+1], true
}

// ProjectTerminal reports whether no forward edge leaves s for workflow w.
func ProjectTerminal(w WorkflowType, s ProjectState) bool {
	_, ok := NextProjectState(w, s)
	return !ok
}

type StoryState string

const (
	StoryDraft          StoryState = "draft"
	StoryRiskProfiling  StoryState = "risk_profiling"
	StoryValidation     StoryState = "validation"
	StoryDevelopment    StoryState = "development"
	StoryQACheck        StoryState = "qa_check"
	StoryReadyForReview StoryState = "ready_for_review"
	StoryQAReview       StoryState = "qa_review"
	StoryQualityGate    StoryState = "quality_gate"
	StoryCompleted      StoryState = "completed"
)

var StoryStates = []StoryState{
	StoryDraft,
	StoryRiskProfiling,
	StoryValidation,
	StoryDevelopment,
	StoryQACheck,
	StoryReadyForReview,
	StoryQAReview,
	StoryQualityGate,
	StoryCompleted,
}

func (s StoryState) Valid() bool {
	for _, st := range StoryStates {
		if st == s {
			return true
		}
	}
	return false
}

// NextStoryState returns the forward edge from s. The backward edge
// quality_gate -> development is taken only by the engine on a failed gate.
func NextStoryState(s StoryState) (StoryState, bool) {
	for i, st := range StoryStates {
		if st == s && i+1 < len(StoryStates) {
			return StoryStates[i+1], true
		}
	}
	return "", false
}
