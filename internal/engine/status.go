package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"storyline/internal/domain"
	"storyline/internal/repo"
	"storyline/internal/scheduler"
)

// ProjectStatus summarizes one project for get_status.
type ProjectStatus struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	WorkflowType   string         `json:"workflow_type"`
	State          string         `json:"state"`
	StoriesByState map[string]int `json:"stories_by_state"`
	// CompletionPercentage is the project's position along its workflow.
	CompletionPercentage float64 `json:"completion_percentage"`
}

// Status is the read-only overview behind get_status.
type Status struct {
	GeneratedAt    string                  `json:"generated_at" format:"date-time"`
	Projects       []ProjectStatus         `json:"projects"`
	TasksByStatus  map[string]int          `json:"tasks_by_status"`
	HoursAllocated float64                 `json:"hours_allocated"`
	HoursCompleted float64                 `json:"hours_completed"`
	TotalTasks     int                     `json:"total_tasks"`
	// CompletionRate is the percentage of tasks completed.
	CompletionRate int `json:"completion_rate"`
	// ProgressPercentage is completed hours over allocated hours.
	ProgressPercentage int `json:"progress_percentage"`
	// CapacityUsage is today's allocated hours over the summed ceilings of
	// the agents in Workload.
	CapacityUsage int                     `json:"capacity_usage"`
	Workload      []domain.CapacityWindow `json:"workload"`
}

// GetStatus summarizes every project, or only projectID when it is set. A
// project-scoped status counts just the tasks attached to that project's
// stories; workload is always per agent across projects.
func (e Engine) GetStatus(ctx context.Context, projectID string) (Status, error) {
	var projects []domain.Project
	if projectID != "" {
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return Status{}, err
		}
		projects = []domain.Project{p}
	} else {
		var err error
		if projects, err = e.Repo.ListProjects(ctx); err != nil {
			return Status{}, err
		}
	}
	stories, err := e.Repo.ListStories(ctx, repo.StoryFilters{ProjectID: projectID})
	if err != nil {
		return Status{}, err
	}
	byProject := map[string]map[string]int{}
	var taskIDs []string
	for _, s := range stories {
		if byProject[s.ProjectID] == nil {
			byProject[s.ProjectID] = map[string]int{}
		}
		byProject[s.ProjectID][string(s.State)]++
		taskIDs = append(taskIDs, s.TaskIDs...)
	}
	st := Status{GeneratedAt: domain.FormatTime(e.now()), Projects: make([]ProjectStatus, 0, len(projects))}
	for _, p := range projects {
		counts := byProject[p.ID]
		if counts == nil {
			counts = map[string]int{}
		}
		st.Projects = append(st.Projects, ProjectStatus{
			ID:                   p.ID,
			Name:                 p.Name,
			WorkflowType:         string(p.WorkflowType),
			State:                string(p.State),
			StoriesByState:       counts,
			CompletionPercentage: domain.WorkflowProgress(p.WorkflowType, p.State),
		})
	}
	if projectID == "" {
		if st.TasksByStatus, err = e.Repo.CountTasksByStatus(ctx); err != nil {
			return Status{}, err
		}
		if st.HoursAllocated, st.HoursCompleted, err = e.Repo.TaskHours(ctx); err != nil {
			return Status{}, err
		}
	} else {
		st.TasksByStatus = map[string]int{}
		if len(taskIDs) > 0 {
			tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{IDs: taskIDs})
			if err != nil {
				return Status{}, err
			}
			for _, t := range tasks {
				st.TasksByStatus[string(t.Status)]++
				st.HoursAllocated += t.AllocatedHours
				st.HoursCompleted += t.CompletedHours
			}
		}
	}
	if st.Workload, err = e.Workload(ctx, e.today()); err != nil {
		return Status{}, err
	}
	st.summarize()
	return st, nil
}

// summarize derives the percentages from the counts already in st.
func (st *Status) summarize() {
	for _, n := range st.TasksByStatus {
		st.TotalTasks += n
	}
	st.CompletionRate = percent(float64(st.TasksByStatus[string(domain.TaskCompleted)]), float64(st.TotalTasks))
	st.ProgressPercentage = percent(st.HoursCompleted, st.HoursAllocated)
	var used, ceiling float64
	for _, w := range st.Workload {
		used += w.AllocatedHours
		ceiling += w.MaxHours
	}
	st.CapacityUsage = percent(used, ceiling)
}

// percent truncates part/whole to a whole percentage, 0 when whole is 0.
func percent(part, whole float64) int {
	if whole <= 0 {
		return 0
	}
	return int(part / whole * 100)
}

// Snapshot is the export format: every entity keyed by id plus the audit
// log.
type Snapshot struct {
	ExportedAt string                    `json:"exported_at" format:"date-time"`
	Projects   map[string]domain.Project `json:"projects"`
	Stories    map[string]domain.Story   `json:"stories"`
	Tasks      map[string]domain.Task    `json:"tasks"`
	Events     []domain.Event            `json:"events,omitempty"`
}

// Export reads a consistent snapshot inside one read transaction.
func (e Engine) Export(ctx context.Context, withEvents bool) (Snapshot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	snap := Snapshot{
		ExportedAt: domain.FormatTime(e.now()),
		Projects:   map[string]domain.Project{},
		Stories:    map[string]domain.Story{},
		Tasks:      map[string]domain.Task{},
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export projects: %w", err)
	}
	for _, p := range projects {
		snap.Projects[p.ID] = p
	}
	stories, err := r.ListStories(ctx, repo.StoryFilters{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("export stories: %w", err)
	}
	for _, s := range stories {
		snap.Stories[s.ID] = s
	}
	tasks, err := r.ListTasks(ctx, repo.TaskFilters{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("export tasks: %w", err)
	}
	for _, t := range tasks {
		snap.Tasks[t.ID] = t
	}
	if withEvents {
		if snap.Events, err = r.ListEvents(ctx, repo.EventFilters{}); err != nil {
			return Snapshot{}, fmt.Errorf("export events: %w", err)
		}
	}
	return snap, nil
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, f)
}

func (e Engine) CheckCapacity(ctx context.Context, agent, date string, hours float64) (scheduler.CapacityCheck, error) {
	return e.Scheduler.CheckCapacity(ctx, agent, date, hours)
}

// SuggestSchedule finds the first day on or after earliest with room for
// hours. A zero earliest means today.
func (e Engine) SuggestSchedule(ctx context.Context, agent string, hours float64, earliest time.Time) (string, error) {
	if earliest.IsZero() {
		earliest = e.now()
	}
	return e.Scheduler.SuggestSchedule(ctx, agent, hours, earliest)
}

// PickAgent chooses among candidates, or the configured pool when none are
// given.
func (e Engine) PickAgent(ctx context.Context, candidates []string, hours float64, earliest time.Time) (string, string, error) {
	if len(candidates) == 0 {
		candidates = e.cfg().AgentPool()
	}
	if earliest.IsZero() {
		earliest = e.now()
	}
	return e.Scheduler.PickAgent(ctx, candidates, hours, earliest)
}

// Workload lists per-agent load for date (today when empty), always
// including the pool and every agent with a configured ceiling.
func (e Engine) Workload(ctx context.Context, date string) ([]domain.CapacityWindow, error) {
	if date == "" {
		date = e.today()
	}
	agents := e.cfg().AgentPool()
	for a := range e.cfg().Capacity.AgentCeilings {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	return e.Scheduler.Workload(ctx, date, agents)
}
