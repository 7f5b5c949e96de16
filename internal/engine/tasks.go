package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	Name           string
	AllocatedHours float64
	AgentID        string
	ScheduledDate  string
	DependsOn      []string
	// FollowUps are created when the task completes.
	FollowUps []domain.FollowUp
}

const defaultFollowUpHours = 2.0

func validHours(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if !validHours(opts.AllocatedHours) || opts.AllocatedHours <= 0 {
		return domain.Task{}, fmt.Errorf("%w: %v", domain.ErrInvalidAllocation, opts.AllocatedHours)
	}
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Task{}, domain.Invalid("task name is required")
	}
	if opts.ScheduledDate != "" {
		if _, err := domain.ParseDate(opts.ScheduledDate); err != nil {
			return domain.Task{}, err
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	defer e.lock("task", opts.ID)()

	var task domain.Task
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var err error
		task, err = e.insertTask(ctx, r, tx, opts)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task created", "task_id", task.ID, "agent_id", task.AgentID, "hours", task.AllocatedHours)
	return task, nil
}

// insertTask validates uniqueness and writes a new pending task inside tx.
func (e Engine) insertTask(ctx context.Context, r repo.Repo, tx *sql.Tx, opts TaskCreateOptions) (domain.Task, error) {
	exists, err := r.TaskExists(ctx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if exists {
		return domain.Task{}, fmt.Errorf("task %s: %w", opts.ID, domain.ErrDuplicateID)
	}
	followUps, err := normalizeFollowUps(opts.Name, opts.FollowUps)
	if err != nil {
		return domain.Task{}, err
	}
	now := domain.FormatTime(e.now())
	task := domain.Task{
		ID:             opts.ID,
		Name:           opts.Name,
		AgentID:        opts.AgentID,
		AllocatedHours: opts.AllocatedHours,
		Status:         domain.TaskPending,
		ScheduledDate:  opts.ScheduledDate,
		DependsOn:      opts.DependsOn,
		FollowUps:      followUps,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.InsertTask(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	payload := events.EventPayload{
		"name":            task.Name,
		"agent_id":        task.AgentID,
		"allocated_hours": task.AllocatedHours,
		"scheduled_date":  task.ScheduledDate,
	}
	if len(task.FollowUps) > 0 {
		payload["follow_ups"] = len(task.FollowUps)
	}
	if err := e.event(ctx, tx, "task.created", "", "task", task.ID, payload); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// normalizeFollowUps fills in the default name and hours of each follow-up.
func normalizeFollowUps(parent string, in []domain.FollowUp) ([]domain.FollowUp, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]domain.FollowUp, 0, len(in))
	for i, f := range in {
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "" {
			f.Name = "Follow-up for " + parent
		}
		if f.Hours == 0 {
			f.Hours = defaultFollowUpHours
		}
		if !validHours(f.Hours) || f.Hours < 0 {
			return nil, fmt.Errorf("follow-up %d: %w: %v", i+1, domain.ErrInvalidAllocation, f.Hours)
		}
		out = append(out, f)
	}
	return out, nil
}

// spawnFollowUps creates the follow-ups of a task that just completed. Each
// depends on the parent and lands on the first day after today with room
// for it; one that fits nowhere within the horizon is created unscheduled.
// Follow-ups that already exist are skipped, so completing a reopened task
// again adds nothing.
func (e Engine) spawnFollowUps(ctx context.Context, r repo.Repo, tx *sql.Tx, parent domain.Task) ([]string, error) {
	if len(parent.FollowUps) == 0 {
		return nil, nil
	}
	sched := e.Scheduler.WithStore(r)
	earliest := e.now().AddDate(0, 0, 1)
	var created []string
	for i, f := range parent.FollowUps {
		opts := TaskCreateOptions{
			ID:             fmt.Sprintf("%s-followup-%d", parent.ID, i+1),
			Name:           f.Name,
			AllocatedHours: f.Hours,
			AgentID:        f.AgentID,
			DependsOn:      []string{parent.ID},
		}
		exists, err := r.TaskExists(ctx, opts.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		if opts.AgentID == "" {
			opts.AgentID = parent.AgentID
		}
		if opts.AgentID != "" {
			opts.ScheduledDate, err = sched.SuggestSchedule(ctx, opts.AgentID, opts.AllocatedHours, earliest)
		} else if pool := e.cfg().AgentPool(); len(pool) > 0 {
			opts.AgentID, opts.ScheduledDate, err = sched.PickAgent(ctx, pool, opts.AllocatedHours, earliest)
		}
		switch {
		case errors.Is(err, domain.ErrNoCapacityWithinHorizon):
			e.log().Warn("follow-up left unscheduled", "task_id", opts.ID, "agent_id", opts.AgentID, "hours", opts.AllocatedHours)
		case err != nil:
			return nil, fmt.Errorf("schedule follow-up %s: %w", opts.ID, err)
		}
		if _, err := e.insertTask(ctx, r, tx, opts); err != nil {
			return nil, err
		}
		created = append(created, opts.ID)
	}
	return created, nil
}

// UpdateProgress adds delta hours to a task, clamping at its allocation. A
// task flips to completed exactly when it reaches the allocation, creating
// its follow-ups in the same transaction; a pending task otherwise becomes
// in_progress. Progress on a completed task is a no-op.
func (e Engine) UpdateProgress(ctx context.Context, taskID string, delta float64) (domain.Task, error) {
	if !validHours(delta) || delta < 0 {
		return domain.Task{}, fmt.Errorf("%w: delta %v must be a non-negative number", domain.ErrInvalidDelta, delta)
	}
	defer e.lock("task", taskID)()

	var task domain.Task
	var spawned []string
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var err error
		task, err = r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status == domain.TaskCompleted {
			return nil
		}
		before := task.CompletedHours
		task.CompletedHours = math.Min(task.CompletedHours+delta, task.AllocatedHours)
		switch {
		case task.CompletedHours >= task.AllocatedHours:
			task.Status = domain.TaskCompleted
		case task.Status == domain.TaskPending:
			task.Status = domain.TaskInProgress
		}
		task.UpdatedAt = domain.FormatTime(e.now())
		if err := r.UpdateTask(ctx, task); err != nil {
			return err
		}
		if err := e.event(ctx, tx, "task.progress", "", "task", task.ID, events.EventPayload{
			"delta":           delta,
			"applied":         task.CompletedHours - before,
			"completed_hours": task.CompletedHours,
			"status":          string(task.Status),
		}); err != nil {
			return err
		}
		if task.Status != domain.TaskCompleted {
			return nil
		}
		spawned, err = e.spawnFollowUps(ctx, r, tx, task)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	if len(spawned) > 0 {
		e.log().Info("follow-ups created", "task_id", task.ID, "follow_ups", spawned)
	}
	return task, nil
}

// CorrectProgress sets completed hours to an absolute value, the only way
// to lower them.
func (e Engine) CorrectProgress(ctx context.Context, taskID string, completedHours float64) (domain.Task, error) {
	if !validHours(completedHours) || completedHours < 0 {
		return domain.Task{}, fmt.Errorf("%w: %v", domain.ErrInvalidDelta, completedHours)
	}
	defer e.lock("task", taskID)()

	var task domain.Task
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var err error
		task, err = r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if completedHours > task.AllocatedHours {
			return fmt.Errorf("%w: %v exceeds allocation %v", domain.ErrInvalidDelta, completedHours, task.AllocatedHours)
		}
		before, prevStatus := task.CompletedHours, task.Status
		task.CompletedHours = completedHours
		switch {
		case completedHours >= task.AllocatedHours:
			task.Status = domain.TaskCompleted
		case prevStatus == domain.TaskBlocked:
		case completedHours == 0:
			task.Status = domain.TaskPending
		default:
			task.Status = domain.TaskInProgress
		}
		task.UpdatedAt = domain.FormatTime(e.now())
		if err := r.UpdateTask(ctx, task); err != nil {
			return err
		}
		if err := e.event(ctx, tx, "task.progress.corrected", "", "task", task.ID, events.EventPayload{
			"from_hours": before,
			"to_hours":   completedHours,
			"from":       string(prevStatus),
			"status":     string(task.Status),
		}); err != nil {
			return err
		}
		if task.Status != domain.TaskCompleted || prevStatus == domain.TaskCompleted {
			return nil
		}
		_, err = e.spawnFollowUps(ctx, r, tx, task)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// SetStatus moves a task between pending, in_progress and blocked. Completion
// is reached through progress only.
func (e Engine) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) (domain.Task, error) {
	if !status.Valid() {
		return domain.Task{}, domain.Invalid("unknown task status %q", status)
	}
	defer e.lock("task", taskID)()

	var task domain.Task
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var err error
		task, err = r.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if status == domain.TaskCompleted {
			if task.CompletedHours < task.AllocatedHours {
				return fmt.Errorf("task %s has %.2f of %.2f hours: %w", task.ID, task.CompletedHours, task.AllocatedHours, domain.ErrIncompleteHours)
			}
			return nil
		}
		if task.Status == domain.TaskCompleted {
			return &domain.TransitionError{Entity: "task", ID: task.ID, From: string(task.Status), To: string(status), Reason: "use correct_progress to reopen a completed task"}
		}
		if task.Status == status {
			return nil
		}
		from := task.Status
		task.Status = status
		task.UpdatedAt = domain.FormatTime(e.now())
		if err := r.UpdateTask(ctx, task); err != nil {
			return err
		}
		return e.event(ctx, tx, "task.status", "", "task", task.ID, events.EventPayload{"from": string(from), "to": string(status)})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// DeleteTask removes a task. A task listed by an uncompleted story is only
// removed with force; either way it is detached from every story list and
// gate history is left untouched.
func (e Engine) DeleteTask(ctx context.Context, taskID string, force bool) error {
	defer e.lock("task", taskID)()
	return e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if _, err := r.GetTask(ctx, taskID); err != nil {
			return err
		}
		stories, err := r.StoriesForTask(ctx, taskID)
		if err != nil {
			return err
		}
		var active, all []string
		for _, s := range stories {
			all = append(all, s.ID)
			if s.State != domain.StoryCompleted {
				active = append(active, s.ID)
			}
		}
		if len(active) > 0 && !force {
			return fmt.Errorf("task %s listed by %s: %w", taskID, strings.Join(active, ", "), domain.ErrReferencedByActiveStory)
		}
		if _, err := r.DetachTask(ctx, taskID); err != nil {
			return err
		}
		if err := r.DeleteTask(ctx, taskID); err != nil {
			return err
		}
		return e.event(ctx, tx, "task.deleted", "", "task", taskID, events.EventPayload{"force": force, "detached_from": all})
	})
}

// AttachTask appends an existing task to a story's task list.
func (e Engine) AttachTask(ctx context.Context, storyID, taskID string) (domain.Story, error) {
	defer e.lock("story", storyID)()
	var projectID string
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		s, err := r.GetStory(ctx, storyID)
		if err != nil {
			return err
		}
		if s.State == domain.StoryCompleted {
			return domain.Invalid("story %s is completed", storyID)
		}
		if _, err := r.GetTask(ctx, taskID); err != nil {
			return err
		}
		if s.HasTask(taskID) {
			return nil
		}
		projectID = s.ProjectID
		if err := r.AttachTask(ctx, storyID, taskID); err != nil {
			return err
		}
		return e.event(ctx, tx, "story.task.attached", projectID, "story", storyID, events.EventPayload{"task_id": taskID})
	})
	if err != nil {
		return domain.Story{}, err
	}
	return e.Repo.GetStory(ctx, storyID)
}

func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, taskID)
}

func (e Engine) ListTasksByAgent(ctx context.Context, agentID string) ([]domain.Task, error) {
	if agentID == "" {
		return nil, domain.Invalid("agent is required")
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{AgentID: agentID})
}

func (e Engine) ListTasksByDate(ctx context.Context, date string) ([]domain.Task, error) {
	if _, err := domain.ParseDate(date); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{Date: date})
}

// ListTasks is the general filtered query behind the CLI and HTTP listings.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Date != "" {
		if _, err := domain.ParseDate(f.Date); err != nil {
			return nil, err
		}
	}
	if f.Status != "" && !domain.TaskStatus(f.Status).Valid() {
		return nil, domain.Invalid("unknown task status %q", f.Status)
	}
	return e.Repo.ListTasks(ctx, f)
}
