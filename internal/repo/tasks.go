package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"storyline/internal/domain"
)

const taskColumns = `id,name,COALESCE(agent_id,''),allocated_hours,completed_hours,status,COALESCE(scheduled_date,''),depends_on_json,follow_ups_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status, deps, followUps string
	if err := row.Scan(&t.ID, &t.Name, &t.AgentID, &t.AllocatedHours, &t.CompletedHours, &status, &t.ScheduledDate, &deps, &followUps, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	d, err := unmarshalStrings(deps)
	if err != nil {
		return t, fmt.Errorf("task %s depends_on: %w", t.ID, err)
	}
	if len(d) > 0 {
		t.DependsOn = d
	}
	if followUps != "" && followUps != "[]" {
		if err := json.Unmarshal([]byte(followUps), &t.FollowUps); err != nil {
			return t, fmt.Errorf("task %s follow_ups: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	deps, err := marshalJSON(nonNil(t.DependsOn))
	if err != nil {
		return err
	}
	followUps := "[]"
	if len(t.FollowUps) > 0 {
		if followUps, err = marshalJSON(t.FollowUps); err != nil {
			return err
		}
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(id,name,agent_id,allocated_hours,completed_hours,status,scheduled_date,depends_on_json,follow_ups_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullable(t.AgentID), t.AllocatedHours, t.CompletedHours, string(t.Status), nullable(t.ScheduledDate), deps, followUps, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTask writes the mutable columns of t.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET agent_id=?, completed_hours=?, status=?, scheduled_date=?, updated_at=? WHERE id=?`,
		nullable(t.AgentID), t.CompletedHours, string(t.Status), nullable(t.ScheduledDate), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return domain.Task{}, notFound(err, "task", id)
	}
	return t, nil
}

func (r Repo) TaskExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

type TaskFilters struct {
	AgentID string
	Date    string
	Status  string
	IDs     []string
	Limit   int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Date != "" {
		clauses = append(clauses, "scheduled_date=?")
		args = append(args, f.Date)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			return []domain.Task{}, nil
		}
		clauses = append(clauses, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY COALESCE(scheduled_date,''), created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTask)
}

// AllocatedHours sums allocated_hours of the agent's tasks scheduled on date,
// completed tasks included.
func (r Repo) AllocatedHours(ctx context.Context, agentID, date string) (float64, error) {
	var total sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(allocated_hours) FROM tasks WHERE agent_id=? AND scheduled_date=?`, agentID, date).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// AllocatedByAgent sums allocated hours per agent for one day.
func (r Repo) AllocatedByAgent(ctx context.Context, date string) (map[string]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id, SUM(allocated_hours) FROM tasks WHERE scheduled_date=? AND agent_id IS NOT NULL GROUP BY agent_id`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var agent string
		var hours float64
		if err := rows.Scan(&agent, &hours); err != nil {
			return nil, err
		}
		out[agent] = hours
	}
	return out, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// TaskHours sums allocated and completed hours over all tasks.
func (r Repo) TaskHours(ctx context.Context) (allocated, completed float64, err error) {
	var a, c sql.NullFloat64
	err = r.DB.QueryRowContext(ctx, `SELECT SUM(allocated_hours), SUM(completed_hours) FROM tasks`).Scan(&a, &c)
	return a.Float64, c.Float64, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
