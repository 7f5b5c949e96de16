package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"storyline/internal/domain"
)

const projectColumns = `id,name,workflow_type,state,started_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var wf, state string
	if err := row.Scan(&p.ID, &p.Name, &wf, &state, &p.StartedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.WorkflowType = domain.WorkflowType(wf)
	p.State = domain.ProjectState(state)
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,workflow_type,state,started_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, string(p.WorkflowType), string(p.State), p.StartedAt, p.UpdatedAt)
	return err
}

// GetProject loads a project with its story ids and artifacts.
func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return domain.Project{}, notFound(err, "project", id)
	}
	if err := r.loadProjectRefs(ctx, &p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (r Repo) loadProjectRefs(ctx context.Context, p *domain.Project) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM stories WHERE project_id=? ORDER BY seq`, p.ID)
	if err != nil {
		return err
	}
	if p.StoryIDs, err = scanStrings(rows); err != nil {
		return err
	}
	p.Artifacts, err = r.ListArtifacts(ctx, p.ID)
	return err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY started_at, id`)
	if err != nil {
		return nil, err
	}
	res, err := collect(rows, scanProject)
	if err != nil {
		return nil, err
	}
	for i := range res {
		if err := r.loadProjectRefs(ctx, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) ProjectExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) UpdateProjectState(ctx context.Context, id string, state domain.ProjectState, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET state=?, updated_at=? WHERE id=?`, string(state), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertArtifact stores the collaborator output for a project state. A
// project re-entering a state cannot happen, so a conflict only occurs on
// explicit re-recording.
func (r Repo) UpsertArtifact(ctx context.Context, a domain.ProjectArtifact) error {
	data, err := json.Marshal(a.Data)
	if err != nil {
		return err
	}
	if a.Data == nil {
		data = []byte("{}")
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_artifacts(project_id,state,action,agent_id,data_json,produced_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id,state) DO UPDATE SET action=excluded.action, agent_id=excluded.agent_id, data_json=excluded.data_json, produced_at=excluded.produced_at`,
		a.ProjectID, string(a.State), a.Action, a.AgentID, string(data), a.ProducedAt)
	return err
}

func (r Repo) ListArtifacts(ctx context.Context, projectID string) ([]domain.ProjectArtifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,state,action,agent_id,data_json,produced_at FROM project_artifacts WHERE project_id=? ORDER BY produced_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectArtifact
	for rows.Next() {
		var a domain.ProjectArtifact
		var state, data string
		if err := rows.Scan(&a.ProjectID, &state, &a.Action, &a.AgentID, &data, &a.ProducedAt); err != nil {
			return nil, err
		}
		a.State = domain.ProjectState(state)
		if err := json.Unmarshal([]byte(data), &a.Data); err != nil {
			return nil, fmt.Errorf("artifact %s/%s: %w", a.ProjectID, state, err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
