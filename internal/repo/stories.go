package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"storyline/internal/domain"
)

const storyColumns = `id,project_id,title,COALESCE(description,''),criteria_json,evidence_json,state,created_at,state_entered_at`

func scanStory(row rowScanner) (domain.Story, error) {
	var s domain.Story
	var state, criteria, evidence string
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Title, &s.Description, &criteria, &evidence, &state, &s.CreatedAt, &s.StateEnteredAt); err != nil {
		return s, err
	}
	s.State = domain.StoryState(state)
	c, err := unmarshalStrings(criteria)
	if err != nil {
		return s, fmt.Errorf("story %s criteria: %w", s.ID, err)
	}
	s.AcceptanceCriteria = c
	if evidence != "" {
		if err := json.Unmarshal([]byte(evidence), &s.Evidence); err != nil {
			return s, fmt.Errorf("story %s evidence: %w", s.ID, err)
		}
	}
	return s, nil
}

func (r Repo) InsertStory(ctx context.Context, s domain.Story) error {
	criteria, err := marshalJSON(nonNil(s.AcceptanceCriteria))
	if err != nil {
		return err
	}
	evidence, err := marshalJSON(s.Evidence)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO stories(id,project_id,title,description,criteria_json,evidence_json,state,created_at,state_entered_at,seq)
VALUES (?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM stories))`,
		s.ID, s.ProjectID, s.Title, nullable(s.Description), criteria, evidence, string(s.State), s.CreatedAt, s.StateEnteredAt)
	return err
}

// GetStory loads a story with its task list and gate history.
func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	s, err := scanStory(r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id))
	if err != nil {
		return domain.Story{}, notFound(err, "story", id)
	}
	if s.TaskIDs, err = r.StoryTaskIDs(ctx, id); err != nil {
		return domain.Story{}, err
	}
	if s.GateHistory, err = r.ListGateResults(ctx, id); err != nil {
		return domain.Story{}, err
	}
	return s, nil
}

func (r Repo) StoryExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM stories WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

type StoryFilters struct {
	ProjectID string
	State     string
}

// ListStories returns fully loaded stories in creation order.
func (r Repo) ListStories(ctx context.Context, f StoryFilters) ([]domain.Story, error) {
	query := `SELECT ` + storyColumns + ` FROM stories WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, f.State)
	}
	query += ` ORDER BY seq`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	stories, err := collect(rows, scanStory)
	if err != nil {
		return nil, err
	}
	for i := range stories {
		if stories[i].TaskIDs, err = r.StoryTaskIDs(ctx, stories[i].ID); err != nil {
			return nil, err
		}
		if stories[i].GateHistory, err = r.ListGateResults(ctx, stories[i].ID); err != nil {
			return nil, err
		}
	}
	return stories, nil
}

func (r Repo) UpdateStoryState(ctx context.Context, id string, state domain.StoryState, enteredAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE stories SET state=?, state_entered_at=? WHERE id=?`, string(state), enteredAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) UpdateStoryEvidence(ctx context.Context, id string, ev domain.StoryEvidence) error {
	data, err := marshalJSON(ev)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE stories SET evidence_json=? WHERE id=?`, data, id)
	return err
}

func (r Repo) StoryTaskIDs(ctx context.Context, storyID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id FROM story_tasks WHERE story_id=? ORDER BY position`, storyID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// AttachTask appends taskID to the end of the story's task list. Attaching
// an already listed task is a no-op.
func (r Repo) AttachTask(ctx context.Context, storyID, taskID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO story_tasks(story_id,task_id,position)
VALUES (?,?,(SELECT COALESCE(MAX(position),0)+1 FROM story_tasks WHERE story_id=?))
ON CONFLICT(story_id,task_id) DO NOTHING`, storyID, taskID, storyID)
	return err
}

// StoriesForTask lists stories whose task list contains taskID.
func (r Repo) StoriesForTask(ctx context.Context, taskID string) ([]domain.Story, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT story_id FROM story_tasks WHERE task_id=? ORDER BY story_id`, taskID)
	if err != nil {
		return nil, err
	}
	ids, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Story, 0, len(ids))
	for _, id := range ids {
		s, err := scanStory(r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id))
		if err != nil {
			return nil, notFound(err, "story", id)
		}
		out = append(out, s)
	}
	return out, nil
}

// DetachTask removes taskID from every story task list.
func (r Repo) DetachTask(ctx context.Context, taskID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM story_tasks WHERE task_id=?`, taskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
