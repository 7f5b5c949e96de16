package repo

import (
	"context"
	"database/sql"

	"storyline/internal/domain"
)

// InsertGateResult appends g to the story's history and returns its sequence.
func (r Repo) InsertGateResult(ctx context.Context, g domain.GateResult) (int64, error) {
	findings, err := marshalJSON(nonNil(g.Findings))
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO gate_results(story_id,gate_type,verdict,score,grade,findings_json,produced_at,produced_by) VALUES (?,?,?,?,?,?,?,?)`,
		g.StoryID, string(g.GateType), string(g.Verdict), g.Score, nullable(g.Grade), findings, g.ProducedAt, g.ProducedBy)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListGateResults(ctx context.Context, storyID string) ([]domain.GateResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,story_id,gate_type,verdict,score,grade,findings_json,produced_at,produced_by FROM gate_results WHERE story_id=? ORDER BY seq`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.GateResult{}
	for rows.Next() {
		var g domain.GateResult
		var gt, verdict, findings string
		var grade sql.NullString
		if err := rows.Scan(&g.Seq, &g.StoryID, &gt, &verdict, &g.Score, &grade, &findings, &g.ProducedAt, &g.ProducedBy); err != nil {
			return nil, err
		}
		g.GateType = domain.GateType(gt)
		g.Verdict = domain.Verdict(verdict)
		g.Grade = grade.String
		if g.Findings, err = unmarshalStrings(findings); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
