package repo

import (
	"context"
	"database/sql"
	"strings"

	"rivo/internal/domain"
)

const artifactCols = `id,run_id,record_id,stage,content,fields_json,confidence,routing,review_status,failure_reason,created_at`

func scanArtifact(scan func(dest ...any) error) (domain.DraftArtifact, error) {
	var a domain.DraftArtifact
	var fields, failure sql.NullString
	err := scan(&a.ID, &a.RunID, &a.RecordID, &a.Stage, &a.Content, &fields, &a.Confidence, &a.Routing, &a.ReviewStatus, &failure, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if fields.Valid {
		a.FieldsJSON = &fields.String
	}
	if failure.Valid {
		a.FailureReason = &failure.String
	}
	return a, nil
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.DraftArtifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO draft_artifacts(id,run_id,record_id,stage,content,fields_json,confidence,routing,review_status,failure_reason,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.RecordID, a.Stage, a.Content, nullableStringPtr(a.FieldsJSON), a.Confidence, a.Routing, a.ReviewStatus,
		nullableStringPtr(a.FailureReason), a.CreatedAt)
	return err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.DraftArtifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM draft_artifacts WHERE id=?`, id)
	return scanArtifact(row.Scan)
}

func (r Repo) GetArtifactTx(ctx context.Context, tx *sql.Tx, id string) (domain.DraftArtifact, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM draft_artifacts WHERE id=?`, id)
	return scanArtifact(row.Scan)
}

func (r Repo) UpdateArtifactReviewStatus(ctx context.Context, tx *sql.Tx, id, reviewStatus string) error {
	_, err := tx.ExecContext(ctx, `UPDATE draft_artifacts SET review_status=? WHERE id=?`, reviewStatus, id)
	return err
}

type ArtifactFilters struct {
	RecordID     string
	Stage        string
	Routing      string
	ReviewStatus string
	Limit        int
}

func (r Repo) ListArtifacts(ctx context.Context, f ArtifactFilters) ([]domain.DraftArtifact, error) {
	var clauses []string
	var args []any
	if f.RecordID != "" {
		clauses = append(clauses, "record_id=?")
		args = append(args, f.RecordID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Routing != "" {
		clauses = append(clauses, "routing=?")
		args = append(args, f.Routing)
	}
	if f.ReviewStatus != "" {
		clauses = append(clauses, "review_status=?")
		args = append(args, f.ReviewStatus)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + artifactCols + ` FROM draft_artifacts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DraftArtifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountPendingByStage counts artifacts awaiting a decision per stage.
// Routing does not matter here: a draft that failed validation still sits
// in the review queue until someone decides it.
func (r Repo) CountPendingByStage(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, count(*) FROM draft_artifacts WHERE review_status='pending' GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		res[stage] = count
	}
	return res, rows.Err()
}

func scanDecision(scan func(dest ...any) error) (domain.ReviewDecision, error) {
	var d domain.ReviewDecision
	var reason sql.NullString
	err := scan(&d.ID, &d.ArtifactID, &d.Decision, &d.Actor, &reason, &d.DecidedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if reason.Valid {
		d.Reason = &reason.String
	}
	return d, nil
}

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.ReviewDecision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_decisions(id,artifact_id,decision,actor,reason,decided_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.ArtifactID, d.Decision, d.Actor, nullableStringPtr(d.Reason), d.DecidedAt)
	return err
}

func (r Repo) GetDecisionByArtifact(ctx context.Context, artifactID string) (domain.ReviewDecision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,artifact_id,decision,actor,reason,decided_at FROM review_decisions WHERE artifact_id=?`, artifactID)
	return scanDecision(row.Scan)
}

func (r Repo) GetDecisionByArtifactTx(ctx context.Context, tx *sql.Tx, artifactID string) (domain.ReviewDecision, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,artifact_id,decision,actor,reason,decided_at FROM review_decisions WHERE artifact_id=?`, artifactID)
	return scanDecision(row.Scan)
}
