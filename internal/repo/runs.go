package repo

import (
	"context"
	"database/sql"
	"strings"

	"rivo/internal/domain"
)

const runCols = `id,record_id,stage,attempt,status,error_json,enqueued_at,started_at,finished_at,duration_ms`

func scanRun(scan func(dest ...any) error) (domain.StageRun, error) {
	var run domain.StageRun
	var errJSON, startedAt, finishedAt sql.NullString
	var durationMS sql.NullInt64
	err := scan(&run.ID, &run.RecordID, &run.Stage, &run.Attempt, &run.Status, &errJSON, &run.EnqueuedAt, &startedAt, &finishedAt, &durationMS)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if errJSON.Valid {
		run.ErrorJSON = &errJSON.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	if durationMS.Valid {
		run.DurationMS = &durationMS.Int64
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.StageRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_runs(id,record_id,stage,attempt,status,error_json,enqueued_at,started_at,finished_at,duration_ms) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.RecordID, run.Stage, run.Attempt, run.Status, nullableStringPtr(run.ErrorJSON), run.EnqueuedAt,
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.FinishedAt), run.DurationMS)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.StageRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM stage_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// ActiveRun returns the queued or running run for a (record, stage) pair.
func (r Repo) ActiveRun(ctx context.Context, recordID, stage string) (domain.StageRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM stage_runs WHERE record_id=? AND stage=? AND status IN ('queued','running')`, recordID, stage)
	return scanRun(row.Scan)
}

// MarkRunning claims a run for its next attempt. Only a queued run can be
// claimed; delivery is at-least-once and a duplicate must lose the claim.
func (r Repo) MarkRunning(ctx context.Context, tx *sql.Tx, id string, attempt int, startedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stage_runs SET status='running', attempt=?, started_at=? WHERE id=? AND status='queued'`, attempt, startedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// MarkQueued parks a run between retry attempts.
func (r Repo) MarkQueued(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stage_runs SET status='queued' WHERE id=?`, id)
	return err
}

// MarkFinished records a terminal outcome for a run.
func (r Repo) MarkFinished(ctx context.Context, tx *sql.Tx, id, status string, errJSON *string, finishedAt string, durationMS int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE stage_runs SET status=?, error_json=?, finished_at=?, duration_ms=? WHERE id=?`,
		status, nullableStringPtr(errJSON), finishedAt, durationMS, id)
	return err
}

type RunFilters struct {
	RecordID string
	Stage    string
	Status   string
	Limit    int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.StageRun, error) {
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
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runCols + ` FROM stage_runs ` + where + ` ORDER BY enqueued_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// CountRunsByStage aggregates runs with the given status per stage.
func (r Repo) CountRunsByStage(ctx context.Context, status string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, count(*) FROM stage_runs WHERE status=? GROUP BY stage`, status)
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

// StaleRunning lists runs that have been running since before the cutoff.
// A run stuck past the staleness threshold is a detectable failure class;
// it is reported, never silently re-executed.
func (r Repo) StaleRunning(ctx context.Context, cutoff string) ([]domain.StageRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runCols+` FROM stage_runs WHERE status='running' AND started_at < ? ORDER BY started_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
