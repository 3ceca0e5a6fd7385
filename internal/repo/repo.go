package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"rivo/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when an optimistic status update
	// loses the race; the caller re-reads and retries the decision application.
	ErrConcurrentModification = errors.New("concurrent modification")
)

func (r Repo) InsertRecord(ctx context.Context, rec domain.Record) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO records(id,kind,status,tenant_id,version,payload_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Kind, rec.Status, rec.TenantID, rec.Version, nullable(rec.PayloadJSON), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func scanRecord(scan func(dest ...any) error) (domain.Record, error) {
	var rec domain.Record
	var payload sql.NullString
	err := scan(&rec.ID, &rec.Kind, &rec.Status, &rec.TenantID, &rec.Version, &payload, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if payload.Valid {
		rec.PayloadJSON = payload.String
	}
	return rec, nil
}

const recordCols = `id,kind,status,tenant_id,version,payload_json,created_at,updated_at`

func (r Repo) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recordCols+` FROM records WHERE id=?`, id)
	return scanRecord(row.Scan)
}

func (r Repo) GetRecordTx(ctx context.Context, tx *sql.Tx, id string) (domain.Record, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordCols+` FROM records WHERE id=?`, id)
	return scanRecord(row.Scan)
}

type RecordFilters struct {
	Kind     string
	Status   string
	TenantID string
	Limit    int
}

func (r Repo) ListRecords(ctx context.Context, f RecordFilters) ([]domain.Record, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + recordCols + ` FROM records ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpdateRecordStatus applies an optimistic status write. A losing writer
// (version mismatch or vanished row) gets ErrConcurrentModification.
func (r Repo) UpdateRecordStatus(ctx context.Context, tx *sql.Tx, id string, expectedVersion int, newStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE records SET status=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		newStatus, updatedAt, id, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("record %s at version %d: %w", id, expectedVersion, ErrConcurrentModification)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
