package repo

import (
	"context"
	"database/sql"
	"strings"

	"rivo/internal/domain"
)

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var tenantID, entityID, payload sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &tenantID, &e.EntityKind, &entityID, &e.ActorID, &payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if tenantID.Valid {
		e.TenantID = tenantID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

const eventCols = `id,ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json`

// EventsAfter returns events with id greater than afterID, oldest first.
// The notifier uses this as its polling cursor.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE id > ? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT max(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + eventCols + ` FROM events ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
