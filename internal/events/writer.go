package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the core. Every run-lifecycle boundary and every
// decision lands here so that no failure disappears without a ledger entry.
const (
	RunQueued         = "run.queued"
	RunStarted        = "run.started"
	RunSucceeded      = "run.succeeded"
	RunFailed         = "run.failed"
	RunRetryScheduled = "run.retry_scheduled"
	RunDeadLettered   = "run.dead_lettered"
	RunCancelled      = "run.cancelled"

	ArtifactCreated    = "artifact.created"
	ReviewPending      = "review.pending"
	ReviewDecided      = "review.decided"
	RecordCreated      = "record.created"
	RecordTransitioned = "record.transitioned"
	IllegalTransition  = "record.illegal_transition"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(tenantID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
