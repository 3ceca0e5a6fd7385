package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rivo/internal/domain"
	"rivo/internal/events"
	"rivo/internal/repo"
	"rivo/internal/stage"
)

// SystemActor attributes auto-approvals. Auto-approval never bypasses the
// ledger: it records a decision here like any human reviewer would.
const SystemActor = "system"

var (
	// ErrDecisionConflict is returned when an artifact already carries a
	// different governing decision.
	ErrDecisionConflict = errors.New("artifact already decided differently")

	// ErrNotPending is returned when deciding an artifact whose routing
	// never admitted a decision in the first place.
	ErrNotPending = errors.New("artifact is not awaiting a decision")
)

// decisionNamespace seeds deterministic decision ids so a redelivered
// decision maps onto the same row instead of a duplicate.
var decisionNamespace = uuid.MustParse("5b7c6cc2-51c7-4f4b-9a0c-2e8f15d4a7e1")

func decisionID(artifactID, decision string) string {
	return uuid.NewSHA1(decisionNamespace, []byte(artifactID+"/"+decision)).String()
}

// Ledger is the single entry point for review decisions and the record
// status transitions they trigger.
type Ledger struct {
	Repo   repo.Repo
	Events events.Writer
	Log    *slog.Logger
	Now    func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

// RecordDecision writes the governing decision for an artifact and applies
// the resulting record status transition. Redelivering the same decision is
// a no-op returning the existing row; a conflicting decision fails.
func (l Ledger) RecordDecision(ctx context.Context, artifactID, decision, actor string, reason *string) (domain.ReviewDecision, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return domain.ReviewDecision{}, fmt.Errorf("unknown decision %q", decision)
	}

	artifact, err := l.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return domain.ReviewDecision{}, err
	}

	existing, err := l.Repo.GetDecisionByArtifact(ctx, artifactID)
	if err == nil {
		if existing.Decision == decision {
			// A crash between the decision commit and the transition
			// commit leaves the record behind; redelivery finishes it.
			if err := l.ensureTransition(ctx, artifact, existing.Decision, existing.Actor); err != nil {
				return existing, err
			}
			return existing, nil
		}
		return domain.ReviewDecision{}, fmt.Errorf("%w: have %q, got %q", ErrDecisionConflict, existing.Decision, decision)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ReviewDecision{}, err
	}
	if artifact.ReviewStatus != domain.ReviewPending {
		return domain.ReviewDecision{}, fmt.Errorf("%w: review status is %q", ErrNotPending, artifact.ReviewStatus)
	}

	rec, err := l.Repo.GetRecord(ctx, artifact.RecordID)
	if err != nil {
		return domain.ReviewDecision{}, err
	}

	d := domain.ReviewDecision{
		ID:         decisionID(artifactID, decision),
		ArtifactID: artifactID,
		Decision:   decision,
		Actor:      actor,
		Reason:     reason,
		DecidedAt:  l.now().UTC().Format(time.RFC3339),
	}

	reviewStatus := domain.ReviewApproved
	if decision == domain.DecisionRejected {
		reviewStatus = domain.ReviewRejected
	}

	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewDecision{}, err
	}
	defer tx.Rollback()

	if err := l.Repo.InsertDecision(ctx, tx, d); err != nil {
		return domain.ReviewDecision{}, err
	}
	if err := l.Repo.UpdateArtifactReviewStatus(ctx, tx, artifactID, reviewStatus); err != nil {
		return domain.ReviewDecision{}, err
	}
	if err := l.Events.Append(ctx, tx, events.ReviewDecided, rec.TenantID, "artifact", artifactID, actor, events.EventPayload{
		"decision":  decision,
		"record_id": artifact.RecordID,
		"stage":     artifact.Stage,
	}); err != nil {
		return domain.ReviewDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewDecision{}, err
	}

	if err := l.applyTransition(ctx, artifact, decision, actor); err != nil {
		return d, err
	}
	return d, nil
}

// ensureTransition re-applies a decided artifact's transition when the
// record still sits at the stage entry status. A record that already moved,
// or moved elsewhere, is left alone.
func (l Ledger) ensureTransition(ctx context.Context, artifact domain.DraftArtifact, decision, actor string) error {
	def, ok := stage.Lookup(artifact.Stage)
	if !ok {
		return fmt.Errorf("unknown stage %q", artifact.Stage)
	}
	rec, err := l.Repo.GetRecord(ctx, artifact.RecordID)
	if err != nil {
		return err
	}
	if rec.Status != def.Precondition {
		return nil
	}
	return l.applyTransition(ctx, artifact, decision, actor)
}

// applyTransition moves the record to the decision's target status. A lost
// optimistic write re-reads and retries only this step.
func (l Ledger) applyTransition(ctx context.Context, artifact domain.DraftArtifact, decision, actor string) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := l.tryTransition(ctx, artifact, decision, actor)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repo.ErrConcurrentModification) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (l Ledger) tryTransition(ctx context.Context, artifact domain.DraftArtifact, decision, actor string) error {
	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := l.Repo.GetRecordTx(ctx, tx, artifact.RecordID)
	if err != nil {
		return err
	}

	newStatus, err := stage.TransitionOnApproval(rec, stage.Stage(artifact.Stage), decision)
	if errors.Is(err, stage.ErrIllegalTransition) {
		l.logger().Error("illegal status transition",
			"record_id", rec.ID,
			"stage", artifact.Stage,
			"status", rec.Status,
			"decision", decision,
		)
		appendErr := l.Events.Append(ctx, tx, events.IllegalTransition, rec.TenantID, "record", rec.ID, actor, events.EventPayload{
			"stage":    artifact.Stage,
			"status":   rec.Status,
			"decision": decision,
		})
		if appendErr != nil {
			return appendErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return commitErr
		}
		return err
	}
	if err != nil {
		return err
	}

	now := l.now().UTC().Format(time.RFC3339)
	if err := l.Repo.UpdateRecordStatus(ctx, tx, rec.ID, rec.Version, newStatus, now); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, events.RecordTransitioned, rec.TenantID, "record", rec.ID, actor, events.EventPayload{
		"stage": artifact.Stage,
		"from":  rec.Status,
		"to":    newStatus,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
