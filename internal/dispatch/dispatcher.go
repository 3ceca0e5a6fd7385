package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rivo/internal/config"
	"rivo/internal/domain"
	"rivo/internal/draft"
	"rivo/internal/events"
	"rivo/internal/repo"
	"rivo/internal/review"
	"rivo/internal/stage"
)

// Dispatcher executes stage invocations as asynchronous units of work with
// bounded retries and dead-letter escalation. Retries reuse the run row and
// bump its attempt counter; they never create a second run.
type Dispatcher struct {
	Repo    repo.Repo
	Events  events.Writer
	Gate    draft.Gate
	Reviews review.Ledger
	Config  *config.Config
	Queue   Queue
	Log     *slog.Logger
	Now     func() time.Time
	Sleep   func(time.Duration)
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Dispatcher) sleep(delay time.Duration) {
	if d.Sleep != nil {
		d.Sleep(delay)
		return
	}
	time.Sleep(delay)
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Dispatch submits a stage invocation for a record. Submitting while a run
// is already queued or running returns the existing run; a queued one is
// re-enqueued so a run orphaned by a restart gets a fresh delivery.
func (d Dispatcher) Dispatch(ctx context.Context, rec domain.Record, def stage.Definition) (domain.StageRun, error) {
	if existing, err := d.Repo.ActiveRun(ctx, rec.ID, string(def.Stage)); err == nil {
		d.requeue(existing)
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.StageRun{}, err
	}

	run := domain.StageRun{
		ID:         uuid.NewString(),
		RecordID:   rec.ID,
		Stage:      string(def.Stage),
		Attempt:    0,
		Status:     domain.RunQueued,
		EnqueuedAt: d.now().UTC().Format(time.RFC3339),
	}

	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageRun{}, err
	}
	defer tx.Rollback()

	if err := d.Repo.InsertRun(ctx, tx, run); err != nil {
		// The partial unique index rejects a duplicate submission that
		// raced past the read above; resolve to the winner's run.
		if existing, readErr := d.Repo.ActiveRun(ctx, rec.ID, string(def.Stage)); readErr == nil {
			d.requeue(existing)
			return existing, nil
		}
		return domain.StageRun{}, err
	}
	if err := d.Events.Append(ctx, tx, events.RunQueued, rec.TenantID, "run", run.ID, review.SystemActor, events.EventPayload{
		"record_id": rec.ID,
		"stage":     run.Stage,
	}); err != nil {
		return domain.StageRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageRun{}, err
	}

	if d.Queue != nil {
		d.Queue.Enqueue(run.ID)
	}
	return run, nil
}

func (d Dispatcher) requeue(run domain.StageRun) {
	if d.Queue != nil && run.Status == domain.RunQueued {
		d.Queue.Enqueue(run.ID)
	}
}

// Recover re-enqueues every run the ledger holds as queued. The in-memory
// queue is empty after a restart; the run rows are the source of truth.
func (d Dispatcher) Recover(ctx context.Context) (int, error) {
	if d.Queue == nil {
		return 0, nil
	}
	runs, err := d.Repo.ListRuns(ctx, repo.RunFilters{Status: domain.RunQueued})
	if err != nil {
		return 0, err
	}
	for _, run := range runs {
		d.Queue.Enqueue(run.ID)
	}
	return len(runs), nil
}

// Redispatch requeues a dead-lettered run as a fresh submission. Runs in any
// other terminal state stay where they are.
func (d Dispatcher) Redispatch(ctx context.Context, runID string) (domain.StageRun, error) {
	run, err := d.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.StageRun{}, err
	}
	if run.Status != domain.RunDeadLetter {
		return domain.StageRun{}, fmt.Errorf("run %s is %s, only dead-lettered runs can be redispatched", runID, run.Status)
	}
	rec, err := d.Repo.GetRecord(ctx, run.RecordID)
	if err != nil {
		return domain.StageRun{}, err
	}
	def, ok := stage.Lookup(run.Stage)
	if !ok {
		return domain.StageRun{}, fmt.Errorf("unknown stage %q", run.Stage)
	}
	return d.Dispatch(ctx, rec, def)
}

type runError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

func errJSON(kind string, attempt int, err error) *string {
	data, marshalErr := json.Marshal(runError{Kind: kind, Message: err.Error(), Attempt: attempt})
	if marshalErr != nil {
		s := err.Error()
		return &s
	}
	s := string(data)
	return &s
}

// Execute runs one queued stage invocation to a terminal state, applying
// the retry policy in-process. Executing a run that is already terminal is
// a no-op.
func (d Dispatcher) Execute(ctx context.Context, runID string) error {
	run, err := d.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return nil
	}

	def, ok := stage.Lookup(run.Stage)
	if !ok {
		return fmt.Errorf("run %s references unknown stage %q", runID, run.Stage)
	}

	started := d.now()
	maxAttempts := d.Config.Retry.MaxAttempts
	for attempt := run.Attempt + 1; attempt <= maxAttempts; attempt++ {
		// Cooperative cancellation between attempts.
		if ctx.Err() != nil {
			detached := context.WithoutCancel(ctx)
			rec, err := d.Repo.GetRecord(detached, run.RecordID)
			if err != nil {
				return err
			}
			return d.finishTerminal(detached, run, rec, domain.RunCancelled, events.RunCancelled,
				errJSON("cancelled", attempt-1, ctx.Err()), attempt-1, started)
		}

		if err := d.markRunning(ctx, run, attempt); err != nil {
			if errors.Is(err, repo.ErrConcurrentModification) {
				// Another worker claimed this run; a duplicate delivery
				// drops out here.
				return nil
			}
			return err
		}

		rec, err := d.Repo.GetRecord(ctx, run.RecordID)
		if err != nil {
			return err
		}

		res, gateErr := d.Gate.Run(ctx, def, rec)
		if gateErr == nil {
			return d.finishSucceeded(ctx, run, rec, def, res, attempt, started)
		}

		var pv *draft.PolicyViolationError
		if errors.As(gateErr, &pv) {
			return d.finishTerminal(ctx, run, rec, domain.RunFailed, events.RunFailed,
				errJSON("policy_violation", attempt, gateErr), attempt, started)
		}

		if errors.Is(gateErr, context.Canceled) {
			return d.finishTerminal(context.WithoutCancel(ctx), run, rec, domain.RunCancelled, events.RunCancelled,
				errJSON("cancelled", attempt, gateErr), attempt, started)
		}

		if attempt == maxAttempts {
			d.logger().Error("run exhausted retry budget",
				"run_id", run.ID, "record_id", run.RecordID, "stage", run.Stage, "attempts", attempt, "error", gateErr)
			return d.finishTerminal(ctx, run, rec, domain.RunDeadLetter, events.RunDeadLettered,
				errJSON("transient", attempt, gateErr), attempt, started)
		}

		delay := d.backoff(attempt)
		d.logger().Warn("transient stage failure, retrying",
			"run_id", run.ID, "stage", run.Stage, "attempt", attempt, "delay", delay, "error", gateErr)
		if err := d.scheduleRetry(ctx, run, rec, attempt, delay, gateErr); err != nil {
			return err
		}
		d.sleep(delay)
	}
	return nil
}

// backoff doubles the base delay per failed attempt, capped at the
// configured maximum.
func (d Dispatcher) backoff(attempt int) time.Duration {
	delay := d.Config.Retry.BaseBackoff() << (attempt - 1)
	if max := d.Config.Retry.MaxBackoff(); delay > max {
		delay = max
	}
	return delay
}

func (d Dispatcher) markRunning(ctx context.Context, run domain.StageRun, attempt int) error {
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := d.now().UTC().Format(time.RFC3339)
	if err := d.Repo.MarkRunning(ctx, tx, run.ID, attempt, now); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, events.RunStarted, "", "run", run.ID, review.SystemActor, events.EventPayload{
		"record_id": run.RecordID,
		"stage":     run.Stage,
		"attempt":   attempt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (d Dispatcher) scheduleRetry(ctx context.Context, run domain.StageRun, rec domain.Record, attempt int, delay time.Duration, cause error) error {
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.MarkQueued(ctx, tx, run.ID); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, events.RunRetryScheduled, rec.TenantID, "run", run.ID, review.SystemActor, events.EventPayload{
		"record_id": run.RecordID,
		"stage":     run.Stage,
		"attempt":   attempt,
		"delay_ms":  delay.Milliseconds(),
		"error":     cause.Error(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (d Dispatcher) finishTerminal(ctx context.Context, run domain.StageRun, rec domain.Record, status, eventType string, errPayload *string, attempt int, started time.Time) error {
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := d.now()
	if err := d.Repo.MarkFinished(ctx, tx, run.ID, status, errPayload, now.UTC().Format(time.RFC3339), now.Sub(started).Milliseconds()); err != nil {
		return err
	}
	payload := events.EventPayload{
		"record_id": run.RecordID,
		"stage":     run.Stage,
		"attempt":   attempt,
	}
	if errPayload != nil {
		payload["error"] = *errPayload
	}
	if err := d.Events.Append(ctx, tx, eventType, rec.TenantID, "run", run.ID, review.SystemActor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (d Dispatcher) finishSucceeded(ctx context.Context, run domain.StageRun, rec domain.Record, def stage.Definition, res draft.Result, attempt int, started time.Time) error {
	artifact := domain.DraftArtifact{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		RecordID:     rec.ID,
		Stage:        run.Stage,
		Content:      res.Draft.Content,
		Confidence:   res.Draft.Confidence,
		Routing:      res.Routing,
		ReviewStatus: domain.ReviewPending,
		CreatedAt:    d.now().UTC().Format(time.RFC3339),
	}
	if len(res.Draft.Fields) > 0 {
		if data, err := json.Marshal(res.Draft.Fields); err == nil {
			s := string(data)
			artifact.FieldsJSON = &s
		}
	}
	if res.FailureReason != "" {
		artifact.FailureReason = &res.FailureReason
	}

	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertArtifact(ctx, tx, artifact); err != nil {
		return err
	}
	now := d.now()
	if err := d.Repo.MarkFinished(ctx, tx, run.ID, domain.RunSucceeded, nil, now.UTC().Format(time.RFC3339), now.Sub(started).Milliseconds()); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, events.ArtifactCreated, rec.TenantID, "artifact", artifact.ID, review.SystemActor, events.EventPayload{
		"run_id":     run.ID,
		"record_id":  rec.ID,
		"stage":      run.Stage,
		"routing":    artifact.Routing,
		"confidence": artifact.Confidence,
	}); err != nil {
		return err
	}
	if artifact.Routing != domain.RoutingAutoEligible {
		if err := d.Events.Append(ctx, tx, events.ReviewPending, rec.TenantID, "artifact", artifact.ID, review.SystemActor, events.EventPayload{
			"record_id": rec.ID,
			"stage":     run.Stage,
			"routing":   artifact.Routing,
		}); err != nil {
			return err
		}
	}
	if err := d.Events.Append(ctx, tx, events.RunSucceeded, rec.TenantID, "run", run.ID, review.SystemActor, events.EventPayload{
		"record_id":   rec.ID,
		"stage":       run.Stage,
		"attempt":     attempt,
		"artifact_id": artifact.ID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if artifact.Routing == domain.RoutingAutoEligible {
		reason := fmt.Sprintf("confidence %.2f at or above stage threshold", artifact.Confidence)
		if _, err := d.Reviews.RecordDecision(ctx, artifact.ID, domain.DecisionApproved, review.SystemActor, &reason); err != nil {
			d.logger().Error("auto-approval failed", "artifact_id", artifact.ID, "run_id", run.ID, "error", err)
			return err
		}
	}
	return nil
}

// Worker consumes the queue until the context ends.
func (d Dispatcher) Worker(ctx context.Context) {
	for {
		runID, err := d.Queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if err := d.Execute(ctx, runID); err != nil {
			d.logger().Error("run execution failed", "run_id", runID, "error", err)
		}
	}
}

// Drain executes queued runs synchronously until the queue is empty. It
// starts by recovering ledger-queued runs the queue no longer carries. A
// failing run does not stop the drain; its error is joined into the result.
func (d Dispatcher) Drain(ctx context.Context) error {
	if _, err := d.Recover(ctx); err != nil {
		return err
	}
	var errs []error
	for {
		runID, ok := d.Queue.TryDequeue()
		if !ok {
			return errors.Join(errs...)
		}
		if err := d.Execute(ctx, runID); err != nil {
			d.logger().Error("run execution failed", "run_id", runID, "error", err)
			errs = append(errs, fmt.Errorf("run %s: %w", runID, err))
		}
	}
}
