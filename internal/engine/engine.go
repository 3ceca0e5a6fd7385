package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rivo/internal/config"
	"rivo/internal/dispatch"
	"rivo/internal/domain"
	"rivo/internal/draft"
	"rivo/internal/events"
	"rivo/internal/repo"
	"rivo/internal/review"
	"rivo/internal/stage"
)

// Engine wires the pipeline together: record store, run dispatcher, review
// ledger and event log over one database handle.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Dispatcher dispatch.Dispatcher
	Reviews    review.Ledger
	Config     *config.Config
	Log        *slog.Logger
	Now        func() time.Time
}

// New builds an Engine over an open database.
func New(conn *sql.DB, cfg *config.Config, client draft.Client, log *slog.Logger) Engine {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, Now: now}
	ledger := review.Ledger{Repo: r, Events: w, Log: log, Now: now}
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: w,
		Dispatcher: dispatch.Dispatcher{
			Repo:    r,
			Events:  w,
			Gate:    draft.Gate{Client: client, Config: cfg},
			Reviews: ledger,
			Config:  cfg,
			Queue:   dispatch.NewMemoryQueue(),
			Log:     log,
			Now:     now,
		},
		Reviews: ledger,
		Config:  cfg,
		Log:     log,
		Now:     now,
	}
}

// DraftClient builds the drafting client for a config: HTTP when an
// endpoint is set, the offline static client otherwise.
func DraftClient(cfg *config.Config) draft.Client {
	if cfg.Draft.Endpoint != "" {
		return draft.HTTPClient{Endpoint: cfg.Draft.Endpoint, Model: cfg.Draft.Model}
	}
	return draft.NewStaticClient()
}

// AddRecord creates a record. An empty status defaults to the entry
// precondition of the stage that processes the kind.
func (e Engine) AddRecord(ctx context.Context, kind, status, tenantID, payloadJSON string) (domain.Record, error) {
	def, ok := stage.ForKind(kind)
	if !ok {
		return domain.Record{}, fmt.Errorf("unknown record kind %q", kind)
	}
	if status == "" {
		status = def.Precondition
	}
	if tenantID == "" {
		tenantID = e.Config.Pipeline.DefaultTenant
	}
	now := e.Now().UTC().Format(time.RFC3339)
	rec := domain.Record{
		ID:          uuid.NewString(),
		Kind:        kind,
		Status:      status,
		TenantID:    tenantID,
		Version:     1,
		PayloadJSON: payloadJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertRecord(ctx, rec); err != nil {
		return domain.Record{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.RecordCreated, tenantID, "record", rec.ID, review.SystemActor, events.EventPayload{
		"kind":   kind,
		"status": status,
	}); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

// StageSummary reports one orchestration sweep over a stage.
type StageSummary struct {
	Stage      string   `json:"stage"`
	Eligible   int      `json:"eligible"`
	Dispatched int      `json:"dispatched"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors,omitempty"`
}

// RunStage dispatches every eligible record through one stage and drains
// the queue synchronously. An empty tenant sweeps all tenants. Records with
// a live run are skipped; a failing record is reported and does not abort
// the sweep.
func (e Engine) RunStage(ctx context.Context, stageName, tenant string) (StageSummary, error) {
	def, ok := stage.Lookup(stageName)
	if !ok {
		return StageSummary{}, fmt.Errorf("unknown stage %q", stageName)
	}
	summary := StageSummary{Stage: stageName}

	records, err := e.Repo.ListRecords(ctx, repo.RecordFilters{Kind: def.Kind, Status: def.Precondition, TenantID: tenant})
	if err != nil {
		return summary, err
	}
	summary.Eligible = len(records)

	for _, rec := range records {
		if _, err := e.Repo.ActiveRun(ctx, rec.ID, stageName); err == nil {
			summary.Skipped++
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return summary, err
		}
		if _, err := e.Dispatcher.Dispatch(ctx, rec, def); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			continue
		}
		summary.Dispatched++
	}

	if err := e.Dispatcher.Drain(ctx); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}
	return summary, nil
}

// RunAll sweeps every stage in pipeline order. An empty tenant sweeps all
// tenants.
func (e Engine) RunAll(ctx context.Context, tenant string) ([]StageSummary, error) {
	var summaries []StageSummary
	for _, s := range stage.Order() {
		summary, err := e.RunStage(ctx, string(s), tenant)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Health is the diagnostics snapshot: everything an operator needs to see
// that no work was silently dropped.
type Health struct {
	PendingReviews map[string]int    `json:"pending_reviews"`
	DeadLettered   map[string]int    `json:"dead_lettered"`
	Queued         map[string]int    `json:"queued"`
	Running        map[string]int    `json:"running"`
	StaleRuns      []domain.StageRun `json:"stale_runs,omitempty"`
}

func (e Engine) Health(ctx context.Context) (Health, error) {
	h := Health{}
	var err error
	if h.PendingReviews, err = e.Repo.CountPendingByStage(ctx); err != nil {
		return h, err
	}
	if h.DeadLettered, err = e.Repo.CountRunsByStage(ctx, domain.RunDeadLetter); err != nil {
		return h, err
	}
	if h.Queued, err = e.Repo.CountRunsByStage(ctx, domain.RunQueued); err != nil {
		return h, err
	}
	if h.Running, err = e.Repo.CountRunsByStage(ctx, domain.RunRunning); err != nil {
		return h, err
	}
	cutoff := e.Now().Add(-e.Config.Runs.StaleAfter()).UTC().Format(time.RFC3339)
	if h.StaleRuns, err = e.Repo.StaleRunning(ctx, cutoff); err != nil {
		return h, err
	}
	return h, nil
}

// StartWorkers recovers ledger-queued runs into the queue and launches the
// configured number of workers. They exit when the context ends.
func (e Engine) StartWorkers(ctx context.Context) error {
	recovered, err := e.Dispatcher.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		log := e.Log
		if log == nil {
			log = slog.Default()
		}
		log.Info("recovered queued runs", "count", recovered)
	}
	workers := e.Config.Runs.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go e.Dispatcher.Worker(ctx)
	}
	return nil
}
