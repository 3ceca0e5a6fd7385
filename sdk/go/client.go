package rivosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Rivo HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

// Record represents a pipeline record.
type Record struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	TenantID  string         `json:"tenant_id"`
	Version   int            `json:"version"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// StageRun represents one stage invocation.
type StageRun struct {
	ID         string  `json:"id"`
	RecordID   string  `json:"record_id"`
	Stage      string  `json:"stage"`
	Attempt    int     `json:"attempt"`
	Status     string  `json:"status"`
	ErrorJSON  *string `json:"error_json,omitempty"`
	EnqueuedAt string  `json:"enqueued_at"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// DraftArtifact represents a generated draft awaiting review.
type DraftArtifact struct {
	ID            string  `json:"id"`
	RunID         string  `json:"run_id"`
	RecordID      string  `json:"record_id"`
	Stage         string  `json:"stage"`
	Content       string  `json:"content"`
	Confidence    float64 `json:"confidence"`
	Routing       string  `json:"routing"`
	ReviewStatus  string  `json:"review_status"`
	FailureReason *string `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// ReviewDecision represents a recorded approval or rejection.
type ReviewDecision struct {
	ID         string  `json:"id"`
	ArtifactID string  `json:"artifact_id"`
	Decision   string  `json:"decision"`
	Actor      string  `json:"actor"`
	Reason     *string `json:"reason,omitempty"`
	DecidedAt  string  `json:"decided_at"`
}

// StageSummary reports one orchestration sweep.
type StageSummary struct {
	Stage      string   `json:"stage"`
	Eligible   int      `json:"eligible"`
	Dispatched int      `json:"dispatched"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors,omitempty"`
}

// Health is the pipeline diagnostics snapshot.
type Health struct {
	PendingReviews map[string]int `json:"pending_reviews"`
	DeadLettered   map[string]int `json:"dead_lettered"`
	Queued         map[string]int `json:"queued"`
	Running        map[string]int `json:"running"`
	StaleRuns      []StageRun     `json:"stale_runs,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRecord creates a pipeline record.
func (c *Client) CreateRecord(ctx context.Context, kind, status string, payload map[string]any) (Record, error) {
	body := map[string]any{
		"kind":    kind,
		"payload": payload,
	}
	if status != "" {
		body["status"] = status
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, "v0/records", body, &resp)
	return resp, err
}

// GetRecord fetches a record by id.
func (c *Client) GetRecord(ctx context.Context, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, "v0/records/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RunPipeline sweeps all stages. An empty tenant sweeps all tenants.
func (c *Client) RunPipeline(ctx context.Context, tenant string) ([]StageSummary, error) {
	endpoint := "v0/pipeline/run"
	if tenant != "" {
		endpoint += "?tenant_id=" + url.QueryEscape(tenant)
	}
	var resp []StageSummary
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RunStage sweeps one stage. An empty tenant sweeps all tenants.
func (c *Client) RunStage(ctx context.Context, stage, tenant string) (StageSummary, error) {
	endpoint := fmt.Sprintf("v0/stages/%s/run", url.PathEscape(stage))
	if tenant != "" {
		endpoint += "?tenant_id=" + url.QueryEscape(tenant)
	}
	var resp StageSummary
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// PendingReviews lists artifacts awaiting a decision.
func (c *Client) PendingReviews(ctx context.Context, stage string) ([]DraftArtifact, error) {
	endpoint := "v0/reviews?status=pending"
	if stage != "" {
		endpoint += "&stage=" + url.QueryEscape(stage)
	}
	var resp []DraftArtifact
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Decide records an approval or rejection for an artifact.
func (c *Client) Decide(ctx context.Context, artifactID, decision string, reason *string) (ReviewDecision, error) {
	body := map[string]any{"decision": decision}
	if reason != nil {
		body["reason"] = *reason
	}
	var resp ReviewDecision
	endpoint := fmt.Sprintf("v0/reviews/%s/decision", url.PathEscape(artifactID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RetryRun redispatches a dead-lettered run.
func (c *Client) RetryRun(ctx context.Context, runID string) (StageRun, error) {
	var resp StageRun
	endpoint := fmt.Sprintf("v0/runs/%s/retry", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Health returns the pipeline diagnostics snapshot.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "v0/pipeline/health", nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
