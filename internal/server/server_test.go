package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"rivo/internal/config"
	"rivo/internal/db"
	"rivo/internal/dispatch"
	"rivo/internal/domain"
	"rivo/internal/draft"
	"rivo/internal/engine"
	"rivo/internal/events"
	"rivo/internal/migrate"
	"rivo/internal/repo"
	"rivo/internal/review"
)

type fixedClient struct {
	draft draft.Draft
	err   error
}

func (c fixedClient) Generate(ctx context.Context, promptKey string, vars map[string]string) (draft.Draft, error) {
	if c.err != nil {
		return draft.Draft{}, c.err
	}
	return c.draft, nil
}

type testServer struct {
	URL    string
	client *http.Client
	engine engine.Engine
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, client draft.Client) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, Now: clock}
	ledger := review.Ledger{Repo: r, Events: w, Now: clock}
	e := engine.Engine{
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
			Now:     clock,
			Sleep:   func(time.Duration) {},
		},
		Reviews: ledger,
		Config:  cfg,
		Now:     clock,
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		engine: e,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func okDraft(confidence float64) draft.Draft {
	return draft.Draft{
		Content:    strings.TrimSpace(strings.Repeat("word ", 60)),
		Confidence: confidence,
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, fixedClient{draft: okDraft(0.5)})
	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
}

func TestRecordLifecycle(t *testing.T) {
	ts := newTestServer(t, fixedClient{draft: okDraft(0.5)})

	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/records", CreateRecordRequest{
		Kind:    domain.KindLead,
		Payload: map[string]any{"name": "Ada", "company": "Acme", "email": "ada@acme.test"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body %s", resp.StatusCode, body)
	}
	var rec RecordResponse
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != "New" {
		t.Errorf("status = %q, want New", rec.Status)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/records/"+rec.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/records/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing record status = %d body %s", resp.StatusCode, body)
	}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Code != "not_found" {
		t.Errorf("error code = %q, want not_found", envelope.Code)
	}
}

func TestStageRunAndReviewDecision(t *testing.T) {
	ts := newTestServer(t, fixedClient{draft: okDraft(0.5)})

	_, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/records", CreateRecordRequest{
		Kind:    domain.KindLead,
		Payload: map[string]any{"name": "Ada", "company": "Acme", "email": "ada@acme.test"},
	}, nil)
	var rec RecordResponse
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/stages/sdr/run", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stage run status = %d body %s", resp.StatusCode, body)
	}
	var summary engine.StageSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Dispatched != 1 {
		t.Fatalf("dispatched = %d body %s", summary.Dispatched, body)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/reviews?status=pending", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list reviews status = %d body %s", resp.StatusCode, body)
	}
	var artifacts []domain.DraftArtifact
	if err := json.Unmarshal(body, &artifacts); err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected one pending artifact, got %d", len(artifacts))
	}

	// Decision without an actor header is rejected.
	resp, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/reviews/"+artifacts[0].ID+"/decision",
		DecisionRequest{Decision: domain.DecisionApproved}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("decision without actor status = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/reviews/"+artifacts[0].ID+"/decision",
		DecisionRequest{Decision: domain.DecisionApproved}, map[string]string{"X-Actor-Id": "alice"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("decision status = %d body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/records/"+rec.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatal("get record after approval failed")
	}
	var after RecordResponse
	if err := json.Unmarshal(body, &after); err != nil {
		t.Fatal(err)
	}
	if after.Status != "Contacted" {
		t.Errorf("record status = %q, want Contacted", after.Status)
	}

	// A conflicting decision maps to 409.
	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/reviews/"+artifacts[0].ID+"/decision",
		DecisionRequest{Decision: domain.DecisionRejected}, map[string]string{"X-Actor-Id": "bob"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting decision status = %d body %s", resp.StatusCode, body)
	}
}

func TestRetryDeadLetteredRunEndpoint(t *testing.T) {
	ts := newTestServer(t, fixedClient{err: draft.ErrUnavailable})

	_, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/records", CreateRecordRequest{
		Kind:    domain.KindLead,
		Payload: map[string]any{"name": "Ada", "company": "Acme", "email": "ada@acme.test"},
	}, nil)
	var rec RecordResponse
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.engine.RunStage(context.Background(), "sdr", ""); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/runs?status=dead_lettered", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list runs status = %d body %s", resp.StatusCode, body)
	}
	var runs []domain.StageRun
	if err := json.Unmarshal(body, &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one dead-lettered run, got %d", len(runs))
	}

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/runs/"+runs[0].ID+"/retry", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("retry status = %d body %s", resp.StatusCode, body)
	}
	var fresh domain.StageRun
	if err := json.Unmarshal(body, &fresh); err != nil {
		t.Fatal(err)
	}
	if fresh.ID == runs[0].ID {
		t.Error("retry must create a fresh run")
	}

	// Retrying a non-dead-lettered run is a client error.
	resp, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/runs/"+fresh.ID+"/retry", nil, nil)
	if resp.StatusCode == http.StatusCreated {
		t.Error("expected failure retrying a non-dead-lettered run")
	}

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/pipeline/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pipeline health status = %d body %s", resp.StatusCode, body)
	}
	var h engine.Health
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatal(err)
	}
	if h.DeadLettered["sdr"] < 1 {
		t.Errorf("dead-lettered count = %v", h.DeadLettered)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t, fixedClient{draft: okDraft(0.95)})

	doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/records", CreateRecordRequest{
		Kind:    domain.KindLead,
		Payload: map[string]any{"name": "Ada", "company": "Acme", "email": "ada@acme.test"},
	}, nil)
	if _, err := ts.engine.RunStage(context.Background(), "sdr", ""); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/events?type="+events.RecordTransitioned, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d body %s", resp.StatusCode, body)
	}
	var evts []domain.Event
	if err := json.Unmarshal(body, &evts); err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one transition event, got %d", len(evts))
	}
}
