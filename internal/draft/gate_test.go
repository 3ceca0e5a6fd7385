package draft

import (
	"context"
	"errors"
	"strings"
	"testing"

	"rivo/internal/config"
	"rivo/internal/domain"
	"rivo/internal/stage"
)

type stubClient struct {
	draft Draft
	err   error
	calls int
}

func (c *stubClient) Generate(ctx context.Context, promptKey string, vars map[string]string) (Draft, error) {
	c.calls++
	if c.err != nil {
		return Draft{}, c.err
	}
	return c.draft, nil
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func lead(status string) domain.Record {
	return domain.Record{
		ID:          "rec-1",
		Kind:        domain.KindLead,
		Status:      status,
		PayloadJSON: `{"name":"Ada","company":"Acme","email":"ada@acme.test"}`,
	}
}

func sdrDef(t *testing.T) stage.Definition {
	t.Helper()
	def, ok := stage.Lookup("sdr")
	if !ok {
		t.Fatal("sdr stage not defined")
	}
	return def
}

func TestGatePreCheckMissingFields(t *testing.T) {
	client := &stubClient{}
	g := Gate{Client: client, Config: config.Default()}
	rec := lead("New")
	rec.PayloadJSON = `{"name":"Ada"}`

	_, err := g.Run(context.Background(), sdrDef(t), rec)
	var pv *PolicyViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("expected PolicyViolationError, got %v", err)
	}
	if !strings.Contains(pv.Reason, "company") || !strings.Contains(pv.Reason, "email") {
		t.Errorf("reason should name missing fields, got %q", pv.Reason)
	}
	if client.calls != 0 {
		t.Errorf("pre-check failure must not consume a drafting call, got %d calls", client.calls)
	}
}

func TestGatePreCheckTerminalStatus(t *testing.T) {
	g := Gate{Client: &stubClient{}, Config: config.Default()}

	_, err := g.Run(context.Background(), sdrDef(t), lead("Disqualified"))
	var pv *PolicyViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("expected PolicyViolationError for terminal record, got %v", err)
	}
}

func TestGatePreCheckWrongPrecondition(t *testing.T) {
	g := Gate{Client: &stubClient{}, Config: config.Default()}

	_, err := g.Run(context.Background(), sdrDef(t), lead("Contacted"))
	var pv *PolicyViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("expected PolicyViolationError for wrong status, got %v", err)
	}
}

func TestGateTransientErrorPropagates(t *testing.T) {
	client := &stubClient{err: ErrUnavailable}
	g := Gate{Client: client, Config: config.Default()}

	_, err := g.Run(context.Background(), sdrDef(t), lead("New"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable to propagate, got %v", err)
	}
}

func TestGatePostCheck(t *testing.T) {
	cases := []struct {
		name    string
		draft   Draft
		reason  string
		routing string
	}{
		{
			name:    "forbidden marker",
			draft:   Draft{Content: words(40) + " [Your Name]", Confidence: 0.95},
			routing: domain.RoutingFailedChecks,
			reason:  "forbidden marker",
		},
		{
			name:    "too short",
			draft:   Draft{Content: words(10), Confidence: 0.95},
			routing: domain.RoutingFailedChecks,
			reason:  "minimum",
		},
		{
			name:    "too long",
			draft:   Draft{Content: words(200), Confidence: 0.95},
			routing: domain.RoutingFailedChecks,
			reason:  "maximum",
		},
		{
			name:    "empty content",
			draft:   Draft{Content: "   ", Confidence: 0.95},
			routing: domain.RoutingFailedChecks,
			reason:  "empty",
		},
		{
			name:    "confidence out of range",
			draft:   Draft{Content: words(40), Confidence: 1.3},
			routing: domain.RoutingFailedChecks,
			reason:  "out of range",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := Gate{Client: &stubClient{draft: tc.draft}, Config: config.Default()}
			res, err := g.Run(context.Background(), sdrDef(t), lead("New"))
			if err != nil {
				t.Fatalf("post-check failures must not be errors: %v", err)
			}
			if res.Routing != tc.routing {
				t.Errorf("routing = %q, want %q", res.Routing, tc.routing)
			}
			if !strings.Contains(res.FailureReason, tc.reason) {
				t.Errorf("failure reason %q does not mention %q", res.FailureReason, tc.reason)
			}
		})
	}
}

func TestGateConfidenceRouting(t *testing.T) {
	cases := []struct {
		name       string
		stageName  string
		rec        domain.Record
		confidence float64
		want       string
	}{
		{
			name:       "above threshold on auto stage",
			stageName:  "sdr",
			rec:        lead("New"),
			confidence: 0.95,
			want:       domain.RoutingAutoEligible,
		},
		{
			name:       "below threshold on auto stage",
			stageName:  "sdr",
			rec:        lead("New"),
			confidence: 0.4,
			want:       domain.RoutingHumanReview,
		},
		{
			name:      "above threshold on non-auto stage",
			stageName: "proposal",
			rec: domain.Record{
				ID:          "rec-2",
				Kind:        domain.KindDeal,
				Status:      "Qualified",
				PayloadJSON: `{"company":"Acme","amount":"12000"}`,
			},
			confidence: 0.99,
			want:       domain.RoutingHumanReview,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def, ok := stage.Lookup(tc.stageName)
			if !ok {
				t.Fatalf("stage %s not defined", tc.stageName)
			}
			client := &stubClient{draft: Draft{Content: words(60), Confidence: tc.confidence}}
			g := Gate{Client: client, Config: config.Default()}
			res, err := g.Run(context.Background(), def, tc.rec)
			if err != nil {
				t.Fatal(err)
			}
			if res.Routing != tc.want {
				t.Errorf("routing = %q, want %q", res.Routing, tc.want)
			}
			if res.FailureReason != "" {
				t.Errorf("unexpected failure reason %q", res.FailureReason)
			}
		})
	}
}

func TestEstimateConfidence(t *testing.T) {
	if got := EstimateConfidence(""); got != 0 {
		t.Errorf("empty text = %v, want 0", got)
	}
	long := EstimateConfidence(words(80))
	short := EstimateConfidence("hi there")
	if long <= short {
		t.Errorf("longer draft should score higher: %v <= %v", long, short)
	}
	if long > 1 {
		t.Errorf("score must stay in [0,1], got %v", long)
	}
}

func TestStaticClientRendersKnownPrompts(t *testing.T) {
	client := NewStaticClient()
	for _, name := range []string{"sdr", "proposal", "contract", "dunning"} {
		def, ok := stage.Lookup(name)
		if !ok {
			t.Fatalf("stage %s not defined", name)
		}
		d, err := client.Generate(context.Background(), def.PromptKey, map[string]string{
			"name": "Ada", "company": "Acme", "industry": "logistics",
			"sender": "Sam", "sender_email": "sam@rivo.test",
			"scope": "onboarding", "amount": "12000", "terms": "12 months", "due_date": "2026-09-01",
		})
		if err != nil {
			t.Fatalf("stage %s: %v", name, err)
		}
		if strings.TrimSpace(d.Content) == "" {
			t.Errorf("stage %s produced empty draft", name)
		}
		if d.Confidence <= 0 || d.Confidence > 1 {
			t.Errorf("stage %s confidence %v out of range", name, d.Confidence)
		}
	}
}
