package stage

import (
	"errors"
	"testing"

	"rivo/internal/domain"
)

func TestCanEnterRequiresPrecondition(t *testing.T) {
	cases := []struct {
		kind   string
		status string
		stage  Stage
		want   bool
	}{
		{domain.KindLead, "New", SDR, true},
		{domain.KindLead, "Contacted", SDR, false},
		{domain.KindLead, "Disqualified", SDR, false},
		{domain.KindDeal, "Qualified", Proposal, true},
		{domain.KindDeal, "Proposal Sent", Proposal, false},
		{domain.KindContract, "Negotiating", Contract, true},
		{domain.KindContract, "Signed", Contract, false},
		{domain.KindInvoice, "Sent", Dunning, true},
		{domain.KindInvoice, "Overdue", Dunning, false},
		// kind mismatch never enters, even with matching status string
		{domain.KindDeal, "New", SDR, false},
	}
	for _, tc := range cases {
		rec := domain.Record{ID: "r1", Kind: tc.kind, Status: tc.status}
		if got := CanEnter(rec, tc.stage); got != tc.want {
			t.Errorf("CanEnter(%s/%s, %s) = %v, want %v", tc.kind, tc.status, tc.stage, got, tc.want)
		}
	}
}

func TestTransitionOnApproval(t *testing.T) {
	cases := []struct {
		stage    Stage
		kind     string
		status   string
		decision string
		want     string
	}{
		{SDR, domain.KindLead, "New", domain.DecisionApproved, "Contacted"},
		{SDR, domain.KindLead, "New", domain.DecisionRejected, "Disqualified"},
		{Proposal, domain.KindDeal, "Qualified", domain.DecisionApproved, "Proposal Sent"},
		{Proposal, domain.KindDeal, "Qualified", domain.DecisionRejected, "Lost"},
		{Contract, domain.KindContract, "Negotiating", domain.DecisionApproved, "Signed"},
		{Dunning, domain.KindInvoice, "Sent", domain.DecisionApproved, "Paid"},
		{Dunning, domain.KindInvoice, "Sent", domain.DecisionRejected, "Overdue"},
	}
	for _, tc := range cases {
		rec := domain.Record{ID: "r1", Kind: tc.kind, Status: tc.status}
		got, err := TransitionOnApproval(rec, tc.stage, tc.decision)
		if err != nil {
			t.Fatalf("TransitionOnApproval(%s, %s): %v", tc.stage, tc.decision, err)
		}
		if got != tc.want {
			t.Errorf("TransitionOnApproval(%s, %s) = %q, want %q", tc.stage, tc.decision, got, tc.want)
		}
	}
}

func TestTransitionIllegalWhenPreconditionLost(t *testing.T) {
	// The record moved on since the draft was produced.
	rec := domain.Record{ID: "r1", Kind: domain.KindLead, Status: "Contacted"}
	_, err := TransitionOnApproval(rec, SDR, domain.DecisionApproved)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestTransitionUnknownDecision(t *testing.T) {
	rec := domain.Record{ID: "r1", Kind: domain.KindLead, Status: "New"}
	if _, err := TransitionOnApproval(rec, SDR, "maybe"); err == nil {
		t.Fatal("expected error for unknown decision")
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(domain.KindInvoice, "Overdue") {
		t.Error("Overdue should be terminal for invoices")
	}
	if !IsTerminal(domain.KindDeal, "Won") {
		t.Error("Won should be terminal for deals")
	}
	if IsTerminal(domain.KindLead, "New") {
		t.Error("New should not be terminal for leads")
	}
	if IsTerminal(domain.KindContract, "Negotiating") {
		t.Error("Negotiating should not be terminal for contracts")
	}
}

func TestOrderCoversAllStages(t *testing.T) {
	order := Order()
	if len(order) != 4 {
		t.Fatalf("expected 4 stages, got %d", len(order))
	}
	seen := map[Stage]bool{}
	for _, s := range order {
		if _, ok := Lookup(string(s)); !ok {
			t.Errorf("stage %s in order but not defined", s)
		}
		seen[s] = true
	}
	if len(seen) != 4 {
		t.Fatalf("duplicate stages in order: %v", order)
	}
}

func TestForKind(t *testing.T) {
	def, ok := ForKind(domain.KindInvoice)
	if !ok || def.Stage != Dunning {
		t.Fatalf("ForKind(invoice) = %v, %v", def.Stage, ok)
	}
	if _, ok := ForKind("widget"); ok {
		t.Fatal("expected no stage for unknown kind")
	}
}
