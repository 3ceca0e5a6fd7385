package stage

import (
	"errors"
	"fmt"

	"rivo/internal/domain"
)

// Stage identifies one of the four ordered pipeline steps.
type Stage string

const (
	SDR      Stage = "sdr"
	Proposal Stage = "proposal"
	Contract Stage = "contract"
	Dunning  Stage = "dunning"
)

// ErrIllegalTransition indicates a consistency bug: a transition was applied
// for a stage whose precondition no longer holds. It is never retried and
// never silently corrected.
var ErrIllegalTransition = errors.New("illegal status transition")

// Definition binds a stage to its record kind and status chain.
type Definition struct {
	Stage        Stage
	Kind         string
	Precondition string
	OnApproval   string
	OnRejection  string
	PromptKey    string
}

var definitions = map[Stage]Definition{
	SDR: {
		Stage:        SDR,
		Kind:         domain.KindLead,
		Precondition: "New",
		OnApproval:   "Contacted",
		OnRejection:  "Disqualified",
		PromptKey:    "sdr_outreach",
	},
	Proposal: {
		Stage:        Proposal,
		Kind:         domain.KindDeal,
		Precondition: "Qualified",
		OnApproval:   "Proposal Sent",
		OnRejection:  "Lost",
		PromptKey:    "proposal",
	},
	Contract: {
		Stage:        Contract,
		Kind:         domain.KindContract,
		Precondition: "Negotiating",
		OnApproval:   "Signed",
		OnRejection:  "Cancelled",
		PromptKey:    "contract_terms",
	},
	Dunning: {
		Stage:        Dunning,
		Kind:         domain.KindInvoice,
		Precondition: "Sent",
		OnApproval:   "Paid",
		OnRejection:  "Overdue",
		PromptKey:    "dunning_notice",
	},
}

var terminalStatuses = map[string]map[string]bool{
	domain.KindLead:     {"Qualified": true, "Disqualified": true},
	domain.KindDeal:     {"Won": true, "Lost": true},
	domain.KindContract: {"Completed": true, "Cancelled": true},
	domain.KindInvoice:  {"Paid": true, "Overdue": true},
}

// Order returns the fixed pipeline order for run-all.
func Order() []Stage {
	return []Stage{SDR, Proposal, Contract, Dunning}
}

// Lookup returns the definition for a stage name.
func Lookup(name string) (Definition, bool) {
	def, ok := definitions[Stage(name)]
	return def, ok
}

// ForKind returns the stage that processes the given record kind.
func ForKind(kind string) (Definition, bool) {
	for _, def := range definitions {
		if def.Kind == kind {
			return def, true
		}
	}
	return Definition{}, false
}

// IsTerminal reports whether a status is terminal for a record kind.
func IsTerminal(kind, status string) bool {
	return terminalStatuses[kind][status]
}

// CanEnter reports whether the record is eligible for the stage: matching
// kind and current status equal to the stage's entry precondition.
func CanEnter(rec domain.Record, s Stage) bool {
	def, ok := definitions[s]
	if !ok {
		return false
	}
	return rec.Kind == def.Kind && rec.Status == def.Precondition
}

// TransitionOnApproval computes the status a record moves to when the
// governing decision for a stage's draft resolves. It fails with
// ErrIllegalTransition when the record's current status no longer matches
// the precondition of the stage that produced the draft.
func TransitionOnApproval(rec domain.Record, s Stage, decision string) (string, error) {
	def, ok := definitions[s]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	if !CanEnter(rec, s) {
		return "", fmt.Errorf("%w: record %s is %s %q, stage %s requires %q",
			ErrIllegalTransition, rec.ID, rec.Kind, rec.Status, s, def.Precondition)
	}
	switch decision {
	case domain.DecisionApproved:
		return def.OnApproval, nil
	case domain.DecisionRejected:
		return def.OnRejection, nil
	default:
		return "", fmt.Errorf("unknown decision %q", decision)
	}
}
