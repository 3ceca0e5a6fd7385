package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"rivo/internal/config"
	"rivo/internal/domain"
	"rivo/internal/stage"
)

// PolicyViolationError is a terminal pre-check failure. The run fails
// without a drafting call and is never retried.
type PolicyViolationError struct {
	Stage  string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation in stage %s: %s", e.Stage, e.Reason)
}

// Result is the gate's structured outcome. Recoverable conditions never
// surface as errors: a failed post-check is a valid result with routing
// failed_validation, not an exception.
type Result struct {
	Draft         Draft
	Routing       string
	FailureReason string
}

// Gate runs the pre-check, drafting call and post-check for one stage
// invocation and decides the artifact's routing.
type Gate struct {
	Client Client
	Config *config.Config
}

func (g Gate) Run(ctx context.Context, def stage.Definition, rec domain.Record) (Result, error) {
	policy := g.Config.Stage(string(def.Stage))

	if err := g.preCheck(def, policy, rec); err != nil {
		return Result{}, err
	}

	vars := payloadVars(rec.PayloadJSON)
	callCtx, cancel := context.WithTimeout(ctx, g.Config.Draft.Timeout())
	defer cancel()
	d, err := g.Client.Generate(callCtx, def.PromptKey, vars)
	if err != nil {
		return Result{}, err
	}

	if reason := g.postCheck(policy, d); reason != "" {
		return Result{Draft: d, Routing: domain.RoutingFailedChecks, FailureReason: reason}, nil
	}

	routing := domain.RoutingHumanReview
	if policy.AutoApprove && d.Confidence >= policy.Threshold {
		routing = domain.RoutingAutoEligible
	}
	return Result{Draft: d, Routing: routing}, nil
}

func (g Gate) preCheck(def stage.Definition, policy config.StagePolicy, rec domain.Record) error {
	if stage.IsTerminal(rec.Kind, rec.Status) {
		return &PolicyViolationError{Stage: string(def.Stage), Reason: fmt.Sprintf("record %s is in terminal status %q", rec.ID, rec.Status)}
	}
	if !stage.CanEnter(rec, def.Stage) {
		return &PolicyViolationError{Stage: string(def.Stage), Reason: fmt.Sprintf("record %s status %q does not satisfy precondition %q", rec.ID, rec.Status, def.Precondition)}
	}
	vars := payloadVars(rec.PayloadJSON)
	var missing []string
	for _, field := range policy.RequiredFields {
		if strings.TrimSpace(vars[field]) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &PolicyViolationError{Stage: string(def.Stage), Reason: "missing required fields: " + strings.Join(missing, ", ")}
	}
	return nil
}

func (g Gate) postCheck(policy config.StagePolicy, d Draft) string {
	content := strings.TrimSpace(d.Content)
	if content == "" {
		return "empty draft content"
	}
	lowered := strings.ToLower(content)
	for _, marker := range g.Config.ForbiddenMarkers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return fmt.Sprintf("forbidden marker %q in draft", marker)
		}
	}
	words := len(strings.Fields(content))
	if policy.MinWords > 0 && words < policy.MinWords {
		return fmt.Sprintf("draft has %d words, minimum is %d", words, policy.MinWords)
	}
	if policy.MaxWords > 0 && words > policy.MaxWords {
		return fmt.Sprintf("draft has %d words, maximum is %d", words, policy.MaxWords)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Sprintf("confidence %v out of range [0,1]", d.Confidence)
	}
	return ""
}

// payloadVars flattens a record payload into template variables. Non-string
// scalars are stringified; nested values are ignored.
func payloadVars(payloadJSON string) map[string]string {
	vars := map[string]string{}
	if payloadJSON == "" {
		return vars
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &raw); err != nil {
		return vars
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			vars[k] = val
		case float64:
			vars[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			vars[k] = strconv.FormatBool(val)
		}
	}
	return vars
}
