package draft

import (
	"fmt"
	"strings"
	"text/template"
)

// Prompt templates keyed by the stage definitions' prompt keys. Variables
// come from the record payload; missing keys render as empty strings.
var promptTemplates = map[string]string{
	"sdr_outreach": `Hi {{index . "name"}},

I noticed {{index . "company"}} has been growing in {{index . "industry"}}. Teams at a similar point usually hit a wall keeping outbound personalised without burning SDR hours. We help B2B teams automate the research step so every first touch cites something real about the prospect.

Would a short call next week make sense to see whether this fits how {{index . "company"}} runs outbound today?

Best regards,
{{index . "sender"}}
{{index . "sender_email"}}`,

	"proposal": `Proposal for {{index . "company"}}

Scope: {{index . "scope"}}
Total amount: {{index . "amount"}}

This proposal covers the deliverables discussed with {{index . "company"}}, including onboarding, configuration and a dedicated success contact for the first quarter. Pricing is fixed for the scope above and valid for thirty days from the date of issue. Payment terms are net thirty from invoice date unless otherwise agreed in the master agreement.

We look forward to working with {{index . "company"}}.`,

	"contract_terms": `Contract terms for {{index . "company"}}

Term: {{index . "terms"}}

1. Services. The provider delivers the services described in the signed proposal for {{index . "company"}}.
2. Fees. Fees are invoiced as agreed in the proposal and payable net thirty.
3. Term and termination. The agreement runs for the term above and renews unless terminated with thirty days written notice.
4. Liability. Aggregate liability is capped at the fees paid in the preceding twelve months.
5. Data. Each party processes personal data only as required to perform the agreement.`,

	"dunning_notice": `Payment reminder for {{index . "company"}}

Our records show invoice amount {{index . "amount"}} was due on {{index . "due_date"}} and remains unpaid. Please arrange payment at your earliest convenience or reply to this message if the invoice has already been settled so we can reconcile our records.

If payment has been sent in the last few days, please disregard this notice.`,
}

var compiled = func() map[string]*template.Template {
	m := make(map[string]*template.Template, len(promptTemplates))
	for key, text := range promptTemplates {
		m[key] = template.Must(template.New(key).Parse(text))
	}
	return m
}()

// Render fills the template for promptKey with vars.
func Render(promptKey string, vars map[string]string) (string, error) {
	tmpl, ok := compiled[promptKey]
	if !ok {
		return "", fmt.Errorf("unknown prompt key %q", promptKey)
	}
	if vars == nil {
		vars = map[string]string{}
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", promptKey, err)
	}
	return sb.String(), nil
}

// Known reports whether a prompt key has a registered template.
func Known(promptKey string) bool {
	_, ok := compiled[promptKey]
	return ok
}
