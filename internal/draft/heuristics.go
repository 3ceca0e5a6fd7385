package draft

import "strings"

// EstimateConfidence scores a draft in [0,1] with deterministic heuristics.
// Used when the model does not report its own confidence.
func EstimateConfidence(text string) float64 {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return 0
	}
	lengthScore := len(cleaned) / 4
	if lengthScore > 70 {
		lengthScore = 70
	}
	structureBonus := 10
	if strings.Contains(cleaned, "{") && strings.Contains(cleaned, "}") {
		structureBonus = 20
	}
	certaintyBonus := 0
	if len(strings.Fields(cleaned)) >= 20 {
		certaintyBonus = 10
	}
	score := lengthScore + structureBonus + certaintyBonus
	if score > 100 {
		score = 100
	}
	return float64(score) / 100
}
