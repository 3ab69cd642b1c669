package severity

import "github.com/t77yq/proctor-alerts/internal/model"

// Classification thresholds, inclusive lower bounds
const (
	CriticalThreshold = 0.8
	HighThreshold     = 0.6
	MediumThreshold   = 0.4

	EscalateThreshold = 0.7
	WatchThreshold    = 0.5
)

var (
	escalateActions = []string{
		"Review the user's activity immediately",
		"Consider suspending the monitored session",
		"Notify the system administrator",
	}
	watchActions = []string{
		"Continue monitoring the activity",
		"Pay attention to the user's behaviour",
	}
	routineActions = []string{
		"Monitoring continues as usual",
	}
)

// Classify maps a confidence score to a severity tier
func Classify(confidence float64) model.Severity {
	switch {
	case confidence >= CriticalThreshold:
		return model.SeverityCritical
	case confidence >= HighThreshold:
		return model.SeverityHigh
	case confidence >= MediumThreshold:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// Recommend returns the recommended actions for a confidence score.
// The returned slice is a fresh copy.
func Recommend(confidence float64) []string {
	var actions []string
	switch {
	case confidence >= EscalateThreshold:
		actions = escalateActions
	case confidence >= WatchThreshold:
		actions = watchActions
	default:
		actions = routineActions
	}
	return append([]string(nil), actions...)
}
