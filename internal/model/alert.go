package model

import (
	"encoding/json"
	"time"
)

// Severity represents the severity tier of an alert
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert represents a single alert reported by a proctoring client.
// Alerts are immutable once stored.
type Alert struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	Type            string            `json:"alert_type"`
	Message         string            `json:"message"`
	Confidence      float64           `json:"confidence"`
	Evidence        []json.RawMessage `json:"evidence,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	SourceAddress   string            `json:"ip_address"`
	ClientSignature string            `json:"user_agent"`
}

// AlertEvent is published after an alert has been persisted
type AlertEvent struct {
	Alert    *Alert   `json:"alert"`
	Severity Severity `json:"severity"`
}

// IngestResult is returned to the client for an accepted alert
type IngestResult struct {
	Status          string    `json:"status"`
	SessionID       string    `json:"session_id"`
	AlertID         string    `json:"alert_id"`
	Severity        Severity  `json:"severity"`
	Recommendations []string  `json:"recommendations"`
	Timestamp       time.Time `json:"timestamp"`
}
