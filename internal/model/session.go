package model

import "time"

// SessionAggregate holds the running statistics of one session
type SessionAggregate struct {
	SessionID       string    `json:"session_id"`
	StartTime       time.Time `json:"start_time"`
	LastSeenTime    time.Time `json:"end_time"`
	TotalAlerts     int64     `json:"total_alerts"`
	MaxConfidence   float64   `json:"max_confidence"`
	SourceAddress   string    `json:"ip_address"`
	ClientSignature string    `json:"user_agent"`
}

// Observation is one alert as seen by the aggregate store
type Observation struct {
	SessionID       string
	ObservedAt      time.Time
	Confidence      float64
	SourceAddress   string
	ClientSignature string
}

// SessionSummary is a per-session recomputation from the alert history
type SessionSummary struct {
	SessionID       string
	Count           int64
	MaxConfidence   float64
	FirstSeen       time.Time
	LastSeen        time.Time
	SourceAddress   string
	ClientSignature string
}

// Aggregate converts the summary into the aggregate row it implies
func (s SessionSummary) Aggregate() *SessionAggregate {
	return &SessionAggregate{
		SessionID:       s.SessionID,
		StartTime:       s.FirstSeen,
		LastSeenTime:    s.LastSeen,
		TotalAlerts:     s.Count,
		MaxConfidence:   s.MaxConfidence,
		SourceAddress:   s.SourceAddress,
		ClientSignature: s.ClientSignature,
	}
}

// Totals are the global aggregate statistics
type Totals struct {
	SessionCount         int64   `json:"total_sessions"`
	AlertCount           int64   `json:"total_alerts"`
	AverageMaxConfidence float64 `json:"avg_confidence"`
}

// SessionInfo is a session aggregate with its per-type alert breakdown
type SessionInfo struct {
	SessionAggregate
	AlertTypes map[string]int64 `json:"alert_types"`
}

// Dashboard is the global read-side view.
// Sub-aggregates that could not be computed are listed in Unavailable.
type Dashboard struct {
	TotalSessions        *int64              `json:"total_sessions,omitempty"`
	TotalAlerts          *int64              `json:"total_alerts,omitempty"`
	AverageMaxConfidence *float64            `json:"avg_confidence,omitempty"`
	TopSessions          []*SessionAggregate `json:"suspicious_sessions,omitempty"`
	AlertTypes           map[string]int64    `json:"alert_types,omitempty"`
	Unavailable          []string            `json:"unavailable,omitempty"`
}

// Health is the service health report
type Health struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	CPUUsage  float64           `json:"cpu_usage"`
	MemUsage  float64           `json:"memory_usage"`
}
