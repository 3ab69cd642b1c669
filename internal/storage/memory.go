package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/t77yq/proctor-alerts/internal/model"
)

// MemoryAlertStore implements AlertStore in process memory
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts []*model.Alert
}

// NewMemoryAlertStore creates an empty in-memory alert store
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{}
}

// Append implements AlertStore.Append
func (s *MemoryAlertStore) Append(ctx context.Context, alert *model.Alert) error {
	stored := cloneAlert(alert)
	s.mu.Lock()
	s.alerts = append(s.alerts, stored)
	s.mu.Unlock()
	return nil
}

// ListBySession implements AlertStore.ListBySession
func (s *MemoryAlertStore) ListBySession(ctx context.Context, sessionID string) ([]*model.Alert, error) {
	s.mu.RLock()
	alerts := make([]*model.Alert, 0)
	for _, a := range s.alerts {
		if a.SessionID == sessionID {
			alerts = append(alerts, cloneAlert(a))
		}
	}
	s.mu.RUnlock()

	// stable sort keeps insertion order for equal timestamps
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	return alerts, nil
}

// CountByType implements AlertStore.CountByType
func (s *MemoryAlertStore) CountByType(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, a := range s.alerts {
		counts[a.Type]++
	}
	return counts, nil
}

// CountBySessionType implements AlertStore.CountBySessionType
func (s *MemoryAlertStore) CountBySessionType(ctx context.Context, sessionID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, a := range s.alerts {
		if a.SessionID == sessionID {
			counts[a.Type]++
		}
	}
	return counts, nil
}

// Recent implements AlertStore.Recent
func (s *MemoryAlertStore) Recent(ctx context.Context, limit int) ([]*model.Alert, error) {
	s.mu.RLock()
	n := len(s.alerts)
	alerts := make([]*model.Alert, n)
	for i, a := range s.alerts {
		// reversed, so later insertions win timestamp ties
		alerts[n-1-i] = cloneAlert(a)
	}
	s.mu.RUnlock()

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
	if limit >= 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// Summaries implements AlertStore.Summaries
func (s *MemoryAlertStore) Summaries(ctx context.Context) ([]model.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := make(map[string]int)
	var summaries []model.SessionSummary
	for _, a := range s.alerts {
		i, ok := index[a.SessionID]
		if !ok {
			index[a.SessionID] = len(summaries)
			summaries = append(summaries, model.SessionSummary{
				SessionID:     a.SessionID,
				MaxConfidence: a.Confidence,
				FirstSeen:     a.Timestamp,
			})
			i = len(summaries) - 1
		}
		sum := &summaries[i]
		sum.Count++
		if a.Confidence > sum.MaxConfidence {
			sum.MaxConfidence = a.Confidence
		}
		if a.Timestamp.Before(sum.FirstSeen) {
			sum.FirstSeen = a.Timestamp
		}
		sum.LastSeen = a.Timestamp
		sum.SourceAddress = a.SourceAddress
		sum.ClientSignature = a.ClientSignature
	}
	return summaries, nil
}

// Ping implements AlertStore.Ping
func (s *MemoryAlertStore) Ping(ctx context.Context) error {
	return nil
}

// cloneAlert copies an alert including its evidence list, so callers can't
// mutate stored history
func cloneAlert(a *model.Alert) *model.Alert {
	copied := *a
	if a.Evidence != nil {
		copied.Evidence = make([]json.RawMessage, len(a.Evidence))
		for i, item := range a.Evidence {
			copied.Evidence[i] = append(json.RawMessage(nil), item...)
		}
	}
	return &copied
}

// sessionEntry guards one aggregate row
type sessionEntry struct {
	mu  sync.Mutex
	agg model.SessionAggregate
}

// MemorySessionStore implements SessionStore in process memory.
// Each session has its own lock; the map lock is only held to find or create
// an entry, so upserts to different sessions don't block each other.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewMemorySessionStore creates an empty in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*sessionEntry),
	}
}

// Upsert implements SessionStore.Upsert
func (s *MemorySessionStore) Upsert(ctx context.Context, obs model.Observation) error {
	s.mu.RLock()
	entry, ok := s.sessions[obs.SessionID]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		entry, ok = s.sessions[obs.SessionID]
		if !ok {
			s.sessions[obs.SessionID] = &sessionEntry{agg: model.SessionAggregate{
				SessionID:       obs.SessionID,
				StartTime:       obs.ObservedAt,
				LastSeenTime:    obs.ObservedAt,
				TotalAlerts:     1,
				MaxConfidence:   obs.Confidence,
				SourceAddress:   obs.SourceAddress,
				ClientSignature: obs.ClientSignature,
			}}
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.agg.LastSeenTime = obs.ObservedAt
	entry.agg.TotalAlerts++
	if obs.Confidence > entry.agg.MaxConfidence {
		entry.agg.MaxConfidence = obs.Confidence
	}
	entry.agg.SourceAddress = obs.SourceAddress
	entry.agg.ClientSignature = obs.ClientSignature
	return nil
}

// Repair implements SessionStore.Repair. The comparison and the write happen
// under the entry lock that Upsert takes.
func (s *MemorySessionStore) Repair(ctx context.Context, agg *model.SessionAggregate, expectedTotal int64) (bool, error) {
	if expectedTotal == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.sessions[agg.SessionID]; ok {
			return false, nil
		}
		s.sessions[agg.SessionID] = &sessionEntry{agg: *agg}
		return true, nil
	}

	s.mu.RLock()
	entry, ok := s.sessions[agg.SessionID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.agg.TotalAlerts != expectedTotal {
		return false, nil
	}
	entry.agg = *agg
	return true, nil
}

// Get implements SessionStore.Get
func (s *MemorySessionStore) Get(ctx context.Context, sessionID string) (*model.SessionAggregate, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return entry.snapshot(), nil
}

// Top implements SessionStore.Top
func (s *MemorySessionStore) Top(ctx context.Context, n int) ([]*model.SessionAggregate, error) {
	if n <= 0 {
		return []*model.SessionAggregate{}, nil
	}

	sessions := s.snapshots()
	SortByRank(sessions)
	if len(sessions) > n {
		sessions = sessions[:n]
	}
	return sessions, nil
}

// GlobalTotals implements SessionStore.GlobalTotals
func (s *MemorySessionStore) GlobalTotals(ctx context.Context) (model.Totals, error) {
	var totals model.Totals
	var confidenceSum float64
	for _, agg := range s.snapshots() {
		totals.SessionCount++
		totals.AlertCount += agg.TotalAlerts
		confidenceSum += agg.MaxConfidence
	}
	if totals.SessionCount > 0 {
		totals.AverageMaxConfidence = confidenceSum / float64(totals.SessionCount)
	}
	return totals, nil
}

// Ping implements SessionStore.Ping
func (s *MemorySessionStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemorySessionStore) snapshots() []*model.SessionAggregate {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	sessions := make([]*model.SessionAggregate, len(entries))
	for i, entry := range entries {
		sessions[i] = entry.snapshot()
	}
	return sessions
}

func (e *sessionEntry) snapshot() *model.SessionAggregate {
	e.mu.Lock()
	defer e.mu.Unlock()
	agg := e.agg
	return &agg
}

// SortByRank orders sessions by max confidence, then alert count, then id
func SortByRank(sessions []*model.SessionAggregate) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if a.MaxConfidence != b.MaxConfidence {
			return a.MaxConfidence > b.MaxConfidence
		}
		if a.TotalAlerts != b.TotalAlerts {
			return a.TotalAlerts > b.TotalAlerts
		}
		return a.SessionID < b.SessionID
	})
}
