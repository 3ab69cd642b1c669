package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/t77yq/proctor-alerts/internal/model"
)

// ErrStore is wrapped by every persistence failure returned from this package
var ErrStore = errors.New("store error")

// AlertStore is the append-only alert history
type AlertStore interface {
	// Append stores one immutable alert
	Append(ctx context.Context, alert *model.Alert) error

	// ListBySession returns the alerts of a session, oldest first
	ListBySession(ctx context.Context, sessionID string) ([]*model.Alert, error)

	// CountByType returns the number of alerts per alert type
	CountByType(ctx context.Context) (map[string]int64, error)

	// CountBySessionType returns the number of alerts per alert type for one session
	CountBySessionType(ctx context.Context, sessionID string) (map[string]int64, error)

	// Recent returns at most limit alerts, newest first
	Recent(ctx context.Context, limit int) ([]*model.Alert, error)

	// Summaries recomputes per-session statistics from the history
	Summaries(ctx context.Context) ([]model.SessionSummary, error)

	Ping(ctx context.Context) error
}

// SessionStore holds one aggregate row per session
type SessionStore interface {
	// Upsert atomically creates or advances the aggregate of obs.SessionID
	Upsert(ctx context.Context, obs model.Observation) error

	// Get returns nil if the session is not found (not an error)
	Get(ctx context.Context, sessionID string) (*model.SessionAggregate, error)

	// Top returns up to n sessions ordered by max confidence, then alert count
	Top(ctx context.Context, n int) ([]*model.SessionAggregate, error)

	// GlobalTotals returns the session count, alert count and average max confidence
	GlobalTotals(ctx context.Context) (model.Totals, error)

	// Repair overwrites an aggregate only if its stored alert count still
	// equals expectedTotal; expectedTotal 0 means the session must not exist.
	// It reports whether the write was applied. Only reconciliation uses it.
	Repair(ctx context.Context, agg *model.SessionAggregate, expectedTotal int64) (bool, error)

	Ping(ctx context.Context) error
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStore, op, err)
}
