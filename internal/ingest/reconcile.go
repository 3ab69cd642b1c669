package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/model"
	"github.com/t77yq/proctor-alerts/internal/storage"
)

// DefaultSettleWindow is how long a session must be quiet before it is
// reconciled. It covers alerts that are appended but not yet upserted.
const DefaultSettleWindow = time.Minute

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithSettleWindow sets the quiet period required before a session is repaired
func WithSettleWindow(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.settle = d
	}
}

// WithReconcileClock replaces the wall clock used for the settle window
func WithReconcileClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Reconciler repairs session aggregates that lag behind the alert history,
// which happens when an alert was appended but its aggregate upsert failed.
type Reconciler struct {
	logger   *zap.Logger
	alerts   storage.AlertStore
	sessions storage.SessionStore
	settle   time.Duration
	now      func() time.Time
}

// NewReconciler creates a reconciler over the two stores
func NewReconciler(logger *zap.Logger, alerts storage.AlertStore, sessions storage.SessionStore, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		logger:   logger.Named("reconciler"),
		alerts:   alerts,
		sessions: sessions,
		settle:   DefaultSettleWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile recomputes aggregates from the alert history and repairs the ones
// that are missing or behind. A repair is a conditional write against the
// aggregate that was read; if an ingestion advanced it in between, the write
// is skipped and the session is picked up again on the next run.
// Sessions that saw an alert within the settle window are skipped.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	summaries, err := r.alerts.Summaries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to summarize alerts: %w", err)
	}

	cutoff := r.now().Add(-r.settle)
	repaired, conflicts := 0, 0
	for _, summary := range summaries {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}

		if r.settle > 0 && summary.LastSeen.After(cutoff) {
			continue
		}

		current, err := r.sessions.Get(ctx, summary.SessionID)
		if err != nil {
			return repaired, fmt.Errorf("failed to get session %s: %w", summary.SessionID, err)
		}

		if current != nil &&
			current.TotalAlerts >= summary.Count &&
			current.MaxConfidence >= summary.MaxConfidence {
			continue
		}

		agg := merge(summary, current)
		var expected int64
		if current != nil {
			expected = current.TotalAlerts
		}

		applied, err := r.sessions.Repair(ctx, agg, expected)
		if err != nil {
			return repaired, fmt.Errorf("failed to repair session %s: %w", summary.SessionID, err)
		}
		if !applied {
			conflicts++
			r.logger.Debug("Session changed during repair, deferring",
				zap.String("session_id", summary.SessionID))
			continue
		}
		repaired++

		r.logger.Info("Repaired session aggregate",
			zap.String("session_id", summary.SessionID),
			zap.Int64("total_alerts", agg.TotalAlerts),
			zap.Float64("max_confidence", agg.MaxConfidence))
	}

	if conflicts > 0 {
		r.logger.Info("Deferred session repairs", zap.Int("conflicts", conflicts))
	}
	return repaired, nil
}

// merge builds the repaired aggregate. Counters and bounds never move
// backwards relative to current.
func merge(summary model.SessionSummary, current *model.SessionAggregate) *model.SessionAggregate {
	agg := summary.Aggregate()
	if current == nil {
		return agg
	}

	if current.StartTime.Before(agg.StartTime) {
		agg.StartTime = current.StartTime
	}
	if current.TotalAlerts > agg.TotalAlerts {
		agg.TotalAlerts = current.TotalAlerts
	}
	if current.MaxConfidence > agg.MaxConfidence {
		agg.MaxConfidence = current.MaxConfidence
	}
	if current.LastSeenTime.After(agg.LastSeenTime) {
		agg.LastSeenTime = current.LastSeenTime
		agg.SourceAddress = current.SourceAddress
		agg.ClientSignature = current.ClientSignature
	}
	return agg
}
