package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReconcileJobName is the name of the aggregate repair job
const ReconcileJobName = "reconcile-sessions"

// Reconciler repairs session aggregates from the alert history
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// AddReconcileJob schedules r on expression
func (s *CronScheduler) AddReconcileJob(expression string, r Reconciler) error {
	return s.AddJob(ReconcileJobName, expression, func(ctx context.Context) error {
		repaired, err := r.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("failed to reconcile sessions: %w", err)
		}
		if repaired > 0 {
			s.logger.Warn("Repaired lagging session aggregates", zap.Int("repaired", repaired))
		}
		return nil
	})
}
