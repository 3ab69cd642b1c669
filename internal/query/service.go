package query

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/model"
	"github.com/t77yq/proctor-alerts/internal/storage"
)

const (
	// DefaultRecentLimit is used when no positive limit is requested
	DefaultRecentLimit = 50
	// MaxRecentLimit caps the recent-alerts feed
	MaxRecentLimit = 500
	// TopSessions is the number of suspicious sessions on the dashboard
	TopSessions = 10
)

// Dashboard sub-aggregate names reported in Dashboard.Unavailable
const (
	PartTotals      = "totals"
	PartTopSessions = "top_sessions"
	PartAlertTypes  = "alert_types"
)

var (
	// ErrNotFound is returned for an unknown session id
	ErrNotFound = errors.New("session not found")

	// ErrUnavailable is returned when no dashboard sub-aggregate could be computed
	ErrUnavailable = errors.New("dashboard unavailable")
)

// Service serves the read-side views over the alert and session stores
type Service struct {
	logger   *zap.Logger
	alerts   storage.AlertStore
	sessions storage.SessionStore
}

// NewService creates a query service
func NewService(logger *zap.Logger, alerts storage.AlertStore, sessions storage.SessionStore) *Service {
	return &Service{
		logger:   logger.Named("query"),
		alerts:   alerts,
		sessions: sessions,
	}
}

// GetSession returns a session aggregate and its per-type alert breakdown
func (s *Service) GetSession(ctx context.Context, sessionID string) (*model.SessionInfo, error) {
	agg, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if agg == nil {
		return nil, ErrNotFound
	}

	types, err := s.alerts.CountBySessionType(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count session alert types: %w", err)
	}

	return &model.SessionInfo{
		SessionAggregate: *agg,
		AlertTypes:       types,
	}, nil
}

// Dashboard returns the global statistics. A sub-aggregate that fails is
// omitted and named in Unavailable; only a total failure returns an error.
func (s *Service) Dashboard(ctx context.Context) (*model.Dashboard, error) {
	dashboard := &model.Dashboard{}

	totals, err := s.sessions.GlobalTotals(ctx)
	if err != nil {
		s.degrade(dashboard, PartTotals, err)
	} else {
		dashboard.TotalSessions = &totals.SessionCount
		dashboard.TotalAlerts = &totals.AlertCount
		dashboard.AverageMaxConfidence = &totals.AverageMaxConfidence
	}

	top, err := s.sessions.Top(ctx, TopSessions)
	if err != nil {
		s.degrade(dashboard, PartTopSessions, err)
	} else {
		dashboard.TopSessions = top
	}

	types, err := s.alerts.CountByType(ctx)
	if err != nil {
		s.degrade(dashboard, PartAlertTypes, err)
	} else {
		dashboard.AlertTypes = types
	}

	if len(dashboard.Unavailable) == 3 {
		return nil, ErrUnavailable
	}
	return dashboard, nil
}

// RecentAlerts returns the newest alerts. A non-positive limit means
// DefaultRecentLimit; limits above MaxRecentLimit are capped.
func (s *Service) RecentAlerts(ctx context.Context, limit int) ([]*model.Alert, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	alerts, err := s.alerts.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent alerts: %w", err)
	}
	return alerts, nil
}

func (s *Service) degrade(d *model.Dashboard, part string, err error) {
	s.logger.Warn("Dashboard sub-aggregate unavailable",
		zap.String("part", part),
		zap.Error(err))
	d.Unavailable = append(d.Unavailable, part)
}
