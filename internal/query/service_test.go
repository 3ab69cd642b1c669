package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/ingest"
	"github.com/t77yq/proctor-alerts/internal/model"
	"github.com/t77yq/proctor-alerts/internal/storage"
)

type brokenSessions struct {
	storage.SessionStore
}

func (brokenSessions) GlobalTotals(ctx context.Context) (model.Totals, error) {
	return model.Totals{}, fmt.Errorf("%w: connection refused", storage.ErrStore)
}

func (brokenSessions) Top(ctx context.Context, n int) ([]*model.SessionAggregate, error) {
	return nil, fmt.Errorf("%w: connection refused", storage.ErrStore)
}

type brokenAlerts struct {
	storage.AlertStore
}

func (brokenAlerts) CountByType(ctx context.Context) (map[string]int64, error) {
	return nil, fmt.Errorf("%w: connection refused", storage.ErrStore)
}

func setup(t *testing.T) (*ingest.Service, *Service, storage.AlertStore, storage.SessionStore) {
	t.Helper()

	alerts := storage.NewMemoryAlertStore()
	sessions := storage.NewMemorySessionStore()
	clockStart := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return clockStart.Add(time.Duration(tick) * time.Second)
	}

	in := ingest.NewService(zap.NewNop(), alerts, sessions, ingest.WithClock(clock))
	return in, NewService(zap.NewNop(), alerts, sessions), alerts, sessions
}

func submit(t *testing.T, svc *ingest.Service, payload, address, signature string) *model.IngestResult {
	t.Helper()
	result, err := svc.Submit(context.Background(), []byte(payload), address, signature)
	require.NoError(t, err)
	return result
}

func TestGetSession(t *testing.T) {
	ctx := context.Background()
	in, q, _, _ := setup(t)

	result := submit(t, in, `{"message":"face not detected","confidence":0.85}`, "1.2.3.4", "UA1")
	submit(t, in, `{"message":"tab switch","confidence":0.2}`, "1.2.3.4", "UA1")
	submit(t, in, `{"message":"tab switch","confidence":0.4}`, "1.2.3.4", "UA1")

	info, err := q.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, result.SessionID, info.SessionID)
	assert.Equal(t, int64(3), info.TotalAlerts)
	assert.Equal(t, 0.85, info.MaxConfidence)
	assert.Equal(t, map[string]int64{"face not detected": 1, "tab switch": 2}, info.AlertTypes)

	again, err := q.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, info, again)
}

func TestGetSession_NotFound(t *testing.T) {
	_, q, _, _ := setup(t)

	info, err := q.GetSession(context.Background(), "does-not-exist")
	assert.Nil(t, info)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDashboard(t *testing.T) {
	ctx := context.Background()
	in, q, _, _ := setup(t)

	empty, err := q.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *empty.TotalSessions)
	assert.Equal(t, 0.0, *empty.AverageMaxConfidence)
	assert.Empty(t, empty.TopSessions)

	first := submit(t, in, `{"message":"gaze away","confidence":0.3}`, "1.2.3.4", "UA1")
	submit(t, in, `{"message":"gaze away","confidence":0.9}`, "1.2.3.4", "UA1")

	dashboard, err := q.Dashboard(ctx)
	require.NoError(t, err)
	assert.Empty(t, dashboard.Unavailable)
	assert.Equal(t, int64(1), *dashboard.TotalSessions)
	assert.Equal(t, int64(2), *dashboard.TotalAlerts)
	assert.InDelta(t, 0.9, *dashboard.AverageMaxConfidence, 1e-9)
	require.NotEmpty(t, dashboard.TopSessions)
	assert.Equal(t, first.SessionID, dashboard.TopSessions[0].SessionID)
	assert.Equal(t, map[string]int64{"gaze away": 2}, dashboard.AlertTypes)

	other := submit(t, in, `{"message":"rdp","confidence":0.95}`, "5.6.7.8", "UA2")
	dashboard, err = q.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, dashboard.TopSessions, 2)
	assert.Equal(t, other.SessionID, dashboard.TopSessions[0].SessionID)
	assert.InDelta(t, (0.9+0.95)/2, *dashboard.AverageMaxConfidence, 1e-9)
}

func TestDashboard_TopIsBounded(t *testing.T) {
	in, q, _, _ := setup(t)

	for i := 0; i < TopSessions+5; i++ {
		submit(t, in, fmt.Sprintf(`{"message":"x","confidence":0.%02d}`, i), fmt.Sprintf("10.0.0.%d", i), "UA")
	}

	dashboard, err := q.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Len(t, dashboard.TopSessions, TopSessions)
	for i := 1; i < len(dashboard.TopSessions); i++ {
		assert.GreaterOrEqual(t, dashboard.TopSessions[i-1].MaxConfidence, dashboard.TopSessions[i].MaxConfidence)
	}
}

func TestDashboard_Degrades(t *testing.T) {
	ctx := context.Background()
	in, _, alerts, sessions := setup(t)
	submit(t, in, `{"message":"x","confidence":0.5}`, "1.2.3.4", "UA1")

	q := NewService(zap.NewNop(), alerts, brokenSessions{sessions})
	dashboard, err := q.Dashboard(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{PartTotals, PartTopSessions}, dashboard.Unavailable)
	assert.Nil(t, dashboard.TotalSessions)
	assert.Equal(t, map[string]int64{"x": 1}, dashboard.AlertTypes)

	q = NewService(zap.NewNop(), brokenAlerts{alerts}, brokenSessions{sessions})
	_, err = q.Dashboard(ctx)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestRecentAlerts(t *testing.T) {
	ctx := context.Background()
	in, q, _, _ := setup(t)

	for i := 0; i < DefaultRecentLimit+10; i++ {
		submit(t, in, fmt.Sprintf(`{"message":"alert %d","confidence":0.1}`, i), "1.2.3.4", "UA1")
	}

	recent, err := q.RecentAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, DefaultRecentLimit)
	assert.Equal(t, fmt.Sprintf("alert %d", DefaultRecentLimit+9), recent[0].Message)
	for i := 1; i < len(recent); i++ {
		assert.False(t, recent[i].Timestamp.After(recent[i-1].Timestamp))
	}

	recent, err = q.RecentAlerts(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, recent, 5)
}
