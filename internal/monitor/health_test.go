package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthReporter_Healthy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reporter := NewHealthReporter(zap.NewNop(), "1.0.0", time.Minute)
	reporter.AddCheck("alerts", pingFunc(func(context.Context) error { return nil }))
	reporter.Start(ctx)
	defer reporter.Stop()

	report := reporter.Check(ctx)
	require.NotNil(t, report)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "1.0.0", report.Version)
	assert.Equal(t, "ok", report.Checks["alerts"])
	assert.WithinDuration(t, time.Now(), report.Timestamp, 5*time.Second)
	assert.GreaterOrEqual(t, report.MemUsage, 0.0)
}

func TestHealthReporter_Degraded(t *testing.T) {
	reporter := NewHealthReporter(zap.NewNop(), "1.0.0", time.Minute)
	reporter.AddCheck("alerts", pingFunc(func(context.Context) error { return nil }))
	reporter.AddCheck("sessions", pingFunc(func(context.Context) error { return errors.New("connection refused") }))

	report := reporter.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "ok", report.Checks["alerts"])
	assert.Equal(t, "connection refused", report.Checks["sessions"])

	// stopping twice is safe
	reporter.Stop()
	reporter.Stop()
}
