package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/model"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"

	checkTimeout = 2 * time.Second
)

// Pinger is a dependency whose reachability is part of the health report
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter builds health reports from dependency pings and host
// statistics sampled in the background
type HealthReporter struct {
	logger   *zap.Logger
	version  string
	interval time.Duration
	checks   map[string]Pinger
	mu       sync.RWMutex
	cpuUsage float64
	memUsage float64
	stop     chan struct{}
	once     sync.Once
}

// NewHealthReporter creates a health reporter that samples host stats every interval
func NewHealthReporter(logger *zap.Logger, version string, interval time.Duration) *HealthReporter {
	return &HealthReporter{
		logger:   logger.Named("health"),
		version:  version,
		interval: interval,
		checks:   make(map[string]Pinger),
		stop:     make(chan struct{}),
	}
}

// AddCheck registers a dependency. Call before Start.
func (h *HealthReporter) AddCheck(name string, p Pinger) {
	h.checks[name] = p
}

// Start starts sampling host statistics
func (h *HealthReporter) Start(ctx context.Context) {
	h.sample(ctx)
	go h.sampleLoop(ctx)
}

// Stop stops sampling
func (h *HealthReporter) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// Check pings every dependency and returns the report
func (h *HealthReporter) Check(ctx context.Context) *model.Health {
	report := &model.Health{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Checks:    make(map[string]string, len(h.checks)),
	}

	for name, p := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := p.Ping(checkCtx)
		cancel()

		if err != nil {
			report.Status = StatusDegraded
			report.Checks[name] = err.Error()
			h.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		report.Checks[name] = "ok"
	}

	h.mu.RLock()
	report.CPUUsage = h.cpuUsage
	report.MemUsage = h.memUsage
	h.mu.RUnlock()

	return report
}

func (h *HealthReporter) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.sample(ctx)
		}
	}
}

func (h *HealthReporter) sample(ctx context.Context) {
	// zero interval compares against the previous call
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		h.logger.Debug("Failed to get CPU usage", zap.Error(err))
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		h.logger.Debug("Failed to get memory usage", zap.Error(err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(cpuPercent) > 0 {
		h.cpuUsage = cpuPercent[0]
	}
	if memInfo != nil {
		h.memUsage = memInfo.UsedPercent
	}
}
