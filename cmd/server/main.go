package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/config"
	"github.com/t77yq/proctor-alerts/internal/ingest"
	"github.com/t77yq/proctor-alerts/internal/monitor"
	"github.com/t77yq/proctor-alerts/internal/query"
	"github.com/t77yq/proctor-alerts/internal/scheduler"
	"github.com/t77yq/proctor-alerts/internal/service"
	"github.com/t77yq/proctor-alerts/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load("./config")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting service",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Open stores
	stores, err := openStores(logger, cfg)
	if err != nil {
		logger.Fatal("Failed to open stores", zap.Error(err))
	}
	defer stores.Close()

	// Connect to NATS
	nc, err := connectNATS(logger, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(registry)

	ingestOpts := []ingest.Option{ingest.WithRecorder(metrics)}
	if cfg.NATS.PublishEvents {
		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}

		publisher := monitor.NewAlertPublisher(logger, js)
		if err := publisher.Start(ctx); err != nil {
			logger.Fatal("Failed to start alert publisher", zap.Error(err))
		}
		ingestOpts = append(ingestOpts, ingest.WithPublisher(publisher))
	}

	ingestService := ingest.NewService(logger, stores.alerts, stores.sessions, ingestOpts...)
	queryService := query.NewService(logger, stores.alerts, stores.sessions)

	// Health
	health := monitor.NewHealthReporter(logger, cfg.App.Version, cfg.Health.SampleInterval)
	health.AddCheck("alert_store", stores.alerts)
	health.AddCheck("session_store", stores.sessions)
	health.Start(ctx)
	defer health.Stop()

	// Maintenance
	maintenance := scheduler.NewCronScheduler(logger, 10*time.Minute)
	reconciler := ingest.NewReconciler(logger, stores.alerts, stores.sessions,
		ingest.WithSettleWindow(cfg.Scheduler.ReconcileSettle))
	if err := maintenance.AddReconcileJob(cfg.Scheduler.ReconcileSchedule, reconciler); err != nil {
		logger.Fatal("Failed to schedule reconciliation", zap.Error(err))
	}
	maintenance.Start(ctx)

	// RPC
	rpc := service.NewRPCServer(nc, logger, ingestService, queryService, health, service.RPCConfig{
		RequestTimeout: cfg.RPC.RequestTimeout,
		MaxInFlight:    cfg.RPC.MaxInFlight,
	})
	if err := rpc.Start(ctx); err != nil {
		logger.Fatal("Failed to start RPC server", zap.Error(err))
	}

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	rpc.Stop()
	maintenance.Stop()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to shut down metrics server", zap.Error(err))
	}

	if err := nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, err
		}
		zapConfig.Level = level
	}

	return zapConfig.Build()
}

func connectNATS(logger *zap.Logger, cfg *config.Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	url := strings.Join(cfg.NATS.URLs, ",")
	retries := cfg.NATS.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	// Connect with retry
	var nc *nats.Conn
	var err error
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

type stores struct {
	alerts   storage.AlertStore
	sessions storage.SessionStore
	db       *sql.DB
	redis    *storage.RedisSessionStore
}

func openStores(logger *zap.Logger, cfg *config.Config) (*stores, error) {
	s := &stores{}

	if cfg.Storage.AlertDriver == config.DriverSQLite || cfg.Storage.SessionDriver == config.DriverSQLite {
		db, err := storage.OpenSQLite(logger, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.db = db
	}

	switch cfg.Storage.AlertDriver {
	case config.DriverSQLite:
		s.alerts = storage.NewSQLiteAlertStore(logger, s.db)
	default:
		s.alerts = storage.NewMemoryAlertStore()
	}

	switch cfg.Storage.SessionDriver {
	case config.DriverSQLite:
		s.sessions = storage.NewSQLiteSessionStore(logger, s.db)
	case config.DriverRedis:
		redisStore, err := storage.NewRedisSessionStore(logger, storage.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.redis = redisStore
		s.sessions = redisStore
	default:
		s.sessions = storage.NewMemorySessionStore()
	}

	logger.Info("Stores opened",
		zap.String("alert_driver", cfg.Storage.AlertDriver),
		zap.String("session_driver", cfg.Storage.SessionDriver))
	return s, nil
}

func (s *stores) Close() {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}
