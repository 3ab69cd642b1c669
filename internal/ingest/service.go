package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/identity"
	"github.com/t77yq/proctor-alerts/internal/model"
	"github.com/t77yq/proctor-alerts/internal/severity"
	"github.com/t77yq/proctor-alerts/internal/storage"
)

// Stage is a step of the per-request ingestion state machine
type Stage string

const (
	StageReceived        Stage = "received"
	StageValidated       Stage = "validated"
	StageSessionResolved Stage = "session_resolved"
	StageClassified      Stage = "classified"
	StagePersisted       Stage = "persisted"
	StageAcknowledged    Stage = "acknowledged"
	StageRejected        Stage = "rejected"
	StageFailed          Stage = "failed"
)

const unknownClient = "unknown"

// Publisher announces persisted alerts
type Publisher interface {
	PublishAlert(ctx context.Context, event *model.AlertEvent) error
}

// Recorder receives ingestion metrics
type Recorder interface {
	RecordOutcome(stage string)
	RecordAlert(severity model.Severity)
	RecordLatency(d time.Duration)
}

// Option configures a Service
type Option func(*Service)

// WithPublisher publishes every accepted alert
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder records ingestion metrics
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock replaces time.Now for timestamps and session days
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service validates alert reports and records them in the alert and session stores
type Service struct {
	logger    *zap.Logger
	alerts    storage.AlertStore
	sessions  storage.SessionStore
	publisher Publisher
	recorder  Recorder
	validate  *validator.Validate
	now       func() time.Time
}

// NewService creates an ingestion service
func NewService(logger *zap.Logger, alerts storage.AlertStore, sessions storage.SessionStore, opts ...Option) *Service {
	s := &Service{
		logger:   logger.Named("ingest"),
		alerts:   alerts,
		sessions: sessions,
		validate: newValidator(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit decodes a JSON payload and processes it
func (s *Service) Submit(ctx context.Context, data []byte, sourceAddress, clientSignature string) (*model.IngestResult, error) {
	payload, err := DecodePayload(data)
	if err != nil {
		s.finish(StageRejected, time.Now())
		s.logger.Info("Alert rejected",
			zap.String("source_address", sourceAddress),
			zap.Error(err))
		return nil, err
	}
	return s.Process(ctx, payload, sourceAddress, clientSignature)
}

// Process runs one alert through validation, classification and persistence.
// It returns ErrInvalidInput before any write, or ErrStore if a write failed.
func (s *Service) Process(ctx context.Context, payload *Payload, sourceAddress, clientSignature string) (*model.IngestResult, error) {
	started := time.Now()
	stage := StageReceived

	if err := validatePayload(s.validate, payload); err != nil {
		s.finish(StageRejected, started)
		s.logger.Info("Alert rejected",
			zap.String("source_address", sourceAddress),
			zap.Error(err))
		return nil, err
	}
	stage = s.advance(stage, StageValidated)

	sourceAddress = normalizeClient(sourceAddress)
	clientSignature = normalizeClient(clientSignature)
	now := s.now().UTC()
	sessionID := identity.Resolve(sourceAddress, clientSignature, now)
	stage = s.advance(stage, StageSessionResolved)

	confidence := float64(*payload.Confidence)
	sev := severity.Classify(confidence)
	recommendations := severity.Recommend(confidence)
	stage = s.advance(stage, StageClassified)

	alert := &model.Alert{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Type:            payload.AlertType(),
		Message:         payload.Message,
		Confidence:      confidence,
		Evidence:        payload.Evidence,
		Timestamp:       now,
		SourceAddress:   sourceAddress,
		ClientSignature: clientSignature,
	}

	if err := s.persist(ctx, alert); err != nil {
		s.finish(StageFailed, started)
		return nil, err
	}
	stage = s.advance(stage, StagePersisted)

	if s.publisher != nil {
		event := &model.AlertEvent{Alert: alert, Severity: sev}
		if err := s.publisher.PublishAlert(ctx, event); err != nil {
			s.logger.Warn("Failed to publish alert event",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}
	if s.recorder != nil {
		s.recorder.RecordAlert(sev)
	}

	s.advance(stage, StageAcknowledged)
	s.finish(StageAcknowledged, started)

	s.logger.Info("Alert processed",
		zap.String("session_id", sessionID),
		zap.String("alert_id", alert.ID),
		zap.String("alert_type", alert.Type),
		zap.Float64("confidence", confidence),
		zap.String("severity", string(sev)))

	return &model.IngestResult{
		Status:          "processed",
		SessionID:       sessionID,
		AlertID:         alert.ID,
		Severity:        sev,
		Recommendations: recommendations,
		Timestamp:       now,
	}, nil
}

// persist appends the alert and then advances its session aggregate.
// If the upsert fails the alert stays recorded and the aggregate lags until
// the next reconciliation.
func (s *Service) persist(ctx context.Context, alert *model.Alert) error {
	if err := s.alerts.Append(ctx, alert); err != nil {
		s.logger.Error("Failed to append alert",
			zap.String("session_id", alert.SessionID),
			zap.Error(err))
		return asStoreError("append alert", err)
	}

	err := s.sessions.Upsert(ctx, model.Observation{
		SessionID:       alert.SessionID,
		ObservedAt:      alert.Timestamp,
		Confidence:      alert.Confidence,
		SourceAddress:   alert.SourceAddress,
		ClientSignature: alert.ClientSignature,
	})
	if err != nil {
		s.logger.Error("Failed to update session aggregate, alert recorded without it",
			zap.String("session_id", alert.SessionID),
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return asStoreError("update session", err)
	}
	return nil
}

func (s *Service) advance(from, to Stage) Stage {
	if ce := s.logger.Check(zap.DebugLevel, "Ingestion stage"); ce != nil {
		ce.Write(zap.String("from", string(from)), zap.String("to", string(to)))
	}
	return to
}

func (s *Service) finish(stage Stage, started time.Time) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordOutcome(string(stage))
	s.recorder.RecordLatency(time.Since(started))
}

func asStoreError(op string, err error) error {
	if errors.Is(err, ErrStore) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", ErrStore, op, err)
}

func normalizeClient(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return unknownClient
	}
	return value
}
