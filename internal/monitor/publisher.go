package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/model"
)

const (
	AlertStreamName    = "PROCTOR_ALERTS"
	AlertSubjectPrefix = "proctor.alert."

	alertStreamMaxAge = 7 * 24 * time.Hour
)

// AlertPublisher publishes persisted alerts to a JetStream stream,
// one subject per severity
type AlertPublisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewAlertPublisher creates a new alert publisher
func NewAlertPublisher(logger *zap.Logger, js nats.JetStreamContext) *AlertPublisher {
	return &AlertPublisher{
		logger: logger.Named("alert-publisher"),
		js:     js,
	}
}

// Start creates the alert stream if it doesn't exist
func (p *AlertPublisher) Start(ctx context.Context) error {
	stream, err := p.js.StreamInfo(AlertStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if stream == nil {
		_, err = p.js.AddStream(&nats.StreamConfig{
			Name:     AlertStreamName,
			Subjects: []string{AlertSubjectPrefix + "*"},
			Storage:  nats.FileStorage,
			MaxAge:   alertStreamMaxAge,
		}, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		p.logger.Info("Created alert stream", zap.String("stream", AlertStreamName))
	}

	return nil
}

// PublishAlert implements ingest.Publisher.
// The alert id is the JetStream message id, so a republished alert is dropped
// by the stream's duplicate window.
func (p *AlertPublisher) PublishAlert(ctx context.Context, event *model.AlertEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	subject := AlertSubjectPrefix + string(event.Severity)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(event.Alert.ID)); err != nil {
		return fmt.Errorf("failed to publish alert event: %w", err)
	}

	p.logger.Debug("Alert event published",
		zap.String("subject", subject),
		zap.String("alert_id", event.Alert.ID),
		zap.String("session_id", event.Alert.SessionID))
	return nil
}
