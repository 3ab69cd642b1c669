package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/model"
)

const alertColumns = "alert_id, session_id, alert_type, message, confidence, evidence, timestamp_ns, ip_address, user_agent"

// SQLiteAlertStore implements AlertStore using SQLite
type SQLiteAlertStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteAlertStore creates an alert store on a database opened with OpenSQLite
func NewSQLiteAlertStore(logger *zap.Logger, db *sql.DB) *SQLiteAlertStore {
	return &SQLiteAlertStore{
		logger: logger.Named("alert-store"),
		db:     db,
	}
}

// Append implements AlertStore.Append
func (s *SQLiteAlertStore) Append(ctx context.Context, alert *model.Alert) error {
	var evidence sql.NullString
	if len(alert.Evidence) > 0 {
		data, err := json.Marshal(alert.Evidence)
		if err != nil {
			return fmt.Errorf("failed to marshal evidence: %w", err)
		}
		evidence = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.SessionID,
		alert.Type,
		alert.Message,
		alert.Confidence,
		evidence,
		toNanos(alert.Timestamp),
		alert.SourceAddress,
		alert.ClientSignature,
	)
	if err != nil {
		return storeError("append alert", err)
	}
	return nil
}

// ListBySession implements AlertStore.ListBySession
func (s *SQLiteAlertStore) ListBySession(ctx context.Context, sessionID string) ([]*model.Alert, error) {
	return s.query(ctx, "list session alerts",
		"SELECT "+alertColumns+" FROM alerts WHERE session_id = ? ORDER BY timestamp_ns ASC, id ASC",
		sessionID)
}

// Recent implements AlertStore.Recent
func (s *SQLiteAlertStore) Recent(ctx context.Context, limit int) ([]*model.Alert, error) {
	return s.query(ctx, "list recent alerts",
		"SELECT "+alertColumns+" FROM alerts ORDER BY timestamp_ns DESC, id DESC LIMIT ?",
		limit)
}

// CountByType implements AlertStore.CountByType
func (s *SQLiteAlertStore) CountByType(ctx context.Context) (map[string]int64, error) {
	return s.countTypes(ctx, "SELECT alert_type, COUNT(*) FROM alerts GROUP BY alert_type")
}

// CountBySessionType implements AlertStore.CountBySessionType
func (s *SQLiteAlertStore) CountBySessionType(ctx context.Context, sessionID string) (map[string]int64, error) {
	return s.countTypes(ctx,
		"SELECT alert_type, COUNT(*) FROM alerts WHERE session_id = ? GROUP BY alert_type",
		sessionID)
}

// Summaries implements AlertStore.Summaries
func (s *SQLiteAlertStore) Summaries(ctx context.Context) ([]model.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			a.session_id,
			COUNT(*),
			MAX(a.confidence),
			MIN(a.timestamp_ns),
			(SELECT b.timestamp_ns FROM alerts b WHERE b.session_id = a.session_id ORDER BY b.id DESC LIMIT 1),
			(SELECT b.ip_address FROM alerts b WHERE b.session_id = a.session_id ORDER BY b.id DESC LIMIT 1),
			(SELECT b.user_agent FROM alerts b WHERE b.session_id = a.session_id ORDER BY b.id DESC LIMIT 1)
		FROM alerts a
		GROUP BY a.session_id`)
	if err != nil {
		return nil, storeError("summarize alerts", err)
	}
	defer rows.Close()

	var summaries []model.SessionSummary
	for rows.Next() {
		var sum model.SessionSummary
		var first, last int64
		var address, signature sql.NullString
		if err := rows.Scan(&sum.SessionID, &sum.Count, &sum.MaxConfidence, &first, &last, &address, &signature); err != nil {
			return nil, storeError("scan alert summary", err)
		}
		sum.FirstSeen = fromNanos(first)
		sum.LastSeen = fromNanos(last)
		sum.SourceAddress = address.String
		sum.ClientSignature = signature.String
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate alert summaries", err)
	}
	return summaries, nil
}

// Ping implements AlertStore.Ping
func (s *SQLiteAlertStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeError("ping database", err)
	}
	return nil
}

func (s *SQLiteAlertStore) query(ctx context.Context, op, query string, args ...interface{}) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	alerts := make([]*model.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return alerts, nil
}

func (s *SQLiteAlertStore) countTypes(ctx context.Context, query string, args ...interface{}) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("count alert types", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var alertType string
		var count int64
		if err := rows.Scan(&alertType, &count); err != nil {
			return nil, storeError("scan alert type count", err)
		}
		counts[alertType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate alert type counts", err)
	}
	return counts, nil
}

func scanAlert(rows rowScanner) (*model.Alert, error) {
	alert := &model.Alert{}
	var evidence, address, signature sql.NullString
	var ts int64

	err := rows.Scan(
		&alert.ID,
		&alert.SessionID,
		&alert.Type,
		&alert.Message,
		&alert.Confidence,
		&evidence,
		&ts,
		&address,
		&signature,
	)
	if err != nil {
		return nil, err
	}

	alert.Timestamp = fromNanos(ts)
	alert.SourceAddress = address.String
	alert.ClientSignature = signature.String
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &alert.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
	}
	return alert, nil
}
