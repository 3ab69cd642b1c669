package storage

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/model"
)

const sessionColumns = "id, start_time_ns, end_time_ns, total_alerts, max_confidence, ip_address, user_agent"

// SQLiteSessionStore implements SessionStore using SQLite.
// Upsert is a single INSERT ... ON CONFLICT statement, so concurrent alerts for
// the same session cannot lose an increment or a max update.
type SQLiteSessionStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteSessionStore creates a session store on a database opened with OpenSQLite
func NewSQLiteSessionStore(logger *zap.Logger, db *sql.DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{
		logger: logger.Named("session-store"),
		db:     db,
	}
}

// Upsert implements SessionStore.Upsert
func (s *SQLiteSessionStore) Upsert(ctx context.Context, obs model.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time_ns = excluded.end_time_ns,
			total_alerts = sessions.total_alerts + 1,
			max_confidence = MAX(sessions.max_confidence, excluded.max_confidence),
			ip_address = excluded.ip_address,
			user_agent = excluded.user_agent`,
		obs.SessionID,
		toNanos(obs.ObservedAt),
		toNanos(obs.ObservedAt),
		obs.Confidence,
		obs.SourceAddress,
		obs.ClientSignature,
	)
	if err != nil {
		return storeError("upsert session", err)
	}
	return nil
}

// Repair implements SessionStore.Repair. Each branch is a single statement,
// so an Upsert can't land between the comparison and the write.
func (s *SQLiteSessionStore) Repair(ctx context.Context, agg *model.SessionAggregate, expectedTotal int64) (bool, error) {
	var res sql.Result
	var err error
	if expectedTotal == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			agg.SessionID,
			toNanos(agg.StartTime),
			toNanos(agg.LastSeenTime),
			agg.TotalAlerts,
			agg.MaxConfidence,
			agg.SourceAddress,
			agg.ClientSignature,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sessions SET
				start_time_ns = ?,
				end_time_ns = ?,
				total_alerts = ?,
				max_confidence = ?,
				ip_address = ?,
				user_agent = ?
			WHERE id = ? AND total_alerts = ?`,
			toNanos(agg.StartTime),
			toNanos(agg.LastSeenTime),
			agg.TotalAlerts,
			agg.MaxConfidence,
			agg.SourceAddress,
			agg.ClientSignature,
			agg.SessionID,
			expectedTotal,
		)
	}
	if err != nil {
		return false, storeError("repair session", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeError("repair session", err)
	}
	return affected == 1, nil
}

// Get implements SessionStore.Get
func (s *SQLiteSessionStore) Get(ctx context.Context, sessionID string) (*model.SessionAggregate, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID)
	agg, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeError("get session", err)
	}
	return agg, nil
}

// Top implements SessionStore.Top
func (s *SQLiteSessionStore) Top(ctx context.Context, n int) ([]*model.SessionAggregate, error) {
	if n <= 0 {
		return []*model.SessionAggregate{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		ORDER BY max_confidence DESC, total_alerts DESC, id ASC
		LIMIT ?`, n)
	if err != nil {
		return nil, storeError("list top sessions", err)
	}
	defer rows.Close()

	sessions := make([]*model.SessionAggregate, 0, n)
	for rows.Next() {
		agg, err := scanSession(rows)
		if err != nil {
			return nil, storeError("scan session", err)
		}
		sessions = append(sessions, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate top sessions", err)
	}
	return sessions, nil
}

// GlobalTotals implements SessionStore.GlobalTotals
func (s *SQLiteSessionStore) GlobalTotals(ctx context.Context) (model.Totals, error) {
	var totals model.Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_alerts), 0), COALESCE(AVG(max_confidence), 0)
		FROM sessions`).Scan(&totals.SessionCount, &totals.AlertCount, &totals.AverageMaxConfidence)
	if err != nil {
		return model.Totals{}, storeError("compute session totals", err)
	}
	return totals, nil
}

// Ping implements SessionStore.Ping
func (s *SQLiteSessionStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeError("ping database", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.SessionAggregate, error) {
	agg := &model.SessionAggregate{}
	var start, end int64
	var address, signature sql.NullString

	if err := row.Scan(&agg.SessionID, &start, &end, &agg.TotalAlerts, &agg.MaxConfidence, &address, &signature); err != nil {
		return nil, err
	}

	agg.StartTime = fromNanos(start)
	agg.LastSeenTime = fromNanos(end)
	agg.SourceAddress = address.String
	agg.ClientSignature = signature.String
	return agg, nil
}
