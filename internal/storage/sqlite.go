package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		message TEXT NOT NULL,
		confidence REAL NOT NULL,
		evidence TEXT,
		timestamp_ns INTEGER NOT NULL,
		ip_address TEXT,
		user_agent TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_session_id ON alerts(session_id, timestamp_ns);
	CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp_ns);
	CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts(alert_type);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		start_time_ns INTEGER NOT NULL,
		end_time_ns INTEGER NOT NULL,
		total_alerts INTEGER NOT NULL DEFAULT 0,
		max_confidence REAL NOT NULL DEFAULT 0,
		ip_address TEXT,
		user_agent TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_rank ON sessions(max_confidence DESC, total_alerts DESC);
`

// OpenSQLite opens the SQLite database at path and creates the alert and
// session tables if they don't exist. The pool is limited to one connection,
// so SQLite sees a single writer.
func OpenSQLite(logger *zap.Logger, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("Database initialized", zap.String("path", path))
	return db, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
