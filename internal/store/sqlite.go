package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/socialdriver/api/schemas"
)

const sqliteSchema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS action_outcomes (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id       TEXT    NOT NULL,
		account      TEXT    NOT NULL,
		action       TEXT    NOT NULL,
		target       TEXT    NOT NULL,
		payload      TEXT    NOT NULL DEFAULT '',
		verdict      TEXT    NOT NULL,
		reason       TEXT    NOT NULL DEFAULT '',
		strategy     TEXT    NOT NULL DEFAULT '',
		session_id   TEXT    NOT NULL DEFAULT '',
		attempted_at INTEGER NOT NULL,
		duration_ms  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS action_outcomes_account_idx ON action_outcomes (account, attempted_at);
	`

// SQLite is the single-file Repository used for local runs.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps SQLITE_BUSY away from concurrent workers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, log: logger.Named("store.sqlite")}, nil
}

func (s *SQLite) SaveOutcomes(ctx context.Context, runID, account string, outcomes []schemas.ActionOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO action_outcomes (run_id, account, action, target, payload, verdict, reason, strategy, session_id, attempted_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		if _, err := stmt.ExecContext(ctx,
			runID, account,
			string(o.Request.Type), o.Request.Target, o.Request.Payload,
			string(o.Verdict), o.Reason, o.Strategy, o.SessionID,
			o.AttemptedAt.UnixNano(), o.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert outcome %s: %w", o.Request, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.log.Debug("Outcomes persisted.", zap.String("run_id", runID), zap.Int("count", len(outcomes)))
	return nil
}

func (s *SQLite) LoadOutcomes(ctx context.Context, account string) ([]schemas.ActionOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, target, payload, verdict, reason, strategy, session_id, attempted_at, duration_ms
		FROM action_outcomes
		WHERE account = ?
		ORDER BY attempted_at ASC, id ASC`, account)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []schemas.ActionOutcome
	for rows.Next() {
		var (
			action, verdict string
			attemptedAt     int64
			durationMS      int64
			o               schemas.ActionOutcome
		)
		if err := rows.Scan(
			&action, &o.Request.Target, &o.Request.Payload,
			&verdict, &o.Reason, &o.Strategy, &o.SessionID,
			&attemptedAt, &durationMS,
		); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		o.Request.Type = schemas.ActionType(action)
		o.Verdict = schemas.Verdict(verdict)
		o.AttemptedAt = time.Unix(0, attemptedAt).UTC()
		o.Duration = time.Duration(durationMS) * time.Millisecond
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outcomes, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
