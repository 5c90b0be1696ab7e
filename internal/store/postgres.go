package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS action_outcomes (
        id           BIGSERIAL PRIMARY KEY,
        run_id       TEXT        NOT NULL,
        account      TEXT        NOT NULL,
        action       TEXT        NOT NULL,
        target       TEXT        NOT NULL,
        payload      TEXT        NOT NULL DEFAULT '',
        verdict      TEXT        NOT NULL,
        reason       TEXT        NOT NULL DEFAULT '',
        strategy     TEXT        NOT NULL DEFAULT '',
        session_id   TEXT        NOT NULL DEFAULT '',
        attempted_at TIMESTAMPTZ NOT NULL,
        duration_ms  BIGINT      NOT NULL DEFAULT 0
    )`,
	`CREATE INDEX IF NOT EXISTS action_outcomes_account_idx ON action_outcomes (account, attempted_at)`,
}

var outcomeColumns = []string{
	"run_id", "account", "action", "target", "payload", "verdict",
	"reason", "strategy", "session_id", "attempted_at", "duration_ms",
}

const selectOutcomesSQL = `
        SELECT action, target, payload, verdict, reason, strategy, session_id, attempted_at, duration_ms
        FROM action_outcomes
        WHERE account = $1
        ORDER BY attempted_at ASC, id ASC;
    `

// Postgres is the PostgreSQL Repository.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres verifies the connection and creates the outcomes table if needed.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &Postgres{pool: pool, log: logger.Named("store.postgres")}, nil
}

func (s *Postgres) SaveOutcomes(ctx context.Context, runID, account string, outcomes []schemas.ActionOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a commit reports ErrTxClosed.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rows := make([][]any, len(outcomes))
	for i, o := range outcomes {
		rows[i] = []any{
			runID, account,
			string(o.Request.Type), o.Request.Target, o.Request.Payload,
			string(o.Verdict), o.Reason, o.Strategy, o.SessionID,
			o.AttemptedAt.UTC(), o.Duration.Milliseconds(),
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"action_outcomes"}, outcomeColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy outcomes: %w", err)
	}
	if int(n) != len(outcomes) {
		return fmt.Errorf("mismatch in copied outcomes count: expected %d, got %d", len(outcomes), n)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Outcomes persisted.", zap.String("run_id", runID), zap.Int("count", len(outcomes)))
	return nil
}

func (s *Postgres) LoadOutcomes(ctx context.Context, account string) ([]schemas.ActionOutcome, error) {
	rows, err := s.pool.Query(ctx, selectOutcomesSQL, account)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []schemas.ActionOutcome
	for rows.Next() {
		var (
			action, verdict string
			attemptedAt     time.Time
			durationMS      int64
			o               schemas.ActionOutcome
		)
		if err := rows.Scan(
			&action, &o.Request.Target, &o.Request.Payload,
			&verdict, &o.Reason, &o.Strategy, &o.SessionID,
			&attemptedAt, &durationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		o.Request.Type = schemas.ActionType(action)
		o.Verdict = schemas.Verdict(verdict)
		o.AttemptedAt = attemptedAt.UTC()
		o.Duration = time.Duration(durationMS) * time.Millisecond
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return outcomes, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
