package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/config"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func sampleOutcomes() []schemas.ActionOutcome {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	return []schemas.ActionOutcome{
		{
			Request:     schemas.ActionRequest{Type: schemas.ActionFollow, Target: "alice"},
			Verdict:     schemas.VerdictConfirmed,
			Reason:      `confirmed by immediate-recheck: observed "Following"`,
			Strategy:    "immediate-recheck",
			SessionID:   "s-1",
			AttemptedAt: at,
			Duration:    1500 * time.Millisecond,
		},
		{
			Request:     schemas.ActionRequest{Type: schemas.ActionComment, Target: "1790", Payload: "nice"},
			Verdict:     schemas.VerdictUnconfirmed,
			Reason:      "no strategy confirmed the action",
			SessionID:   "s-1",
			AttemptedAt: at.Add(time.Minute),
			Duration:    30 * time.Second,
		},
	}
}

func newMockPostgres(t *testing.T, logger *zap.Logger) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	for _, stmt := range postgresSchema {
		mockPool.ExpectExec(flexibleSQLMatcher(stmt)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	s, err := NewPostgres(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func TestNewPostgres(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgres(context.Background(), mockPool, zap.NewNop())
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return error if the schema cannot be applied", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		mockPool.ExpectExec(flexibleSQLMatcher(postgresSchema[0])).WillReturnError(errors.New("permission denied"))

		_, err = NewPostgres(context.Background(), mockPool, zap.NewNop())
		assert.ErrorContains(t, err, "failed to apply schema")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresSaveOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("should copy all outcomes and commit without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockPostgres(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"action_outcomes"}, outcomeColumns).WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveOutcomes(ctx, "run-1", "me", sampleOutcomes()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should fail on a short copy", func(t *testing.T) {
		s, mockPool := newMockPostgres(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"action_outcomes"}, outcomeColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.SaveOutcomes(ctx, "run-1", "me", sampleOutcomes())
		assert.ErrorContains(t, err, "mismatch in copied outcomes count")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when copy fails", func(t *testing.T) {
		s, mockPool := newMockPostgres(t, zap.NewNop())

		copyErr := errors.New("connection reset")
		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"action_outcomes"}, outcomeColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.SaveOutcomes(ctx, "run-1", "me", sampleOutcomes())
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should not open a transaction for an empty run", func(t *testing.T) {
		s, mockPool := newMockPostgres(t, zap.NewNop())
		require.NoError(t, s.SaveOutcomes(ctx, "run-1", "me", nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresLoadOutcomes(t *testing.T) {
	ctx := context.Background()
	columns := []string{"action", "target", "payload", "verdict", "reason", "strategy", "session_id", "attempted_at", "duration_ms"}

	t.Run("should map rows back to outcomes", func(t *testing.T) {
		s, mockPool := newMockPostgres(t, zap.NewNop())
		want := sampleOutcomes()

		rows := pgxmock.NewRows(columns)
		for _, o := range want {
			rows.AddRow(string(o.Request.Type), o.Request.Target, o.Request.Payload,
				string(o.Verdict), o.Reason, o.Strategy, o.SessionID,
				o.AttemptedAt, o.Duration.Milliseconds())
		}
		mockPool.ExpectQuery(flexibleSQLMatcher(selectOutcomesSQL)).WithArgs("me").WillReturnRows(rows)

		got, err := s.LoadOutcomes(ctx, "me")
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query errors", func(t *testing.T) {
		s, mockPool := newMockPostgres(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(selectOutcomesSQL)).WithArgs("me").WillReturnError(errors.New("relation does not exist"))

		_, err := s.LoadOutcomes(ctx, "me")
		assert.ErrorContains(t, err, "failed to query outcomes")
	})
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "outcomes.db")

	s, err := NewSQLite(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)

	want := sampleOutcomes()
	require.NoError(t, s.SaveOutcomes(ctx, "run-1", "me", want[1:]))
	require.NoError(t, s.SaveOutcomes(ctx, "run-2", "me", want[:1]))
	require.NoError(t, s.SaveOutcomes(ctx, "run-3", "someone-else", want))
	require.NoError(t, s.Close())

	// Reopening must keep the rows and tolerate the existing schema.
	s, err = NewSQLite(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadOutcomes(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, want, got, "rows come back ordered by attempt time")

	none, err := s.LoadOutcomes(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	repo, err := Open(ctx, config.StoreConfig{Driver: "none"}, logger)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, repo)
	assert.NoError(t, repo.SaveOutcomes(ctx, "run", "me", sampleOutcomes()))
	loaded, err := repo.LoadOutcomes(ctx, "me")
	assert.NoError(t, err)
	assert.Empty(t, loaded)

	repo, err = Open(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "o.db")}, logger)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, repo)
	assert.NoError(t, repo.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "mongo"}, logger)
	assert.ErrorContains(t, err, `unknown store driver "mongo"`)
}
