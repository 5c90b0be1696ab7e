// Package store persists action outcomes so that a later run can seed its
// ledger and skip targets that were already confirmed.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/config"
)

// Repository is the outcome persistence boundary.
type Repository interface {
	// SaveOutcomes appends the outcomes of one run. Existing rows are never updated.
	SaveOutcomes(ctx context.Context, runID, account string, outcomes []schemas.ActionOutcome) error
	// LoadOutcomes returns every stored outcome for account, oldest first.
	LoadOutcomes(ctx context.Context, account string) ([]schemas.ActionOutcome, error)
	Close() error
}

// Open builds the repository selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Repository, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	case "sqlite":
		return NewSQLite(ctx, cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Nop discards everything it is given.
type Nop struct{}

func (Nop) SaveOutcomes(context.Context, string, string, []schemas.ActionOutcome) error { return nil }

func (Nop) LoadOutcomes(context.Context, string) ([]schemas.ActionOutcome, error) { return nil, nil }

func (Nop) Close() error { return nil }
