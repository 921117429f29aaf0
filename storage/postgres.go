package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hotel_sweeper/models"
)

// PostgresStore is an optional analytics mirror. Completed run outcomes
// are exported here so reporting queries never touch the live SQLite
// file. The sweep itself works without it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sweep_run_outcomes (
			source_run_id BIGINT PRIMARY KEY,
			destination_key TEXT NOT NULL,
			destination_name TEXT NOT NULL DEFAULT '',
			destination_group TEXT NOT NULL DEFAULT '',
			label TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			failure_reason TEXT,
			total_hotels INTEGER NOT NULL DEFAULT 0,
			total_rates INTEGER NOT NULL DEFAULT 0,
			search_signature TEXT NOT NULL,
			exported_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sweep_run_outcomes_destination
			ON sweep_run_outcomes (destination_key, started_at DESC)`)
	return err
}

func (s *PostgresStore) UpsertRunOutcome(ctx context.Context, run *models.SearchRun) error {
	query := `
		INSERT INTO sweep_run_outcomes (
			source_run_id, destination_key, destination_name, destination_group,
			label, status, started_at, completed_at, failure_reason,
			total_hotels, total_rates, search_signature, exported_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW()
		)
		ON CONFLICT (source_run_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			failure_reason = EXCLUDED.failure_reason,
			total_hotels = EXCLUDED.total_hotels,
			total_rates = EXCLUDED.total_rates,
			exported_at = NOW()`

	var failureReason *string
	if run.FailureReason != "" {
		failureReason = &run.FailureReason
	}
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.DestinationKey, run.DestinationName, run.DestinationGroup,
		run.Label, run.Status, run.StartedAt, run.CompletedAt, failureReason,
		run.TotalHotels, run.TotalRates, run.Signature,
	)
	return err
}

func (s *PostgresStore) GetRunOutcome(ctx context.Context, sourceRunID int64) (*models.SearchRun, error) {
	query := `
		SELECT source_run_id, destination_key, destination_name, destination_group,
			label, status, started_at, completed_at, failure_reason,
			total_hotels, total_rates, search_signature
		FROM sweep_run_outcomes WHERE source_run_id = $1`

	var run models.SearchRun
	var failureReason *string
	err := s.pool.QueryRow(ctx, query, sourceRunID).Scan(
		&run.ID, &run.DestinationKey, &run.DestinationName, &run.DestinationGroup,
		&run.Label, &run.Status, &run.StartedAt, &run.CompletedAt, &failureReason,
		&run.TotalHotels, &run.TotalRates, &run.Signature,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if failureReason != nil {
		run.FailureReason = *failureReason
	}
	return &run, nil
}
