package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/otpgw/otpgw/internal/database/models"
)

// breakerRepo implements CircuitBreakerRepository.
type breakerRepo struct {
	db *DB
}

// NewCircuitBreakerRepository creates a new CircuitBreakerRepository.
func NewCircuitBreakerRepository(db *DB) CircuitBreakerRepository {
	return &breakerRepo{db: db}
}

// Get returns the breaker for a key, or nil if none exists yet.
func (r *breakerRepo) Get(ctx context.Context, key string) (*models.CircuitBreaker, error) {
	var cb models.CircuitBreaker
	err := r.db.QueryRowContext(ctx,
		`SELECT id, key, failures, successes, state, opened_at, updated_at
		 FROM circuit_breakers WHERE key = ?`, key,
	).Scan(&cb.ID, &cb.Key, &cb.Failures, &cb.Successes, &cb.State, &cb.OpenedAt, &cb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying circuit breaker: %w", err)
	}
	return &cb, nil
}

// RecordFailure bumps the failure count, creating the breaker closed
// on first failure, and returns the new count.
func (r *breakerRepo) RecordFailure(ctx context.Context, key string, now time.Time) (int64, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO circuit_breakers (key, failures, successes, state, updated_at)
		 VALUES (?, 1, 0, 'closed', ?)
		 ON CONFLICT(key) DO UPDATE SET
		   failures = failures + 1,
		   updated_at = excluded.updated_at`,
		key, now,
	)
	if err != nil {
		return 0, fmt.Errorf("recording breaker failure: %w", err)
	}

	var failures int64
	err = r.db.QueryRowContext(ctx,
		`SELECT failures FROM circuit_breakers WHERE key = ?`, key).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("reading breaker failure count: %w", err)
	}
	return failures, nil
}

// Open flips the breaker open. opened_at keeps the first opening time
// if the breaker was already open.
func (r *breakerRepo) Open(ctx context.Context, key string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO circuit_breakers (key, failures, successes, state, opened_at, updated_at)
		 VALUES (?, 0, 0, 'open', ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   state = 'open',
		   opened_at = COALESCE(opened_at, excluded.opened_at),
		   updated_at = excluded.updated_at`,
		key, now, now,
	)
	if err != nil {
		return fmt.Errorf("opening circuit breaker: %w", err)
	}
	return nil
}

// Reset closes the breaker after a successful verification: failures
// drop to zero and the success counter is bumped.
func (r *breakerRepo) Reset(ctx context.Context, key string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO circuit_breakers (key, failures, successes, state, updated_at)
		 VALUES (?, 0, 1, 'closed', ?)
		 ON CONFLICT(key) DO UPDATE SET
		   failures = 0,
		   successes = successes + 1,
		   state = 'closed',
		   opened_at = NULL,
		   updated_at = excluded.updated_at`,
		key, now,
	)
	if err != nil {
		return fmt.Errorf("resetting circuit breaker: %w", err)
	}
	return nil
}
