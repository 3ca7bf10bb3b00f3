package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/otpgw/otpgw/internal/database/models"
)

// reputationRepo implements ReputationRepository.
type reputationRepo struct {
	db *DB
}

// NewReputationRepository creates a new ReputationRepository.
func NewReputationRepository(db *DB) ReputationRepository {
	return &reputationRepo{db: db}
}

// Get returns the reputation row for a key, or nil if never seen.
func (r *reputationRepo) Get(ctx context.Context, kind, key string) (*models.Reputation, error) {
	var rep models.Reputation
	err := r.db.QueryRowContext(ctx,
		`SELECT id, kind, key, total, verified, failed, banned, first_seen, last_seen
		 FROM reputation WHERE kind = ? AND key = ?`, kind, key,
	).Scan(&rep.ID, &rep.Kind, &rep.Key, &rep.Total, &rep.Verified, &rep.Failed,
		&rep.Banned, &rep.FirstSeen, &rep.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying reputation: %w", err)
	}
	return &rep, nil
}

// Touch bumps the total counter and last_seen, creating the row on
// first sight.
func (r *reputationRepo) Touch(ctx context.Context, kind, key string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reputation (kind, key, total, verified, failed, banned, first_seen, last_seen)
		 VALUES (?, ?, 1, 0, 0, 0, ?, ?)
		 ON CONFLICT(kind, key) DO UPDATE SET
		   total = total + 1,
		   last_seen = excluded.last_seen`,
		kind, key, now, now,
	)
	if err != nil {
		return fmt.Errorf("touching reputation: %w", err)
	}
	return nil
}

// RecordVerified bumps the verified counter.
func (r *reputationRepo) RecordVerified(ctx context.Context, kind, key string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reputation (kind, key, total, verified, failed, banned, first_seen, last_seen)
		 VALUES (?, ?, 0, 1, 0, 0, ?, ?)
		 ON CONFLICT(kind, key) DO UPDATE SET
		   verified = verified + 1,
		   last_seen = excluded.last_seen`,
		kind, key, now, now,
	)
	if err != nil {
		return fmt.Errorf("recording verified reputation: %w", err)
	}
	return nil
}

// RecordFailed bumps the failed counter.
func (r *reputationRepo) RecordFailed(ctx context.Context, kind, key string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reputation (kind, key, total, verified, failed, banned, first_seen, last_seen)
		 VALUES (?, ?, 0, 0, 1, 0, ?, ?)
		 ON CONFLICT(kind, key) DO UPDATE SET
		   failed = failed + 1,
		   last_seen = excluded.last_seen`,
		kind, key, now, now,
	)
	if err != nil {
		return fmt.Errorf("recording failed reputation: %w", err)
	}
	return nil
}

// IsBanned reports whether an operator banned this key.
func (r *reputationRepo) IsBanned(ctx context.Context, kind, key string) (bool, error) {
	var banned bool
	err := r.db.QueryRowContext(ctx,
		`SELECT banned FROM reputation WHERE kind = ? AND key = ?`, kind, key,
	).Scan(&banned)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying reputation ban: %w", err)
	}
	return banned, nil
}

// SetBanned sets or clears the operator ban flag, creating the row if
// the key was never seen.
func (r *reputationRepo) SetBanned(ctx context.Context, kind, key string, banned bool, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reputation (kind, key, total, verified, failed, banned, first_seen, last_seen)
		 VALUES (?, ?, 0, 0, 0, ?, ?, ?)
		 ON CONFLICT(kind, key) DO UPDATE SET
		   banned = excluded.banned,
		   last_seen = excluded.last_seen`,
		kind, key, banned, now, now,
	)
	if err != nil {
		return fmt.Errorf("setting reputation ban: %w", err)
	}
	return nil
}

// List returns reputation rows of one kind ordered by most recently
// seen, along with the total count.
func (r *reputationRepo) List(ctx context.Context, kind string, limit, offset int) ([]models.Reputation, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reputation WHERE kind = ?`, kind).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting reputation rows: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, key, total, verified, failed, banned, first_seen, last_seen
		 FROM reputation WHERE kind = ? ORDER BY last_seen DESC LIMIT ? OFFSET ?`,
		kind, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing reputation rows: %w", err)
	}
	defer rows.Close()

	var reps []models.Reputation
	for rows.Next() {
		var rep models.Reputation
		if err := rows.Scan(&rep.ID, &rep.Kind, &rep.Key, &rep.Total, &rep.Verified,
			&rep.Failed, &rep.Banned, &rep.FirstSeen, &rep.LastSeen); err != nil {
			return nil, 0, fmt.Errorf("scanning reputation row: %w", err)
		}
		reps = append(reps, rep)
	}
	return reps, total, rows.Err()
}
