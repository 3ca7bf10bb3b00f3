package database

import (
	"context"
	"fmt"
	"time"

	"github.com/otpgw/otpgw/internal/database/models"
)

// honeypotRepo implements HoneypotRepository.
type honeypotRepo struct {
	db *DB
}

// NewHoneypotRepository creates a new HoneypotRepository.
func NewHoneypotRepository(db *DB) HoneypotRepository {
	return &honeypotRepo{db: db}
}

// Upsert traps a subnet or extends the expiry of an existing trap.
// The original reason is kept; repeated offences refresh the clock,
// not the story.
func (r *honeypotRepo) Upsert(ctx context.Context, subnet, reason string, expiresAt, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO honeypot (subnet, reason, expires_at, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(subnet) DO UPDATE SET
		   expires_at = excluded.expires_at`,
		subnet, reason, expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("upserting honeypot entry: %w", err)
	}
	return nil
}

// Contains reports whether a subnet is currently trapped. Expired
// entries do not count even before the sweeper removes them.
func (r *honeypotRepo) Contains(ctx context.Context, subnet string, now time.Time) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM honeypot WHERE subnet = ? AND expires_at > ?`,
		subnet, now,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking honeypot: %w", err)
	}
	return count > 0, nil
}

// List returns honeypot entries newest first, along with the total count.
func (r *honeypotRepo) List(ctx context.Context, limit, offset int) ([]models.HoneypotEntry, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM honeypot`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting honeypot entries: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, subnet, reason, expires_at, created_at
		 FROM honeypot ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing honeypot entries: %w", err)
	}
	defer rows.Close()

	var entries []models.HoneypotEntry
	for rows.Next() {
		var e models.HoneypotEntry
		if err := rows.Scan(&e.ID, &e.Subnet, &e.Reason, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning honeypot row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// DeleteExpired removes entries whose expiry has passed and returns
// how many were removed.
func (r *honeypotRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM honeypot WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired honeypot entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}
