package database

import (
	"context"
	"fmt"
	"time"

	"github.com/otpgw/otpgw/internal/database/models"
)

// whitelistRepo implements WhitelistRepository.
type whitelistRepo struct {
	db *DB
}

// NewWhitelistRepository creates a new WhitelistRepository.
func NewWhitelistRepository(db *DB) WhitelistRepository {
	return &whitelistRepo{db: db}
}

// Create inserts a whitelist entry.
func (r *whitelistRepo) Create(ctx context.Context, entry *models.WhitelistEntry) error {
	entry.CreatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO whitelist (type, value, description, created_at) VALUES (?, ?, ?, ?)`,
		entry.Type, entry.Value, entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting whitelist entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// List returns all whitelist entries.
func (r *whitelistRepo) List(ctx context.Context) ([]models.WhitelistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, type, value, description, created_at FROM whitelist ORDER BY type, value`)
	if err != nil {
		return nil, fmt.Errorf("querying whitelist: %w", err)
	}
	defer rows.Close()

	var entries []models.WhitelistEntry
	for rows.Next() {
		var e models.WhitelistEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Value, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning whitelist row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a whitelist entry by ID.
func (r *whitelistRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM whitelist WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting whitelist entry: %w", err)
	}
	return nil
}

// Match reports whether the IP or the phone has a whitelist entry.
func (r *whitelistRepo) Match(ctx context.Context, ip, phone string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM whitelist
		 WHERE (type = 'ip' AND value = ?) OR (type = 'phone' AND value = ?)`,
		ip, phone,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("matching whitelist: %w", err)
	}
	return count > 0, nil
}
