package database

import (
	"context"
	"fmt"
	"time"

	"github.com/otpgw/otpgw/internal/database/models"
)

// asnRepo implements ASNBlocklistRepository.
type asnRepo struct {
	db *DB
}

// NewASNBlocklistRepository creates a new ASNBlocklistRepository.
func NewASNBlocklistRepository(db *DB) ASNBlocklistRepository {
	return &asnRepo{db: db}
}

// Create inserts a blocklist entry.
func (r *asnRepo) Create(ctx context.Context, entry *models.ASNBlocklistEntry) error {
	entry.CreatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO asn_blocklist (asn, description, created_at) VALUES (?, ?, ?)`,
		entry.ASN, entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting asn blocklist entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// List returns all blocked ASNs.
func (r *asnRepo) List(ctx context.Context) ([]models.ASNBlocklistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, asn, description, created_at FROM asn_blocklist ORDER BY asn`)
	if err != nil {
		return nil, fmt.Errorf("querying asn blocklist: %w", err)
	}
	defer rows.Close()

	var entries []models.ASNBlocklistEntry
	for rows.Next() {
		var e models.ASNBlocklistEntry
		if err := rows.Scan(&e.ID, &e.ASN, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning asn blocklist row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a blocklist entry by ID.
func (r *asnRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM asn_blocklist WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting asn blocklist entry: %w", err)
	}
	return nil
}

// Contains reports whether an ASN is blocked.
func (r *asnRepo) Contains(ctx context.Context, asn int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM asn_blocklist WHERE asn = ?`, asn).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking asn blocklist: %w", err)
	}
	return count > 0, nil
}
