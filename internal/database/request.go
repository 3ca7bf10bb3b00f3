package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/otpgw/otpgw/internal/database/models"
)

// requestRepo implements RequestRepository.
type requestRepo struct {
	db *DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *DB) RequestRepository {
	return &requestRepo{db: db}
}

const requestColumns = `id, phone, code_hash, session_id, status, channel_status, channel,
	 auth_status, channels_requested, ip_address, ip_subnet, asn, ip_country,
	 phone_country, phone_prefix, fraud_score, fraud_reasons, shadow_banned,
	 webhook_url, provider_id, error_message, sms_cost_units, voice_cost_units,
	 start_time, answer_time, end_time, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var req models.Request
	err := row.Scan(&req.ID, &req.Phone, &req.CodeHash, &req.SessionID, &req.Status,
		&req.ChannelStatus, &req.Channel, &req.AuthStatus, &req.ChannelsRequested,
		&req.IPAddress, &req.IPSubnet, &req.ASN, &req.IPCountry, &req.PhoneCountry,
		&req.PhonePrefix, &req.FraudScore, &req.FraudReasons, &req.ShadowBanned,
		&req.WebhookURL, &req.ProviderID, &req.ErrorMessage, &req.SMSCostUnits,
		&req.VoiceCostUnits, &req.StartTime, &req.AnswerTime, &req.EndTime,
		&req.CreatedAt, &req.UpdatedAt, &req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Create inserts a new request. CreatedAt and UpdatedAt are stamped here.
func (r *requestRepo) Create(ctx context.Context, req *models.Request) error {
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Phone, req.CodeHash, req.SessionID, req.Status, req.ChannelStatus,
		req.Channel, req.AuthStatus, req.ChannelsRequested, req.IPAddress, req.IPSubnet,
		req.ASN, req.IPCountry, req.PhoneCountry, req.PhonePrefix, req.FraudScore,
		req.FraudReasons, req.ShadowBanned, req.WebhookURL, req.ProviderID,
		req.ErrorMessage, req.SMSCostUnits, req.VoiceCostUnits, req.StartTime,
		req.AnswerTime, req.EndTime, req.CreatedAt, req.UpdatedAt, req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

// GetByID returns a request by its UUID, or nil if not found.
func (r *requestRepo) GetByID(ctx context.Context, id string) (*models.Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying request by id: %w", err)
	}
	return req, nil
}

// GetByProviderID returns the request a provider message ID belongs
// to, matching case-insensitively.
func (r *requestRepo) GetByProviderID(ctx context.Context, providerID string) (*models.Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE provider_id != '' AND LOWER(provider_id) = LOWER(?)
		 ORDER BY created_at DESC LIMIT 1`, providerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying request by provider id: %w", err)
	}
	return req, nil
}

// List returns requests matching the filter, newest first, along with
// the total count.
func (r *requestRepo) List(ctx context.Context, filter RequestListFilter) ([]models.Request, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Channel != "" {
		where += " AND channel = ?"
		args = append(args, filter.Channel)
	}
	if filter.Phone != "" {
		where += " AND phone LIKE ?"
		args = append(args, "%"+filter.Phone+"%")
	}
	if filter.Country != "" {
		where += " AND phone_country = ?"
		args = append(args, filter.Country)
	}
	if filter.FraudMin != nil {
		where += " AND fraud_score >= ?"
		args = append(args, *filter.FraudMin)
	}
	if filter.FraudMax != nil {
		where += " AND fraud_score <= ?"
		args = append(args, *filter.FraudMax)
	}
	if filter.StartDate != "" {
		where += " AND created_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND created_at <= ?"
		args = append(args, filter.EndDate)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM requests WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting requests: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT ` + requestColumns + ` FROM requests WHERE ` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var requests []models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning request row: %w", err)
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating request rows: %w", err)
	}

	return requests, total, nil
}

// UpdateFraud stores the fraud verdict and the IP-side metadata the
// engine derived.
func (r *requestRepo) UpdateFraud(ctx context.Context, id string, score int, reasons string, shadowBanned bool, subnet, ipCountry string, asn *int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE requests SET fraud_score = ?, fraud_reasons = ?, shadow_banned = ?,
		 ip_subnet = ?, ip_country = ?, asn = ?, updated_at = ?
		 WHERE id = ?`,
		score, reasons, shadowBanned, subnet, ipCountry, asn, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating request fraud verdict: %w", err)
	}
	return nil
}

// ApplyEventTx updates the delivery columns for one channel event
// inside the caller's transaction. The channel column is only set
// while still empty so a failover to a second channel does not rewrite
// history from the first.
func (r *requestRepo) ApplyEventTx(ctx context.Context, tx *sql.Tx, id, channelStatus string, apply EventApply, now time.Time) error {
	query := `UPDATE requests SET channel_status = ?, updated_at = ?`
	args := []any{channelStatus, now}

	if apply.Status != "" {
		query += `, status = ?`
		args = append(args, apply.Status)
	}
	if apply.Channel != "" {
		query += `, channel = CASE WHEN channel = '' THEN ? ELSE channel END`
		args = append(args, apply.Channel)
	}
	if apply.ErrorMessage != "" {
		query += `, error_message = ?`
		args = append(args, apply.ErrorMessage)
	}
	if apply.ProviderID != "" {
		query += `, provider_id = ?`
		args = append(args, apply.ProviderID)
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("applying event to request: %w", err)
	}
	return nil
}

// SetAuthStatus transitions auth_status. The permitted sources are
// encoded in the WHERE clause: unverified and wrong_code may become
// verified, only unverified may become wrong_code, and verified is
// final. Returns true when a row transitioned.
func (r *requestRepo) SetAuthStatus(ctx context.Context, id, authStatus string, now time.Time) (bool, error) {
	var from string
	switch authStatus {
	case "verified":
		from = `('unverified', 'wrong_code')`
	case "wrong_code":
		from = `('unverified')`
	default:
		return false, fmt.Errorf("invalid auth status %q", authStatus)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE requests SET auth_status = ?, updated_at = ?
		 WHERE id = ? AND auth_status IN `+from,
		authStatus, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("updating auth status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateTimings sets any of the three call timestamps that are
// non-nil, leaving the others untouched.
func (r *requestRepo) UpdateTimings(ctx context.Context, id string, start, answer, end *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE requests SET
		 start_time = COALESCE(?, start_time),
		 answer_time = COALESCE(?, answer_time),
		 end_time = COALESCE(?, end_time),
		 updated_at = ?
		 WHERE id = ?`,
		start, answer, end, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating request timings: %w", err)
	}
	return nil
}

// AddSMSCost accumulates SMS cost units; multi-fragment messages
// produce one delivery report per fragment.
func (r *requestRepo) AddSMSCost(ctx context.Context, id string, units int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE requests SET sms_cost_units = sms_cost_units + ?, updated_at = ? WHERE id = ?`,
		units, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("adding sms cost: %w", err)
	}
	return nil
}

// SetVoiceCost stores the billed voice cost from the CDR feed.
func (r *requestRepo) SetVoiceCost(ctx context.Context, id string, units int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE requests SET voice_cost_units = ?, updated_at = ? WHERE id = ?`,
		units, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("setting voice cost: %w", err)
	}
	return nil
}

// CountBySubnetSince counts requests from a subnet in a window,
// excluding the request being evaluated.
func (r *requestRepo) CountBySubnetSince(ctx context.Context, subnet string, since time.Time, excludeID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE ip_subnet = ? AND created_at >= ? AND id != ?`,
		subnet, since, excludeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting requests by subnet: %w", err)
	}
	return count, nil
}

// CountByPhoneSince counts requests for a phone number in a window,
// excluding the request being evaluated.
func (r *requestRepo) CountByPhoneSince(ctx context.Context, phone string, since time.Time, excludeID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE phone = ? AND created_at >= ? AND id != ?`,
		phone, since, excludeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting requests by phone: %w", err)
	}
	return count, nil
}

// FindRecentVoiceByPhone returns the newest voice request for a phone
// number created after since, or nil.
func (r *requestRepo) FindRecentVoiceByPhone(ctx context.Context, phone string, since time.Time) (*models.Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE phone = ? AND channel = 'voice' AND created_at >= ?
		 ORDER BY created_at DESC LIMIT 1`, phone, since))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying recent voice request: %w", err)
	}
	return req, nil
}

// ExpireOverdue marks live requests whose TTL has passed as expired
// and returns their IDs. Requests already verified are left alone.
func (r *requestRepo) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM requests
			 WHERE expires_at < ?
			   AND status IN ('pending', 'sending', 'sent', 'delivered')
			   AND auth_status != 'verified'`, now)
		if err != nil {
			return fmt.Errorf("selecting overdue requests: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scanning overdue request id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating overdue request ids: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE requests SET status = 'expired', updated_at = ? WHERE id = ?`,
				now, id); err != nil {
				return fmt.Errorf("expiring request %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountByStatus returns request counts grouped by status.
func (r *requestRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting requests by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// CountShadowBanned returns how many requests were shadow banned.
func (r *requestRepo) CountShadowBanned(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE shadow_banned = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting shadow banned requests: %w", err)
	}
	return count, nil
}
