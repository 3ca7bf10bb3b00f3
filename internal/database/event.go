package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/otpgw/otpgw/internal/database/models"
)

// eventRepo implements EventRepository.
type eventRepo struct {
	db *DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *DB) EventRepository {
	return &eventRepo{db: db}
}

// Append inserts one delivery event.
func (r *eventRepo) Append(ctx context.Context, ev *models.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO events (request_id, channel, event_type, event_data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.RequestID, ev.Channel, ev.EventType, ev.EventData, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// AppendTx inserts one delivery event inside the caller's transaction.
func (r *eventRepo) AppendTx(ctx context.Context, tx *sql.Tx, ev *models.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO events (request_id, channel, event_type, event_data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.RequestID, ev.Channel, ev.EventType, ev.EventData, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// Has reports whether an event of this type was already recorded for
// the request and channel. The bus uses it to suppress duplicate
// terminal events from independent control planes.
func (r *eventRepo) Has(ctx context.Context, requestID, channel, eventType string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE request_id = ? AND channel = ? AND event_type = ?`,
		requestID, channel, eventType,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for existing event: %w", err)
	}
	return count > 0, nil
}

// ListByRequest returns all events for a request in append order.
func (r *eventRepo) ListByRequest(ctx context.Context, requestID string) ([]models.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, channel, event_type, event_data, created_at
		 FROM events WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.Channel, &ev.EventType, &ev.EventData, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
