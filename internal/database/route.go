package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/otpgw/otpgw/internal/database/models"
)

// routeRepo implements CallerIDRouteRepository.
type routeRepo struct {
	db *DB
}

// NewCallerIDRouteRepository creates a new CallerIDRouteRepository.
func NewCallerIDRouteRepository(db *DB) CallerIDRouteRepository {
	return &routeRepo{db: db}
}

// Create inserts a new route.
func (r *routeRepo) Create(ctx context.Context, route *models.CallerIDRoute) error {
	now := time.Now().UTC()
	route.CreatedAt = now
	route.UpdatedAt = now

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO caller_id_routes (channel, prefix, caller_id, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		route.Channel, route.Prefix, route.CallerID, route.Enabled, route.CreatedAt, route.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting caller id route: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	route.ID = id
	return nil
}

// GetByID returns a route by ID, or nil if not found.
func (r *routeRepo) GetByID(ctx context.Context, id int64) (*models.CallerIDRoute, error) {
	var route models.CallerIDRoute
	err := r.db.QueryRowContext(ctx,
		`SELECT id, channel, prefix, caller_id, enabled, created_at, updated_at
		 FROM caller_id_routes WHERE id = ?`, id,
	).Scan(&route.ID, &route.Channel, &route.Prefix, &route.CallerID, &route.Enabled,
		&route.CreatedAt, &route.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying caller id route: %w", err)
	}
	return &route, nil
}

// List returns all routes.
func (r *routeRepo) List(ctx context.Context) ([]models.CallerIDRoute, error) {
	return r.list(ctx, `SELECT id, channel, prefix, caller_id, enabled, created_at, updated_at
		 FROM caller_id_routes ORDER BY channel, prefix`)
}

// ListEnabled returns only enabled routes, the set the router loads.
func (r *routeRepo) ListEnabled(ctx context.Context) ([]models.CallerIDRoute, error) {
	return r.list(ctx, `SELECT id, channel, prefix, caller_id, enabled, created_at, updated_at
		 FROM caller_id_routes WHERE enabled = 1 ORDER BY channel, prefix`)
}

func (r *routeRepo) list(ctx context.Context, query string) ([]models.CallerIDRoute, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying caller id routes: %w", err)
	}
	defer rows.Close()

	var routes []models.CallerIDRoute
	for rows.Next() {
		var route models.CallerIDRoute
		if err := rows.Scan(&route.ID, &route.Channel, &route.Prefix, &route.CallerID,
			&route.Enabled, &route.CreatedAt, &route.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning caller id route row: %w", err)
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

// Update modifies an existing route.
func (r *routeRepo) Update(ctx context.Context, route *models.CallerIDRoute) error {
	route.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE caller_id_routes SET channel = ?, prefix = ?, caller_id = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		route.Channel, route.Prefix, route.CallerID, route.Enabled, route.UpdatedAt, route.ID,
	)
	if err != nil {
		return fmt.Errorf("updating caller id route: %w", err)
	}
	return nil
}

// Delete removes a route by ID.
func (r *routeRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM caller_id_routes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting caller id route: %w", err)
	}
	return nil
}
