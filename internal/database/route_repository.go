package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// RouteRepository handles route database operations
type RouteRepository struct {
	db *sqlx.DB
}

// NewRouteRepository creates a new RouteRepository
func NewRouteRepository(db *sqlx.DB) *RouteRepository {
	return &RouteRepository{db: db}
}

// Create inserts a route
func (r *RouteRepository) Create(ctx context.Context, route *models.Route) error {
	route.ID = uuid.New()
	route.CreatedAt = time.Now()
	route.UpdatedAt = route.CreatedAt
	route.IsActive = true

	query := `
		INSERT INTO routes (id, name, origin, destination, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		route.ID, route.Name, route.Origin, route.Destination,
		route.IsActive, route.CreatedAt, route.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create route: %w", err)
	}
	return nil
}

// GetByID retrieves a route, returning nil when it does not exist
func (r *RouteRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Route, error) {
	var route models.Route
	query := `
		SELECT id, name, origin, destination, is_active, created_at, updated_at
		FROM routes
		WHERE id = $1`

	err := r.db.GetContext(ctx, &route, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}
	return &route, nil
}

// ListActive returns all active routes ordered by origin
func (r *RouteRepository) ListActive(ctx context.Context) ([]models.Route, error) {
	routes := []models.Route{}
	query := `
		SELECT id, name, origin, destination, is_active, created_at, updated_at
		FROM routes
		WHERE is_active = TRUE
		ORDER BY origin, destination`

	if err := r.db.SelectContext(ctx, &routes, query); err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	return routes, nil
}
