package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AppRepository implements domain.AppRepository
type AppRepository struct {
	db *DB
}

// NewAppRepository creates a new app repository
func NewAppRepository(db *DB) *AppRepository {
	return &AppRepository{db: db}
}

func (r *AppRepository) GetByProjectID(ctx context.Context, projectID string) (*domain.App, error) {
	query := `
		SELECT id, project_id, name, active, created_at
		FROM apps
		WHERE project_id = $1
	`
	var a domain.App
	err := r.db.Pool.QueryRow(ctx, query, projectID).Scan(
		&a.ID,
		&a.ProjectID,
		&a.Name,
		&a.Active,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAppNotFound
		}
		return nil, fmt.Errorf("failed to get app: %w", err)
	}
	return &a, nil
}

func (r *AppRepository) GetActiveConfig(ctx context.Context, appID uuid.UUID) (*domain.AppConfig, error) {
	query := `
		SELECT id, app_id, version, active, config, created_at
		FROM app_configs
		WHERE app_id = $1 AND active = true
		ORDER BY version DESC
		LIMIT 1
	`
	return r.scanConfig(r.db.Pool.QueryRow(ctx, query, appID))
}

func (r *AppRepository) GetConfigVersion(ctx context.Context, appID uuid.UUID, version int) (*domain.AppConfig, error) {
	query := `
		SELECT id, app_id, version, active, config, created_at
		FROM app_configs
		WHERE app_id = $1 AND version = $2
	`
	return r.scanConfig(r.db.Pool.QueryRow(ctx, query, appID, version))
}

// scanConfig hydrates the JSONB payload into the typed config and validates it
// here so consumers never see a malformed snapshot.
func (r *AppRepository) scanConfig(row pgx.Row) (*domain.AppConfig, error) {
	var c domain.AppConfig
	var payload []byte
	err := row.Scan(
		&c.ID,
		&c.AppID,
		&c.Version,
		&c.Active,
		&payload,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAppNotFound
		}
		return nil, fmt.Errorf("failed to get app config: %w", err)
	}

	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal app config payload: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid app config: %w", err)
	}
	return &c, nil
}
