package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SessionRepository implements domain.SessionRepository
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	var metadata []byte
	if session.Metadata != nil {
		var err error
		metadata, err = json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal session metadata: %w", err)
		}
	}

	query := `
		INSERT INTO widget_sessions (id, app_id, config_version, status, external_user_id, metadata, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		session.ID,
		session.AppID,
		session.ConfigVersion,
		session.Status,
		session.ExternalUserID,
		metadata,
		session.LastSeenAt,
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	query := `
		SELECT id, app_id, config_version, status, external_user_id, metadata, last_seen_at, created_at, ended_at
		FROM widget_sessions
		WHERE id = $1
	`
	var s domain.Session
	var metadata []byte
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&s.ID,
		&s.AppID,
		&s.ConfigVersion,
		&s.Status,
		&s.ExternalUserID,
		&metadata,
		&s.LastSeenAt,
		&s.CreatedAt,
		&s.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if len(metadata) > 0 {
		s.Metadata = &domain.SessionMetadata{}
		if err := json.Unmarshal(metadata, s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
		}
	}
	return &s, nil
}

func (r *SessionRepository) UpdateLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE widget_sessions SET last_seen_at = $1 WHERE id = $2`
	_, err := r.db.Pool.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

func (r *SessionRepository) End(ctx context.Context, id uuid.UUID, at time.Time) error {
	// Already-ended sessions keep their original ended_at
	query := `
		UPDATE widget_sessions
		SET status = $1, ended_at = $2
		WHERE id = $3 AND status = $4
	`
	_, err := r.db.Pool.Exec(ctx, query, domain.SessionEnded, at, id, domain.SessionActive)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}
