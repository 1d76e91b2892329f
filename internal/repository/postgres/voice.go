package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// VoiceSessionRepository implements domain.VoiceSessionRepository
type VoiceSessionRepository struct {
	db *DB
}

// NewVoiceSessionRepository creates a new voice session repository
func NewVoiceSessionRepository(db *DB) *VoiceSessionRepository {
	return &VoiceSessionRepository{db: db}
}

func (r *VoiceSessionRepository) Create(ctx context.Context, vs *domain.VoiceSession) error {
	query := `
		INSERT INTO voice_sessions (id, widget_session_id, status, signaling_channel_id, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		vs.ID,
		vs.WidgetSessionID,
		vs.Status,
		vs.SignalingChannelID,
		vs.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create voice session: %w", err)
	}
	return nil
}

func (r *VoiceSessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.VoiceSession, error) {
	query := `
		SELECT id, widget_session_id, status, signaling_channel_id, started_at, ended_at
		FROM voice_sessions
		WHERE id = $1
	`
	var vs domain.VoiceSession
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&vs.ID,
		&vs.WidgetSessionID,
		&vs.Status,
		&vs.SignalingChannelID,
		&vs.StartedAt,
		&vs.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVoiceSessionNotFound
		}
		return nil, fmt.Errorf("failed to get voice session: %w", err)
	}
	return &vs, nil
}

func (r *VoiceSessionRepository) End(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE voice_sessions
		SET status = $1, ended_at = $2
		WHERE id = $3 AND ended_at IS NULL
	`
	_, err := r.db.Pool.Exec(ctx, query, domain.VoiceEnded, at, id)
	if err != nil {
		return fmt.Errorf("failed to end voice session: %w", err)
	}
	return nil
}
