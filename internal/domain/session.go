package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a widget session
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionEnded  SessionStatus = "ENDED"
)

// SessionMetadata carries optional extraction configuration attached at init
type SessionMetadata struct {
	FormSchema *FormSchema `json:"form_schema,omitempty"`
	FormType   string      `json:"form_type,omitempty"`
	UserID     string      `json:"user_id,omitempty"`
}

// HasExtraction reports whether the session is configured for form extraction
func (m *SessionMetadata) HasExtraction() bool {
	return m != nil && m.FormSchema != nil && len(m.FormSchema.Properties) > 0
}

// Session represents one widget embedding instance's durable identity
// and configuration snapshot. Sessions are never deleted, only marked ENDED.
type Session struct {
	ID             uuid.UUID        `json:"id"`
	AppID          uuid.UUID        `json:"app_id"`
	ConfigVersion  int              `json:"config_version"`
	Status         SessionStatus    `json:"status"`
	ExternalUserID string           `json:"external_user_id,omitempty"`
	Metadata       *SessionMetadata `json:"metadata,omitempty"`
	LastSeenAt     time.Time        `json:"last_seen_at"`
	CreatedAt      time.Time        `json:"created_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
}

// SessionRepository defines the interface for session storage
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	UpdateLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error
	// End marks the session ENDED. Already-ended sessions are left untouched,
	// including their EndedAt timestamp.
	End(ctx context.Context, id uuid.UUID, at time.Time) error
}
