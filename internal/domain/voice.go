package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// VoiceSessionStatus represents the lifecycle state of a voice session
type VoiceSessionStatus string

const (
	VoiceActive VoiceSessionStatus = "ACTIVE"
	VoiceEnded  VoiceSessionStatus = "ENDED"
)

// VoiceSession tracks one WebRTC signaling exchange bound to a widget session.
// At most one voice session is live per gateway connection.
type VoiceSession struct {
	ID                 uuid.UUID          `json:"id"`
	WidgetSessionID    uuid.UUID          `json:"widget_session_id"`
	Status             VoiceSessionStatus `json:"status"`
	SignalingChannelID string             `json:"signaling_channel_id"`
	StartedAt          time.Time          `json:"started_at"`
	EndedAt            *time.Time         `json:"ended_at,omitempty"`
}

// VoiceSessionRepository defines the interface for voice session storage
type VoiceSessionRepository interface {
	Create(ctx context.Context, session *VoiceSession) error
	Get(ctx context.Context, id uuid.UUID) (*VoiceSession, error)
	End(ctx context.Context, id uuid.UUID, at time.Time) error
}
