package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/embedkit/widget-gateway/internal/repository/redis"
	"github.com/embedkit/widget-gateway/internal/security"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// InitParams carries the validated session-init payload into the service
type InitParams struct {
	ProjectID      string
	ExternalUserID string
	Metadata       *domain.SessionMetadata
}

// InitResult is everything the widget needs to boot: the persisted session,
// its credential, and the pinned config snapshot.
type InitResult struct {
	Session *domain.Session
	Token   string
	Config  *domain.AppConfig
}

// SessionService owns the session lifecycle. Writes to a single session are
// serialized through a keyed mutex so concurrent gateway connections cannot
// interleave state transitions.
type SessionService struct {
	sessionRepo domain.SessionRepository
	messageRepo domain.MessageRepository
	voiceRepo   domain.VoiceSessionRepository
	appRepo     domain.AppRepository
	tokens      *security.TokenService
	presence    *redis.PresenceCache

	mu    sync.Mutex
	locks map[uuid.UUID]*sessionLock
}

type sessionLock struct {
	sync.Mutex
	refs int
}

// NewSessionService creates a new session service. presence may be nil when
// Redis is disabled; every Touch then hits the database.
func NewSessionService(
	sessionRepo domain.SessionRepository,
	messageRepo domain.MessageRepository,
	voiceRepo domain.VoiceSessionRepository,
	appRepo domain.AppRepository,
	tokens *security.TokenService,
	presence *redis.PresenceCache,
) *SessionService {
	return &SessionService{
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		voiceRepo:   voiceRepo,
		appRepo:     appRepo,
		tokens:      tokens,
		presence:    presence,
		locks:       make(map[uuid.UUID]*sessionLock),
	}
}

// lock acquires the per-session mutex and returns its release func
func (s *SessionService) lock(id uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// Init resolves the app, snapshots its active config, persists a new ACTIVE
// session and issues its widget token.
func (s *SessionService) Init(ctx context.Context, params InitParams) (*InitResult, error) {
	app, err := s.appRepo.GetByProjectID(ctx, params.ProjectID)
	if err != nil {
		return nil, err
	}
	if !app.Active {
		return nil, domain.ErrAppInactive
	}

	cfg, err := s.appRepo.GetActiveConfig(ctx, app.ID)
	if err != nil {
		if err == domain.ErrAppNotFound {
			// App exists but carries no active config
			return nil, domain.ErrAppInactive
		}
		return nil, err
	}

	now := time.Now()
	session := &domain.Session{
		ID:             uuid.New(),
		AppID:          app.ID,
		ConfigVersion:  cfg.Version,
		Status:         domain.SessionActive,
		ExternalUserID: params.ExternalUserID,
		Metadata:       params.Metadata,
		LastSeenAt:     now,
		CreatedAt:      now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	token, err := s.tokens.Issue(session.ID, app.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("project_id", params.ProjectID).
		Int("config_version", cfg.Version).
		Msg("session initialized")

	return &InitResult{Session: session, Token: token, Config: cfg}, nil
}

// Get returns the session or domain.ErrSessionNotFound
func (s *SessionService) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return s.sessionRepo.Get(ctx, id)
}

// Config returns the config snapshot the session was pinned to
func (s *SessionService) Config(ctx context.Context, session *domain.Session) (*domain.AppConfig, error) {
	return s.appRepo.GetConfigVersion(ctx, session.AppID, session.ConfigVersion)
}

// Touch refreshes the session's last-seen timestamp. The write is throttled
// through the presence cache so chatty connections do not hammer the store.
func (s *SessionService) Touch(ctx context.Context, id uuid.UUID) error {
	if s.presence != nil {
		write, err := s.presence.Mark(ctx, id)
		if err != nil {
			// Redis being down must not break the session flow
			log.Warn().Err(err).Str("session_id", id.String()).Msg("presence mark failed")
		} else if !write {
			return nil
		}
	}
	return s.sessionRepo.UpdateLastSeen(ctx, id, time.Now())
}

// End marks the session ENDED. Ending an already-ended session is a no-op and
// never changes its EndedAt.
func (s *SessionService) End(ctx context.Context, id uuid.UUID) error {
	unlock := s.lock(id)
	defer unlock()

	session, err := s.sessionRepo.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == domain.SessionEnded {
		return nil
	}
	if err := s.sessionRepo.End(ctx, id, time.Now()); err != nil {
		return err
	}

	log.Info().Str("session_id", id.String()).Msg("session ended")
	return nil
}

// AppendMessage persists one chat turn on an active session
func (s *SessionService) AppendMessage(ctx context.Context, sessionID uuid.UUID, role domain.MessageRole, content string) (*domain.ChatMessage, error) {
	unlock := s.lock(sessionID)
	defer unlock()

	session, err := s.sessionRepo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionEnded {
		return nil, domain.ErrSessionEnded
	}

	message := &domain.ChatMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.messageRepo.Create(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return message, nil
}

// History returns the most recent messages in creation order
func (s *SessionService) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	return s.messageRepo.ListBySession(ctx, sessionID, limit)
}

// StartVoice opens a voice session bound to an active widget session
func (s *SessionService) StartVoice(ctx context.Context, sessionID uuid.UUID) (*domain.VoiceSession, error) {
	session, err := s.sessionRepo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionEnded {
		return nil, domain.ErrSessionEnded
	}

	vs := &domain.VoiceSession{
		ID:                 uuid.New(),
		WidgetSessionID:    sessionID,
		Status:             domain.VoiceActive,
		SignalingChannelID: uuid.New().String(),
		StartedAt:          time.Now(),
	}
	if err := s.voiceRepo.Create(ctx, vs); err != nil {
		return nil, fmt.Errorf("failed to create voice session: %w", err)
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("voice_session_id", vs.ID.String()).
		Msg("voice session started")
	return vs, nil
}

// EndVoice closes a voice session; already-ended ones are left untouched
func (s *SessionService) EndVoice(ctx context.Context, voiceSessionID uuid.UUID) error {
	return s.voiceRepo.End(ctx, voiceSessionID, time.Now())
}
