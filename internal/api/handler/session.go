package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/embedkit/widget-gateway/internal/api/middleware"
	"github.com/embedkit/widget-gateway/internal/api/response"
	"github.com/embedkit/widget-gateway/internal/config"
	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/embedkit/widget-gateway/internal/security"
	"github.com/embedkit/widget-gateway/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// InitSessionRequest is the session bootstrap payload sent by the embed script
type InitSessionRequest struct {
	ProjectID        string                  `json:"projectId" validate:"required"`
	WidgetInstanceID string                  `json:"widgetInstanceId" validate:"required"`
	ExternalUserID   string                  `json:"externalUserId,omitempty"`
	PageURL          string                  `json:"pageUrl,omitempty" validate:"omitempty,url"`
	HostOrigin       string                  `json:"hostOrigin,omitempty"`
	UserAgent        string                  `json:"userAgent,omitempty"`
	Locale           string                  `json:"locale,omitempty"`
	Metadata         *domain.SessionMetadata `json:"metadata,omitempty"`
}

// IceServer is one entry of the WebRTC ICE configuration
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// InitSessionResponse is everything the widget needs to boot
type InitSessionResponse struct {
	SessionID     string          `json:"sessionId"`
	Token         string          `json:"token"`
	ConfigVersion int             `json:"configVersion"`
	Features      map[string]bool `json:"features,omitempty"`
	Theme         map[string]any  `json:"theme,omitempty"`
	UIHints       map[string]any  `json:"uiHints,omitempty"`
	Chat          ChatEndpoint    `json:"chat"`
	Voice         *VoiceEndpoint  `json:"voice,omitempty"`
}

type ChatEndpoint struct {
	WSURL string `json:"wsUrl"`
}

type VoiceEndpoint struct {
	Enabled      bool        `json:"enabled"`
	SignalingURL string      `json:"signalingUrl,omitempty"`
	IceServers   []IceServer `json:"iceServers,omitempty"`
}

// MessageItem is one history entry returned to the widget
type MessageItem struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// SessionHandler serves the session bootstrap and history endpoints
type SessionHandler struct {
	sessions  *service.SessionService
	validate  *validator.Validate
	encryptor *security.Encryptor
	server    config.ServerConfig
	voice     config.VoiceConfig
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *service.SessionService, encryptor *security.Encryptor, server config.ServerConfig, voice config.VoiceConfig) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		validate:  validator.New(),
		encryptor: encryptor,
		server:    server,
		voice:     voice,
	}
}

// Init bootstraps a new widget session
func (h *SessionHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req InitSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, "validation failed: "+err.Error())
		return
	}

	result, err := h.sessions.Init(r.Context(), service.InitParams{
		ProjectID:      req.ProjectID,
		ExternalUserID: req.ExternalUserID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAppNotFound):
			response.NotFound(w, "unknown project")
		case errors.Is(err, domain.ErrAppInactive):
			response.BadRequest(w, "app is not active")
		default:
			log.Error().Err(err).Msg("session init failed")
			response.InternalError(w, "failed to initialize session")
		}
		return
	}

	resp := InitSessionResponse{
		SessionID:     result.Session.ID.String(),
		Token:         result.Token,
		ConfigVersion: result.Config.Version,
		Features:      result.Config.Features,
		Theme:         result.Config.Theme,
		UIHints:       result.Config.UIHints,
		Chat:          ChatEndpoint{WSURL: h.server.PublicURL + "/ws/chat"},
	}
	if h.voice.Enabled && result.Config.Voice.Enabled {
		resp.Voice = &VoiceEndpoint{
			Enabled:      true,
			SignalingURL: h.server.PublicURL + h.voice.SignalingPath,
			IceServers:   h.iceServers(result.Config.Voice),
		}
	}

	response.Created(w, resp)
}

// iceServers assembles the RTC configuration, decrypting the stored TURN
// credential when one is configured.
func (h *SessionHandler) iceServers(vs domain.VoiceSettings) []IceServer {
	var servers []IceServer

	stun := vs.StunServers
	if len(stun) == 0 {
		stun = h.voice.StunServers
	}
	if len(stun) > 0 {
		servers = append(servers, IceServer{URLs: stun})
	}

	if vs.TurnURL != "" {
		turn := IceServer{URLs: []string{vs.TurnURL}, Username: vs.TurnUsername}
		if vs.TurnCredentialEncrypted != "" && h.encryptor != nil {
			credential, err := h.encryptor.DecryptString(vs.TurnCredentialEncrypted)
			if err != nil {
				log.Error().Err(err).Msg("failed to decrypt TURN credential")
			} else {
				turn.Credential = credential
			}
		}
		servers = append(servers, turn)
	}
	return servers
}

// GetMessages returns the session's recent chat history
func (h *SessionHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := middleware.GetSessionID(r.Context())
	if !ok {
		response.Unauthorized(w, "missing session")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	messages, err := h.sessions.History(r.Context(), sessionID, limit)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("history load failed")
		response.InternalError(w, "failed to load messages")
		return
	}

	items := make([]MessageItem, 0, len(messages))
	for _, m := range messages {
		items = append(items, MessageItem{
			ID:        m.ID.String(),
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		})
	}
	response.OK(w, map[string]any{"messages": items})
}
