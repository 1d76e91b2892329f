package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/embedkit/widget-gateway/internal/extraction"
	"github.com/embedkit/widget-gateway/internal/llm"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// fallbackSystemPrompt covers apps that configure no prompt profile
const fallbackSystemPrompt = "You are a helpful assistant embedded in a website widget. " +
	"Answer concisely and stay on topic."

// SessionStore is the slice of the session service the gateways depend on
type SessionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	Config(ctx context.Context, session *domain.Session) (*domain.AppConfig, error)
	Touch(ctx context.Context, id uuid.UUID) error
	End(ctx context.Context, id uuid.UUID) error
	AppendMessage(ctx context.Context, sessionID uuid.UUID, role domain.MessageRole, content string) (*domain.ChatMessage, error)
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error)
	StartVoice(ctx context.Context, sessionID uuid.UUID) (*domain.VoiceSession, error)
	EndVoice(ctx context.Context, voiceSessionID uuid.UUID) error
}

// TokenValidator authorizes socket handshakes
type TokenValidator interface {
	ValidateForSession(token string, sessionID uuid.UUID) bool
}

// MessageLimiter throttles inbound user messages per session
type MessageLimiter interface {
	Allow(ctx context.Context, key string) (bool, int, time.Time, error)
}

// ChatGateway serves the chat websocket endpoint
type ChatGateway struct {
	store         SessionStore
	tokens        TokenValidator
	router        *llm.Router
	extractor     *extraction.Engine
	hub           *Hub
	limiter       MessageLimiter
	historyWindow int
	llmTimeout    time.Duration
	upgrader      websocket.Upgrader
}

// NewChatGateway creates a chat gateway. limiter may be nil to disable
// per-session rate limiting.
func NewChatGateway(
	store SessionStore,
	tokens TokenValidator,
	router *llm.Router,
	extractor *extraction.Engine,
	hub *Hub,
	limiter MessageLimiter,
	historyWindow int,
	llmTimeout time.Duration,
) *ChatGateway {
	return &ChatGateway{
		store:         store,
		tokens:        tokens,
		router:        router,
		extractor:     extractor,
		hub:           hub,
		limiter:       limiter,
		historyWindow: historyWindow,
		llmTimeout:    llmTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (g *ChatGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID, ok := authenticate(ws, r, g.tokens)
	if !ok {
		return
	}

	session, err := g.store.Get(r.Context(), sessionID)
	if err != nil {
		rejectWS(ws, CodeSessionNotFound, "session not found")
		return
	}

	conn := newConn(ws, sessionID)
	g.hub.Join(conn)
	go conn.writePump()
	defer func() {
		g.hub.Leave(conn)
		conn.Close()
	}()

	if err := g.store.Touch(conn.ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("touch failed")
	}

	conn.Send(NewEnvelope(KindSessionAck, SessionAckPayload{
		SessionID:     session.ID,
		Status:        string(session.Status),
		ConfigVersion: session.ConfigVersion,
	}))

	g.readLoop(conn, session)
}

func (g *ChatGateway) readLoop(conn *Conn, session *domain.Session) {
	for {
		env, err := conn.readEnvelope()
		if errors.Is(err, errMalformedFrame) {
			conn.SendError(CodeInvalidMessage, "malformed frame")
			continue
		}
		if err != nil {
			return
		}

		switch env.Type {
		case KindUserMessage:
			g.handleUserMessage(conn, session, env.Payload)
		case KindTyping:
			var p TypingPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				conn.SendError(CodeInvalidMessage, "malformed typing payload")
				continue
			}
			g.hub.Broadcast(conn.sessionID, conn, NewEnvelope(KindTyping, p))
		case KindEndSession:
			g.handleEndSession(conn)
		default:
			conn.SendError(CodeInvalidMessage, "unknown message type: "+env.Type)
		}
	}
}

func (g *ChatGateway) handleUserMessage(conn *Conn, session *domain.Session, payload json.RawMessage) {
	var p UserMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || strings.TrimSpace(p.Content) == "" {
		conn.SendError(CodeInvalidMessage, "user_message requires non-empty content")
		return
	}

	if g.limiter != nil {
		allowed, _, _, err := g.limiter.Allow(conn.ctx, conn.sessionID.String())
		if err != nil {
			log.Warn().Err(err).Msg("rate limit check failed")
		} else if !allowed {
			conn.SendError(CodeRateLimited, "message rate limit exceeded")
			return
		}
	}

	// One generation per connection at a time; concurrent sends are rejected,
	// never interleaved.
	if !conn.beginGeneration() {
		conn.SendError(CodeGenerationInProgress, "a response is already being generated")
		return
	}

	userMsg, err := g.store.AppendMessage(conn.ctx, conn.sessionID, domain.RoleUser, p.Content)
	if err != nil {
		conn.endGeneration()
		switch {
		case errors.Is(err, domain.ErrSessionEnded):
			conn.SendError(CodeSessionEnded, "session has ended")
		case errors.Is(err, domain.ErrSessionNotFound):
			conn.SendError(CodeSessionNotFound, "session not found")
		default:
			conn.SendError(CodeInternal, "failed to persist message")
		}
		return
	}

	if err := g.store.Touch(conn.ctx, conn.sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", conn.sessionID.String()).Msg("touch failed")
	}

	// Extraction runs independently of the token stream
	if g.extractor != nil && session.Metadata.HasExtraction() {
		go g.runExtraction(conn, session, userMsg.Content)
	}

	go g.generate(conn, session)
}

// generate streams one assistant completion back over the socket
func (g *ChatGateway) generate(conn *Conn, session *domain.Session) {
	defer conn.endGeneration()

	ctx, cancel := context.WithTimeout(conn.ctx, g.llmTimeout)
	defer cancel()

	cfg, err := g.store.Config(ctx, session)
	if err != nil {
		log.Error().Err(err).Str("session_id", conn.sessionID.String()).Msg("config load failed")
		conn.SendError(CodeGenerationFailed, "failed to load session configuration")
		return
	}

	// Window includes the just-persisted user message
	history, err := g.store.History(ctx, conn.sessionID, g.historyWindow+1)
	if err != nil {
		conn.SendError(CodeGenerationFailed, "failed to load chat history")
		return
	}

	systemPrompt := cfg.DefaultSystemPrompt()
	if systemPrompt == "" {
		systemPrompt = fallbackSystemPrompt
	}
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}

	provider, err := g.router.GetProvider(cfg.LLM.Provider)
	if err != nil {
		log.Error().Err(err).Str("provider", cfg.LLM.Provider).Msg("provider unavailable")
		conn.SendError(CodeGenerationFailed, "language model unavailable")
		return
	}

	stream, err := provider.StreamChat(ctx, llm.ChatRequest{
		Messages:    messages,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, cfg.LLM.Model)
	if err != nil {
		log.Error().Err(err).Msg("stream start failed")
		conn.SendError(CodeGenerationFailed, "generation failed")
		return
	}
	defer stream.Close()

	var full strings.Builder
	for {
		select {
		case <-conn.Done():
			return
		default:
		}

		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Error().Err(err).Msg("stream error")
			conn.SendError(CodeGenerationFailed, "generation failed")
			return
		}
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		conn.Send(NewEnvelope(KindToken, TokenPayload{Content: delta}))
	}

	assistantMsg, err := g.store.AppendMessage(conn.ctx, conn.sessionID, domain.RoleAssistant, full.String())
	if err != nil {
		conn.SendError(CodeGenerationFailed, "failed to persist response")
		return
	}

	g.hub.Broadcast(conn.sessionID, nil, NewEnvelope(KindMessage, MessagePayload{
		ID:        assistantMsg.ID,
		Role:      string(assistantMsg.Role),
		Content:   assistantMsg.Content,
		CreatedAt: assistantMsg.CreatedAt.Format(time.RFC3339),
	}))
}

// runExtraction performs one extraction pass and pushes accepted fields.
// Completion order does not matter: the merge keeps the highest confidence
// seen per field.
func (g *ChatGateway) runExtraction(conn *Conn, session *domain.Session, content string) {
	ctx, cancel := context.WithTimeout(conn.ctx, g.llmTimeout)
	defer cancel()

	cfg, err := g.store.Config(ctx, session)
	if err != nil {
		log.Warn().Err(err).Msg("extraction config load failed")
		return
	}

	state := g.hub.Fields(conn.sessionID)
	result := g.extractor.ExtractFromMessage(ctx, content, state.Snapshot(), session.Metadata.FormSchema, session.Metadata.FormType, extraction.Options{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
	})

	accepted := state.Apply(result)
	if len(accepted) == 0 {
		return
	}

	g.hub.Broadcast(conn.sessionID, nil, NewEnvelope(KindExtractionUpdate, ExtractionUpdatePayload{
		ExtractionID: result.ExtractionID,
		Status:       result.Status,
		Confidence:   result.Confidence,
		Fields:       accepted,
	}))
}

func (g *ChatGateway) handleEndSession(conn *Conn) {
	if err := g.store.End(conn.ctx, conn.sessionID); err != nil {
		conn.SendError(CodeInternal, "failed to end session")
		return
	}
	g.hub.Broadcast(conn.sessionID, nil, NewEnvelope(KindStatus, StatusPayload{Status: string(domain.SessionEnded)}))
}

// authenticate enforces the shared handshake gate: sessionId and token query
// params, token valid for exactly that session. Failures write one error
// frame and close the socket.
func authenticate(ws *websocket.Conn, r *http.Request, tokens TokenValidator) (uuid.UUID, bool) {
	rawSession := r.URL.Query().Get("sessionId")
	token := r.URL.Query().Get("token")
	if rawSession == "" || token == "" {
		rejectWS(ws, CodeMissingAuth, "sessionId and token are required")
		return uuid.Nil, false
	}

	sessionID, err := uuid.Parse(rawSession)
	if err != nil {
		rejectWS(ws, CodeInvalidToken, "invalid session identifier")
		return uuid.Nil, false
	}
	if !tokens.ValidateForSession(token, sessionID) {
		rejectWS(ws, CodeInvalidToken, "token is invalid or expired")
		return uuid.Nil, false
	}
	return sessionID, true
}

func rejectWS(ws *websocket.Conn, code, message string) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteJSON(NewEnvelope(KindError, ErrorPayload{Code: code, Message: message}))
	ws.Close()
}
