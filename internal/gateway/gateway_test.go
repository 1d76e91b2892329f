package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/embedkit/widget-gateway/internal/extraction"
	"github.com/embedkit/widget-gateway/internal/llm"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "good-token"

// fakeStore is an in-memory SessionStore
type fakeStore struct {
	mu         sync.Mutex
	session    *domain.Session
	cfg        *domain.AppConfig
	messages   []domain.ChatMessage
	endedVoice []uuid.UUID
}

func newFakeStore(metadata *domain.SessionMetadata) *fakeStore {
	sessionID := uuid.New()
	appID := uuid.New()
	return &fakeStore{
		session: &domain.Session{
			ID:            sessionID,
			AppID:         appID,
			ConfigVersion: 1,
			Status:        domain.SessionActive,
			Metadata:      metadata,
			LastSeenAt:    time.Now(),
			CreatedAt:     time.Now(),
		},
		cfg: &domain.AppConfig{
			ID:      uuid.New(),
			AppID:   appID,
			Version: 1,
			Active:  true,
			LLM:     domain.LLMSettings{Provider: "fake", Temperature: 0.5},
		},
	}
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.session.ID {
		return nil, domain.ErrSessionNotFound
	}
	copy := *s.session
	return &copy, nil
}

func (s *fakeStore) Config(_ context.Context, _ *domain.Session) (*domain.AppConfig, error) {
	return s.cfg, nil
}

func (s *fakeStore) Touch(_ context.Context, _ uuid.UUID) error { return nil }

func (s *fakeStore) End(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.session.ID {
		return domain.ErrSessionNotFound
	}
	if s.session.Status != domain.SessionEnded {
		now := time.Now()
		s.session.Status = domain.SessionEnded
		s.session.EndedAt = &now
	}
	return nil
}

func (s *fakeStore) AppendMessage(_ context.Context, sessionID uuid.UUID, role domain.MessageRole, content string) (*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID != s.session.ID {
		return nil, domain.ErrSessionNotFound
	}
	if s.session.Status == domain.SessionEnded {
		return nil, domain.ErrSessionEnded
	}
	msg := domain.ChatMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.messages = append(s.messages, msg)
	return &msg, nil
}

func (s *fakeStore) History(_ context.Context, _ uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) StartVoice(_ context.Context, sessionID uuid.UUID) (*domain.VoiceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID != s.session.ID {
		return nil, domain.ErrSessionNotFound
	}
	if s.session.Status == domain.SessionEnded {
		return nil, domain.ErrSessionEnded
	}
	return &domain.VoiceSession{
		ID:                 uuid.New(),
		WidgetSessionID:    sessionID,
		Status:             domain.VoiceActive,
		SignalingChannelID: uuid.New().String(),
		StartedAt:          time.Now(),
	}, nil
}

func (s *fakeStore) EndVoice(_ context.Context, voiceSessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedVoice = append(s.endedVoice, voiceSessionID)
	return nil
}

func (s *fakeStore) messageContents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Content
	}
	return out
}

func (s *fakeStore) endedVoiceIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, len(s.endedVoice))
	copy(out, s.endedVoice)
	return out
}

// fakeTokens accepts one fixed token for the store's session
type fakeTokens struct {
	sessionID uuid.UUID
}

func (f *fakeTokens) ValidateForSession(token string, sessionID uuid.UUID) bool {
	return token == testToken && sessionID == f.sessionID
}

// fakeProvider serves canned deltas and tool calls
type fakeProvider struct {
	deltas   []string
	gate     chan struct{}
	toolArgs json.RawMessage
}

func (p *fakeProvider) Name() string              { return "fake" }
func (p *fakeProvider) AvailableModels() []string { return []string{"fake-1"} }
func (p *fakeProvider) DefaultModel() string      { return "fake-1" }
func (p *fakeProvider) IsConfigured() bool        { return true }

func (p *fakeProvider) StreamChat(ctx context.Context, _ llm.ChatRequest, _ string) (llm.Stream, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &fakeStream{deltas: p.deltas}, nil
}

func (p *fakeProvider) CallTool(_ context.Context, req llm.ToolRequest, _ string) (*llm.ToolResponse, error) {
	return &llm.ToolResponse{
		Call:  &llm.ToolCall{Name: req.Tool.Name, Arguments: p.toolArgs},
		Model: "fake-1",
	}, nil
}

type fakeStream struct {
	deltas []string
	pos    int
}

func (s *fakeStream) Recv() (string, error) {
	if s.pos >= len(s.deltas) {
		return "", io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *fakeStream) Close() error { return nil }

func newChatServer(t *testing.T, store *fakeStore, provider *fakeProvider) *httptest.Server {
	t.Helper()
	router := llm.NewRouter("fake")
	router.RegisterProvider(provider)
	engine := extraction.NewEngine(router, 2*time.Second)
	gw := NewChatGateway(store, &fakeTokens{sessionID: store.session.ID}, router, engine, NewHub(), nil, 10, 2*time.Second)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	if query != "" {
		url += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func decodePayload[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	return out
}

func TestChatHandshakeRejectsMissingAuth(t *testing.T) {
	store := newFakeStore(nil)
	srv := newChatServer(t, store, &fakeProvider{})

	ws := dial(t, srv, "")

	env := readFrame(t, ws)
	assert.Equal(t, KindError, env.Type)
	p := decodePayload[ErrorPayload](t, env)
	assert.Equal(t, CodeMissingAuth, p.Code)

	// Server closes after the error frame
	ws.SetReadDeadline(time.Now().Add(time.Second))
	var next Envelope
	assert.Error(t, ws.ReadJSON(&next))
}

func TestChatHandshakeRejectsInvalidToken(t *testing.T) {
	store := newFakeStore(nil)
	srv := newChatServer(t, store, &fakeProvider{})

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token=forged")

	env := readFrame(t, ws)
	assert.Equal(t, KindError, env.Type)
	p := decodePayload[ErrorPayload](t, env)
	assert.Equal(t, CodeInvalidToken, p.Code)
}

func TestChatStreamsCompletion(t *testing.T) {
	store := newFakeStore(nil)
	srv := newChatServer(t, store, &fakeProvider{deltas: []string{"Hel", "lo!"}})

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token="+testToken)

	ack := readFrame(t, ws)
	require.Equal(t, KindSessionAck, ack.Type)
	ackPayload := decodePayload[SessionAckPayload](t, ack)
	assert.Equal(t, store.session.ID, ackPayload.SessionID)
	assert.Equal(t, string(domain.SessionActive), ackPayload.Status)

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindUserMessage, UserMessagePayload{Content: "hi there"})))

	first := readFrame(t, ws)
	require.Equal(t, KindToken, first.Type)
	assert.Equal(t, "Hel", decodePayload[TokenPayload](t, first).Content)

	second := readFrame(t, ws)
	require.Equal(t, KindToken, second.Type)
	assert.Equal(t, "lo!", decodePayload[TokenPayload](t, second).Content)

	final := readFrame(t, ws)
	require.Equal(t, KindMessage, final.Type)
	msg := decodePayload[MessagePayload](t, final)
	assert.Equal(t, string(domain.RoleAssistant), msg.Role)
	assert.Equal(t, "Hello!", msg.Content)

	assert.Equal(t, []string{"hi there", "Hello!"}, store.messageContents())
}

func TestChatRejectsMessageWhileGenerating(t *testing.T) {
	gate := make(chan struct{})
	store := newFakeStore(nil)
	srv := newChatServer(t, store, &fakeProvider{deltas: []string{"ok"}, gate: gate})

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token="+testToken)
	readFrame(t, ws) // ack

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindUserMessage, UserMessagePayload{Content: "first"})))
	require.NoError(t, ws.WriteJSON(NewEnvelope(KindUserMessage, UserMessagePayload{Content: "second"})))

	env := readFrame(t, ws)
	require.Equal(t, KindError, env.Type)
	assert.Equal(t, CodeGenerationInProgress, decodePayload[ErrorPayload](t, env).Code)

	close(gate)

	env = readFrame(t, ws)
	require.Equal(t, KindToken, env.Type)
	env = readFrame(t, ws)
	require.Equal(t, KindMessage, env.Type)

	// The rejected message was never persisted
	assert.Equal(t, []string{"first", "ok"}, store.messageContents())
}

func TestChatRelaysTypingToOtherConnections(t *testing.T) {
	store := newFakeStore(nil)
	srv := newChatServer(t, store, &fakeProvider{})

	query := "sessionId=" + store.session.ID.String() + "&token=" + testToken
	wsA := dial(t, srv, query)
	wsB := dial(t, srv, query)
	readFrame(t, wsA)
	readFrame(t, wsB)

	require.NoError(t, wsA.WriteJSON(NewEnvelope(KindTyping, TypingPayload{Active: true})))

	env := readFrame(t, wsB)
	assert.Equal(t, KindTyping, env.Type)
	assert.True(t, decodePayload[TypingPayload](t, env).Active)
}

func TestChatEndSession(t *testing.T) {
	store := newFakeStore(nil)
	srv := newChatServer(t, store, &fakeProvider{})

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token="+testToken)
	readFrame(t, ws)

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindEndSession, nil)))

	env := readFrame(t, ws)
	require.Equal(t, KindStatus, env.Type)
	assert.Equal(t, string(domain.SessionEnded), decodePayload[StatusPayload](t, env).Status)

	// A message after ending is rejected
	require.NoError(t, ws.WriteJSON(NewEnvelope(KindUserMessage, UserMessagePayload{Content: "late"})))
	env = readFrame(t, ws)
	require.Equal(t, KindError, env.Type)
	assert.Equal(t, CodeSessionEnded, decodePayload[ErrorPayload](t, env).Code)
}

func TestChatPushesExtractionUpdate(t *testing.T) {
	schema := &domain.FormSchema{
		Properties: map[string]domain.FieldSchema{
			"age": {Type: "integer", Title: "Age"},
		},
	}
	store := newFakeStore(&domain.SessionMetadata{FormSchema: schema, FormType: "intake"})
	provider := &fakeProvider{
		deltas:   []string{"noted"},
		toolArgs: json.RawMessage(`{"extracted_fields":{"age":65},"confidence_scores":{"age":1.0}}`),
	}
	srv := newChatServer(t, store, provider)

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token="+testToken)
	readFrame(t, ws)

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindUserMessage, UserMessagePayload{Content: "I am 65 years old"})))

	var update *ExtractionUpdatePayload
	for i := 0; i < 4 && update == nil; i++ {
		env := readFrame(t, ws)
		if env.Type == KindExtractionUpdate {
			p := decodePayload[ExtractionUpdatePayload](t, env)
			update = &p
		}
	}

	require.NotNil(t, update, "no extraction_update received")
	require.Len(t, update.Fields, 1)
	assert.Equal(t, "age", update.Fields[0].FieldName)
	assert.Equal(t, float64(1), update.Fields[0].Confidence)
	assert.Equal(t, domain.ExtractionComplete, update.Status)
}

func TestChatRejectsUnknownMessageType(t *testing.T) {
	store := newFakeStore(nil)
	srv := newChatServer(t, store, &fakeProvider{})

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token="+testToken)
	readFrame(t, ws)

	require.NoError(t, ws.WriteJSON(NewEnvelope("bogus", nil)))

	env := readFrame(t, ws)
	require.Equal(t, KindError, env.Type)
	assert.Equal(t, CodeInvalidMessage, decodePayload[ErrorPayload](t, env).Code)
}
