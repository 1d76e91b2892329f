package gateway

import (
	"encoding/json"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/google/uuid"
)

// Message kinds exchanged over the chat and voice sockets
const (
	// server -> client
	KindSessionAck          = "session_ack"
	KindToken               = "token"
	KindMessage             = "message"
	KindStatus              = "status"
	KindError               = "error"
	KindExtractionUpdate    = "extraction_update"
	KindVoiceSessionStarted = "voice_session_started"
	KindVoiceSessionEnded   = "voice_session_ended"

	// client -> server
	KindUserMessage  = "user_message"
	KindTyping       = "typing"
	KindEndSession   = "end_session"
	KindVoiceInit    = "init"
	KindEndVoice     = "end_voice_session"

	// both directions (voice signaling)
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindIceCandidate = "ice_candidate"
)

// Protocol error codes
const (
	CodeMissingAuth          = "MISSING_AUTH"
	CodeInvalidToken         = "INVALID_TOKEN"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeSessionEnded         = "SESSION_ENDED"
	CodeGenerationInProgress = "GENERATION_IN_PROGRESS"
	CodeGenerationFailed     = "GENERATION_FAILED"
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeNoVoiceSession       = "NO_VOICE_SESSION"
	CodeInternal             = "INTERNAL"
)

// Envelope is the wire frame for every socket message
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope. Marshal failures surface as
// an INTERNAL error frame rather than a silent drop.
func NewEnvelope(kind string, payload any) Envelope {
	if payload == nil {
		return Envelope{Type: kind}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Type: KindError, Payload: mustMarshal(ErrorPayload{Code: CodeInternal, Message: "failed to encode payload"})}
	}
	return Envelope{Type: kind, Payload: data}
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// ErrorPayload is the body of an error frame
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionAckPayload confirms a successful chat handshake
type SessionAckPayload struct {
	SessionID     uuid.UUID `json:"sessionId"`
	Status        string    `json:"status"`
	ConfigVersion int       `json:"configVersion"`
}

// UserMessagePayload is an inbound chat turn
type UserMessagePayload struct {
	Content string `json:"content"`
}

// TokenPayload is one streamed completion delta
type TokenPayload struct {
	Content string `json:"content"`
}

// MessagePayload is a finalized persisted message
type MessagePayload struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt string    `json:"createdAt"`
}

// StatusPayload reports a session lifecycle change
type StatusPayload struct {
	Status string `json:"status"`
}

// TypingPayload relays typing activity between connections in a session
type TypingPayload struct {
	Active bool `json:"active"`
}

// ExtractionUpdatePayload pushes newly accepted form fields
type ExtractionUpdatePayload struct {
	ExtractionID string                  `json:"extractionId"`
	Status       domain.ExtractionStatus `json:"status"`
	Confidence   float64                 `json:"confidence"`
	Fields       []domain.ExtractedField `json:"fields"`
}

// VoiceSessionStartedPayload confirms voice session creation
type VoiceSessionStartedPayload struct {
	VoiceSessionID     uuid.UUID `json:"voiceSessionId"`
	SignalingChannelID string    `json:"signalingChannelId"`
}

// VoiceSessionEndedPayload confirms voice session teardown
type VoiceSessionEndedPayload struct {
	VoiceSessionID uuid.UUID `json:"voiceSessionId"`
}

// SDPPayload carries an SDP offer or answer
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// IceCandidatePayload carries one ICE candidate between peers
type IceCandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex int    `json:"sdpMLineIndex,omitempty"`
}
