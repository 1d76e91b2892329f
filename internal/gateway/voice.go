package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// MediaNegotiator answers SDP offers. The default implementation negotiates
// locally; deployments can plug a media server behind this seam.
type MediaNegotiator interface {
	Negotiate(ctx context.Context, offerSDP string) (string, error)
}

// PassthroughNegotiator produces a local answer by flipping the offer's DTLS
// role. It carries no media itself.
type PassthroughNegotiator struct{}

func (PassthroughNegotiator) Negotiate(_ context.Context, offerSDP string) (string, error) {
	if !strings.Contains(offerSDP, "v=0") {
		return "", errors.New("not an SDP offer")
	}
	answer := strings.ReplaceAll(offerSDP, "a=setup:actpass", "a=setup:active")
	return answer, nil
}

// VoiceGateway serves the voice signaling websocket endpoint
type VoiceGateway struct {
	store      SessionStore
	tokens     TokenValidator
	hub        *Hub
	negotiator MediaNegotiator
	upgrader   websocket.Upgrader
}

// NewVoiceGateway creates a voice gateway. A nil negotiator falls back to
// local passthrough negotiation.
func NewVoiceGateway(store SessionStore, tokens TokenValidator, hub *Hub, negotiator MediaNegotiator) *VoiceGateway {
	if negotiator == nil {
		negotiator = PassthroughNegotiator{}
	}
	return &VoiceGateway{
		store:      store,
		tokens:     tokens,
		hub:        hub,
		negotiator: negotiator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (g *VoiceGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID, ok := authenticate(ws, r, g.tokens)
	if !ok {
		return
	}

	if _, err := g.store.Get(r.Context(), sessionID); err != nil {
		rejectWS(ws, CodeSessionNotFound, "session not found")
		return
	}

	conn := newConn(ws, sessionID)
	g.hub.Join(conn)
	go conn.writePump()
	defer func() {
		// Socket teardown ends any live voice session
		if prev := conn.clearVoice(); prev != nil {
			if err := g.store.EndVoice(context.Background(), *prev); err != nil {
				log.Warn().Err(err).Msg("failed to end voice session on disconnect")
			}
		}
		g.hub.Leave(conn)
		conn.Close()
	}()

	g.readLoop(conn)
}

func (g *VoiceGateway) readLoop(conn *Conn) {
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
		case KindVoiceInit:
			g.handleInit(conn)
		case KindOffer:
			g.handleOffer(conn, env.Payload)
		case KindAnswer:
			g.handleAnswer(conn)
		case KindIceCandidate:
			g.handleIceCandidate(conn, env.Payload)
		case KindEndVoice:
			g.handleEnd(conn)
		default:
			conn.SendError(CodeInvalidMessage, "unknown message type: "+env.Type)
		}
	}
}

// handleInit opens a voice session. A second init on the same connection
// supersedes the live one.
func (g *VoiceGateway) handleInit(conn *Conn) {
	vs, err := g.store.StartVoice(conn.ctx, conn.sessionID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionEnded):
			conn.SendError(CodeSessionEnded, "session has ended")
		case errors.Is(err, domain.ErrSessionNotFound):
			conn.SendError(CodeSessionNotFound, "session not found")
		default:
			conn.SendError(CodeInternal, "failed to start voice session")
		}
		return
	}

	if prev := conn.setVoice(vs.ID); prev != nil {
		if err := g.store.EndVoice(conn.ctx, *prev); err != nil {
			log.Warn().Err(err).Msg("failed to end superseded voice session")
		}
	}

	conn.Send(NewEnvelope(KindVoiceSessionStarted, VoiceSessionStartedPayload{
		VoiceSessionID:     vs.ID,
		SignalingChannelID: vs.SignalingChannelID,
	}))
}

func (g *VoiceGateway) handleOffer(conn *Conn, payload json.RawMessage) {
	if conn.voiceSession() == nil {
		conn.SendError(CodeNoVoiceSession, "no active voice session")
		return
	}

	var p SDPPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SDP == "" {
		conn.SendError(CodeInvalidMessage, "offer requires sdp")
		return
	}

	answer, err := g.negotiator.Negotiate(conn.ctx, p.SDP)
	if err != nil {
		log.Error().Err(err).Msg("negotiation failed")
		conn.SendError(CodeInternal, "negotiation failed")
		return
	}

	conn.Send(NewEnvelope(KindAnswer, SDPPayload{SDP: answer}))
}

func (g *VoiceGateway) handleAnswer(conn *Conn) {
	if conn.voiceSession() == nil {
		conn.SendError(CodeNoVoiceSession, "no active voice session")
		return
	}
	// Negotiation complete; nothing to relay for a local negotiator
}

func (g *VoiceGateway) handleIceCandidate(conn *Conn, payload json.RawMessage) {
	if conn.voiceSession() == nil {
		conn.SendError(CodeNoVoiceSession, "no active voice session")
		return
	}

	var p IceCandidatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Candidate == "" {
		conn.SendError(CodeInvalidMessage, "ice_candidate requires candidate")
		return
	}

	g.hub.Broadcast(conn.sessionID, conn, NewEnvelope(KindIceCandidate, p))
}

func (g *VoiceGateway) handleEnd(conn *Conn) {
	prev := conn.clearVoice()
	if prev == nil {
		conn.SendError(CodeNoVoiceSession, "no active voice session")
		return
	}
	if err := g.store.EndVoice(conn.ctx, *prev); err != nil {
		conn.SendError(CodeInternal, "failed to end voice session")
		return
	}
	conn.Send(NewEnvelope(KindVoiceSessionEnded, VoiceSessionEndedPayload{VoiceSessionID: *prev}))
}
