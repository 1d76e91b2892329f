package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

var errMalformedFrame = errors.New("malformed frame")

// Conn is one authenticated websocket connection bound to a session. Lifetime
// state that must not outlive the socket (generation flag, live voice session)
// hangs off the connection, not the session.
type Conn struct {
	ws        *websocket.Conn
	sessionID uuid.UUID

	send   chan Envelope
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu         sync.Mutex
	generating bool
	voiceID    *uuid.UUID
}

func newConn(ws *websocket.Conn, sessionID uuid.UUID) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:        ws,
		sessionID: sessionID,
		send:      make(chan Envelope, sendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Send queues an envelope for delivery. Slow consumers get disconnected
// rather than blocking the hub.
func (c *Conn) Send(env Envelope) {
	select {
	case c.send <- env:
	case <-c.ctx.Done():
	default:
		log.Warn().Str("session_id", c.sessionID.String()).Msg("send queue full, dropping connection")
		c.Close()
	}
}

// SendError queues an error frame
func (c *Conn) SendError(code, message string) {
	c.Send(NewEnvelope(KindError, ErrorPayload{Code: code, Message: message}))
}

// Close cancels the connection context and closes the socket once
func (c *Conn) Close() {
	c.once.Do(func() {
		c.cancel()
		c.ws.Close()
	})
}

// Done exposes the connection lifetime for in-flight work
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// writePump drains the send queue onto the socket. It owns all writes.
func (c *Conn) writePump() {
	defer c.Close()
	for {
		select {
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readEnvelope blocks for the next inbound frame
func (c *Conn) readEnvelope() (*Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errMalformedFrame
	}
	return &env, nil
}

// beginGeneration flips the connection into the generating state. Returns
// false when a generation is already running.
func (c *Conn) beginGeneration() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generating {
		return false
	}
	c.generating = true
	return true
}

func (c *Conn) endGeneration() {
	c.mu.Lock()
	c.generating = false
	c.mu.Unlock()
}

// setVoice records the connection's live voice session, returning the one it
// supersedes, if any.
func (c *Conn) setVoice(id uuid.UUID) *uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.voiceID
	c.voiceID = &id
	return prev
}

func (c *Conn) voiceSession() *uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceID
}

func (c *Conn) clearVoice() *uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.voiceID
	c.voiceID = nil
	return prev
}
