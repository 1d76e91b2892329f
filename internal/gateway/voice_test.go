package gateway

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\na=setup:actpass\r\n"

func newVoiceServer(t *testing.T, store *fakeStore) *httptest.Server {
	t.Helper()
	gw := NewVoiceGateway(store, &fakeTokens{sessionID: store.session.ID}, NewHub(), nil)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv
}

func TestVoiceHandshakeRejectsMissingAuth(t *testing.T) {
	store := newFakeStore(nil)
	srv := newVoiceServer(t, store)

	ws := dial(t, srv, "")

	env := readFrame(t, ws)
	assert.Equal(t, KindError, env.Type)
	assert.Equal(t, CodeMissingAuth, decodePayload[ErrorPayload](t, env).Code)
}

func TestVoiceOfferWithoutInit(t *testing.T) {
	store := newFakeStore(nil)
	srv := newVoiceServer(t, store)

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token="+testToken)

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindOffer, SDPPayload{SDP: offerSDP})))

	env := readFrame(t, ws)
	require.Equal(t, KindError, env.Type)
	assert.Equal(t, CodeNoVoiceSession, decodePayload[ErrorPayload](t, env).Code)
}

func TestVoiceInitThenOffer(t *testing.T) {
	store := newFakeStore(nil)
	srv := newVoiceServer(t, store)

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token="+testToken)

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindVoiceInit, nil)))

	started := readFrame(t, ws)
	require.Equal(t, KindVoiceSessionStarted, started.Type)
	startedPayload := decodePayload[VoiceSessionStartedPayload](t, started)
	assert.NotEmpty(t, startedPayload.SignalingChannelID)

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindOffer, SDPPayload{SDP: offerSDP})))

	answer := readFrame(t, ws)
	require.Equal(t, KindAnswer, answer.Type)
	sdp := decodePayload[SDPPayload](t, answer).SDP
	assert.Contains(t, sdp, "a=setup:active")
	assert.NotContains(t, sdp, "a=setup:actpass")
}

func TestVoiceInitSupersedesLiveSession(t *testing.T) {
	store := newFakeStore(nil)
	srv := newVoiceServer(t, store)

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token="+testToken)

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindVoiceInit, nil)))
	first := decodePayload[VoiceSessionStartedPayload](t, readFrame(t, ws))

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindVoiceInit, nil)))
	second := decodePayload[VoiceSessionStartedPayload](t, readFrame(t, ws))

	assert.NotEqual(t, first.VoiceSessionID, second.VoiceSessionID)
	// The first voice session was ended when the second init arrived
	assert.Equal(t, []string{first.VoiceSessionID.String()}, func() []string {
		ids := store.endedVoiceIDs()
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.String()
		}
		return out
	}())

	// Signaling still works on the superseding session
	require.NoError(t, ws.WriteJSON(NewEnvelope(KindOffer, SDPPayload{SDP: offerSDP})))
	assert.Equal(t, KindAnswer, readFrame(t, ws).Type)
}

func TestVoiceEndThenSignalingRejected(t *testing.T) {
	store := newFakeStore(nil)
	srv := newVoiceServer(t, store)

	ws := dial(t, srv, "sessionId="+store.session.ID.String()+"&token="+testToken)

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindVoiceInit, nil)))
	started := decodePayload[VoiceSessionStartedPayload](t, readFrame(t, ws))

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindEndVoice, nil)))
	ended := readFrame(t, ws)
	require.Equal(t, KindVoiceSessionEnded, ended.Type)
	assert.Equal(t, started.VoiceSessionID, decodePayload[VoiceSessionEndedPayload](t, ended).VoiceSessionID)

	require.NoError(t, ws.WriteJSON(NewEnvelope(KindIceCandidate, IceCandidatePayload{Candidate: "candidate:1"})))
	env := readFrame(t, ws)
	require.Equal(t, KindError, env.Type)
	assert.Equal(t, CodeNoVoiceSession, decodePayload[ErrorPayload](t, env).Code)
}

func TestPassthroughNegotiatorRejectsGarbage(t *testing.T) {
	_, err := PassthroughNegotiator{}.Negotiate(context.Background(), "not sdp")
	assert.Error(t, err)
}
