package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeJoinRoom, JoinRoomPayload{
		RoomID:   "room1",
		UserID:   "alice",
		UserType: UserTypeBroadcaster,
	})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, TypeJoinRoom, got.Type)

	p, err := DecodePayload[JoinRoomPayload](got)
	require.NoError(t, err)
	assert.Equal(t, "room1", p.RoomID)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, UserTypeBroadcaster, p.UserType)
}

func TestEnvelopeSRCNeverSerialized(t *testing.T) {
	env, err := NewEnvelope(TypePing, nil)
	require.NoError(t, err)
	env.SRC = "conn-123"

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "conn-123")

	var got Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"ping","SRC":"spoofed"}`), &got))
	assert.Empty(t, got.SRC)
}

func TestDecodePayloadEmpty(t *testing.T) {
	p, err := DecodePayload[LeaveRoomPayload](Envelope{Type: TypeLeaveRoom})
	require.NoError(t, err)
	assert.Empty(t, p.RoomID)
}

func TestDecodePayloadMalformed(t *testing.T) {
	env := Envelope{Type: TypeOffer, Payload: json.RawMessage(`{"sdp":12}`)}
	_, err := DecodePayload[OfferPayload](env)
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestNewEnvelopeUnmarshalablePayload(t *testing.T) {
	_, err := NewEnvelope(TypeOffer, func() {})
	require.Error(t, err)
}
