package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Signaling message types. Clients send join_room, leave_room, offer,
// answer, ice_candidate, room_info and ping; everything else is
// relay-originated.
const (
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeRoomJoined   = "room_joined"
	TypeRoomLeft     = "room_left"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeRoomInfo     = "room_info"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Error codes carried in error payloads.
const (
	CodeJoinRoomError  = "JOIN_ROOM_ERROR"
	CodeNotInRoom      = "NOT_IN_ROOM"
	CodeUnknownMessage = "UNKNOWN_MESSAGE"
	CodeBadMessage     = "BAD_MESSAGE"
)

var ErrBadPayload = errors.New("malformed message payload")

// Envelope is the wire frame for every signaling message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// SRC is the originating connection ID. It is assigned by the
	// websocket server on receive and never serialized, so routing
	// decisions can never be driven by a client-supplied value.
	SRC string `json:"-"`
}

// NewEnvelope wraps a typed payload into an envelope.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("cannot marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: b}, nil
}

// DecodePayload parses an envelope payload into its typed form.
// An absent payload decodes into the zero value.
func DecodePayload[T any](env Envelope) (T, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, errors.Join(ErrBadPayload, err)
	}
	return p, nil
}

type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserType string `json:"userType,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId,omitempty"`
}

type RoomJoinedPayload struct {
	RoomID   string       `json:"roomId"`
	UserID   string       `json:"userId"`
	UserType string       `json:"userType"`
	RoomInfo RoomSnapshot `json:"roomInfo"`
}

type RoomLeftPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type UserJoinedPayload struct {
	UserID   string    `json:"userId"`
	UserType string    `json:"userType"`
	JoinedAt time.Time `json:"joinedAt"`
}

type UserLeftPayload struct {
	UserID string    `json:"userId"`
	LeftAt time.Time `json:"leftAt"`
}

// OfferPayload and AnswerPayload carry opaque SDP. FromUserID is stamped
// by the relay from the sender's session; TargetUserID is a hint for
// receiver-side filtering, the relay still fans out room-wide.
type OfferPayload struct {
	FromUserID   string    `json:"fromUserId,omitempty"`
	TargetUserID string    `json:"targetUserId,omitempty"`
	SDP          string    `json:"sdp"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

type AnswerPayload struct {
	FromUserID   string    `json:"fromUserId,omitempty"`
	TargetUserID string    `json:"targetUserId,omitempty"`
	SDP          string    `json:"sdp"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

type ICECandidatePayload struct {
	FromUserID    string    `json:"fromUserId,omitempty"`
	TargetUserID  string    `json:"targetUserId,omitempty"`
	Candidate     string    `json:"candidate"`
	SDPMid        string    `json:"sdpMid,omitempty"`
	SDPMLineIndex int       `json:"sdpMLineIndex"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

type RoomInfoRequestPayload struct {
	RoomID string `json:"roomId"`
}

type RoomInfoPayload struct {
	Success  bool          `json:"success"`
	RoomInfo *RoomSnapshot `json:"roomInfo,omitempty"`
}

type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
