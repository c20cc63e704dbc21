package model

import "time"

// User roles inside a room.
const (
	UserTypeBroadcaster = "broadcaster"
	UserTypeViewer      = "viewer"
)

// Session describes one live signaling connection after it joined a room.
// It is owned exclusively by the registry; rooms only hold the connection ID.
type Session struct {
	ConnID   string    `json:"-"`
	UserID   string    `json:"userId"`
	RoomID   string    `json:"roomId"`
	UserType string    `json:"userType"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Member is the public view of a session inside a room snapshot.
type Member struct {
	UserID   string    `json:"userId"`
	UserType string    `json:"userType"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomSnapshot is a point-in-time copy of room state, safe to hand out.
type RoomSnapshot struct {
	RoomID    string    `json:"roomId"`
	UserCount int       `json:"userCount"`
	MaxUsers  int       `json:"maxUsers"`
	CreatedAt time.Time `json:"createdAt"`
	Users     []Member  `json:"users"`
}

// JoinResult is what the registry returns on a successful join.
// Peers holds connection IDs of the other current room members.
// Displaced is set when the connection had an active session in another
// room which was swapped out as part of this join.
type JoinResult struct {
	Room      RoomSnapshot
	Session   Session
	Peers     []string
	Displaced *DisplacedSession
}

// DisplacedSession carries the session removed during an atomic room swap
// together with the remaining members of the departed room, so the router
// can notify them.
type DisplacedSession struct {
	Session Session
	Peers   []string
}

// Wire is a per-connection bidirectional channel pair between the
// websocket server and the router. RX carries inbound client messages,
// TX carries messages destined for the client.
type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}
