package memory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/castlink/castlink/model"
)

const (
	DefaultMaxUsersPerRoom = 10
	DefaultRoomMaxAge      = 24 * time.Hour
)

var (
	ErrRoomIsFull      = errors.New("room is full")
	ErrRoomNotFound    = errors.New("room is not found")
	ErrSessionNotFound = errors.New("session is not found")
)

type room struct {
	id        string
	createdAt time.Time
	members   map[string]struct{} // connection IDs
}

// MemStore is the in-memory room registry and session directory.
// All mutations run under one mutex so joins, leaves and member-list
// reads always observe a consistent state.
type MemStore struct {
	mx       *sync.Mutex
	rooms    map[string]*room
	sessions map[string]*model.Session // by connection ID
	maxUsers int
	now      func() time.Time
}

func NewMemStore(maxUsers int) *MemStore {
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsersPerRoom
	}
	return &MemStore{
		mx:       &sync.Mutex{},
		rooms:    make(map[string]*room),
		sessions: make(map[string]*model.Session),
		maxUsers: maxUsers,
		now:      time.Now,
	}
}

// Join inserts a session into a room, creating the room if absent.
// If the connection already has a session elsewhere, that session is
// swapped out atomically and reported via JoinResult.Displaced. A join
// into a full room fails without touching any state.
func (ms *MemStore) Join(connID, roomID, userID, userType string) (model.JoinResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	prev := ms.sessions[connID]
	if r, ok := ms.rooms[roomID]; ok && len(r.members) >= ms.maxUsers {
		if prev == nil || prev.RoomID != roomID {
			return model.JoinResult{}, ErrRoomIsFull
		}
	}

	var res model.JoinResult
	if prev != nil {
		sess, peers := ms.removeSession(connID)
		res.Displaced = &model.DisplacedSession{Session: *sess, Peers: peers}
	}

	r, ok := ms.rooms[roomID]
	if !ok {
		r = &room{
			id:        roomID,
			createdAt: ms.now(),
			members:   make(map[string]struct{}),
		}
		ms.rooms[roomID] = r
	}

	for peer := range r.members {
		res.Peers = append(res.Peers, peer)
	}
	r.members[connID] = struct{}{}

	sess := &model.Session{
		ConnID:   connID,
		UserID:   userID,
		RoomID:   roomID,
		UserType: userType,
		JoinedAt: ms.now(),
	}
	ms.sessions[connID] = sess

	res.Session = *sess
	res.Room = ms.snapshot(r)
	return res, nil
}

// Leave removes the connection's session, deleting the room if it ends
// up empty. Returns the removed session and the connection IDs of the
// remaining members, or nil when the connection had no session.
func (ms *MemStore) Leave(connID string) (*model.Session, []string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return ms.removeSession(connID)
}

func (ms *MemStore) removeSession(connID string) (*model.Session, []string) {
	sess, ok := ms.sessions[connID]
	if !ok {
		return nil, nil
	}
	delete(ms.sessions, connID)

	var peers []string
	if r, ok := ms.rooms[sess.RoomID]; ok {
		delete(r.members, connID)
		if len(r.members) == 0 {
			delete(ms.rooms, sess.RoomID)
		} else {
			for peer := range r.members {
				peers = append(peers, peer)
			}
		}
	}
	return sess, peers
}

// Session returns the session for a connection ID.
func (ms *MemStore) Session(connID string) (model.Session, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess, ok := ms.sessions[connID]
	if !ok {
		return model.Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

// Peers returns the sender's session together with the connection IDs
// of the other members of its room, read under one lock so the member
// list is consistent with the session.
func (ms *MemStore) Peers(connID string) (model.Session, []string, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess, ok := ms.sessions[connID]
	if !ok {
		return model.Session{}, nil, ErrSessionNotFound
	}

	var peers []string
	if r, ok := ms.rooms[sess.RoomID]; ok {
		for peer := range r.members {
			if peer != connID {
				peers = append(peers, peer)
			}
		}
	}
	return *sess, peers, nil
}

// GetRoom returns a snapshot of a single room.
func (ms *MemStore) GetRoom(roomID string) (model.RoomSnapshot, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.rooms[roomID]
	if !ok {
		return model.RoomSnapshot{}, ErrRoomNotFound
	}
	return ms.snapshot(r), nil
}

// Rooms returns snapshots of all rooms, oldest first.
func (ms *MemStore) Rooms() []model.RoomSnapshot {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	snaps := make([]model.RoomSnapshot, 0, len(ms.rooms))
	for _, r := range ms.rooms {
		snaps = append(snaps, ms.snapshot(r))
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// AvailableRoom finds the oldest room that has at least one waiting
// viewer and no broadcaster yet. Reports the viewer count alongside.
func (ms *MemStore) AvailableRoom() (string, int, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var (
		best        *room
		bestViewers int
	)
	for _, r := range ms.rooms {
		viewers, broadcasters := 0, 0
		for connID := range r.members {
			switch ms.sessions[connID].UserType {
			case model.UserTypeBroadcaster:
				broadcasters++
			default:
				viewers++
			}
		}
		if viewers == 0 || broadcasters > 0 {
			continue
		}
		if best == nil || r.createdAt.Before(best.createdAt) {
			best, bestViewers = r, viewers
		}
	}
	if best == nil {
		return "", 0, false
	}
	return best.id, bestViewers, true
}

// SweepExpired removes rooms older than maxAge regardless of
// membership, along with their sessions. Returns removed room IDs.
func (ms *MemStore) SweepExpired(maxAge time.Duration) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	deadline := ms.now().Add(-maxAge)
	var removed []string
	for id, r := range ms.rooms {
		if r.createdAt.After(deadline) {
			continue
		}
		for connID := range r.members {
			delete(ms.sessions, connID)
		}
		delete(ms.rooms, id)
		removed = append(removed, id)
	}
	return removed
}

// Stats reports the number of rooms and live sessions.
func (ms *MemStore) Stats() (int, int) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.rooms), len(ms.sessions)
}

func (ms *MemStore) snapshot(r *room) model.RoomSnapshot {
	snap := model.RoomSnapshot{
		RoomID:    r.id,
		UserCount: len(r.members),
		MaxUsers:  ms.maxUsers,
		CreatedAt: r.createdAt,
		Users:     make([]model.Member, 0, len(r.members)),
	}
	for connID := range r.members {
		sess := ms.sessions[connID]
		snap.Users = append(snap.Users, model.Member{
			UserID:   sess.UserID,
			UserType: sess.UserType,
			JoinedAt: sess.JoinedAt,
		})
	}
	sort.Slice(snap.Users, func(i, j int) bool {
		return snap.Users[i].JoinedAt.Before(snap.Users[j].JoinedAt)
	})
	return snap
}
