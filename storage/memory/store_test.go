package memory

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/castlink/castlink/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinCreatesRoom(t *testing.T) {
	ms := NewMemStore(0)

	res, err := ms.Join("c1", "room1", "alice", model.UserTypeViewer)
	require.NoError(t, err)
	assert.Nil(t, res.Displaced)
	assert.Empty(t, res.Peers)
	assert.Equal(t, "room1", res.Room.RoomID)
	assert.Equal(t, 1, res.Room.UserCount)
	assert.Equal(t, DefaultMaxUsersPerRoom, res.Room.MaxUsers)
	require.Len(t, res.Room.Users, 1)
	assert.Equal(t, "alice", res.Room.Users[0].UserID)

	rooms, sessions := ms.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, sessions)
}

func TestJoinReportsExistingPeers(t *testing.T) {
	ms := NewMemStore(0)

	_, err := ms.Join("c1", "room1", "alice", model.UserTypeViewer)
	require.NoError(t, err)

	res, err := ms.Join("c2", "room1", "bob", model.UserTypeBroadcaster)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, res.Peers)
	assert.Equal(t, 2, res.Room.UserCount)
}

func TestJoinFullRoomFailsWithoutSideEffects(t *testing.T) {
	ms := NewMemStore(2)

	_, err := ms.Join("c1", "room1", "u1", model.UserTypeViewer)
	require.NoError(t, err)
	_, err = ms.Join("c2", "room1", "u2", model.UserTypeViewer)
	require.NoError(t, err)

	// c3 sits in another room and tries to move into the full one
	_, err = ms.Join("c3", "room2", "u3", model.UserTypeViewer)
	require.NoError(t, err)

	_, err = ms.Join("c3", "room1", "u3", model.UserTypeViewer)
	require.ErrorIs(t, err, ErrRoomIsFull)

	// the failed join must not have evicted c3 from room2
	sess, err := ms.Session("c3")
	require.NoError(t, err)
	assert.Equal(t, "room2", sess.RoomID)

	snap, err := ms.GetRoom("room2")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.UserCount)
}

func TestRejoinSameFullRoomAllowed(t *testing.T) {
	ms := NewMemStore(1)

	_, err := ms.Join("c1", "room1", "u1", model.UserTypeViewer)
	require.NoError(t, err)

	// the member re-joining its own full room is a swap, not an overflow
	res, err := ms.Join("c1", "room1", "u1-renamed", model.UserTypeViewer)
	require.NoError(t, err)
	require.NotNil(t, res.Displaced)
	assert.Equal(t, "u1", res.Displaced.Session.UserID)
	assert.Equal(t, 1, res.Room.UserCount)
}

func TestJoinDisplacesPreviousSession(t *testing.T) {
	ms := NewMemStore(0)

	_, err := ms.Join("c1", "room1", "alice", model.UserTypeViewer)
	require.NoError(t, err)
	_, err = ms.Join("c2", "room1", "bob", model.UserTypeViewer)
	require.NoError(t, err)

	res, err := ms.Join("c1", "room2", "alice", model.UserTypeViewer)
	require.NoError(t, err)
	require.NotNil(t, res.Displaced)
	assert.Equal(t, "room1", res.Displaced.Session.RoomID)
	assert.Equal(t, []string{"c2"}, res.Displaced.Peers)

	sess, err := ms.Session("c1")
	require.NoError(t, err)
	assert.Equal(t, "room2", sess.RoomID)

	snap, err := ms.GetRoom("room1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.UserCount)
}

func TestLeaveRemovesEmptyRoom(t *testing.T) {
	ms := NewMemStore(0)

	_, err := ms.Join("c1", "room1", "alice", model.UserTypeViewer)
	require.NoError(t, err)

	sess, peers := ms.Leave("c1")
	require.NotNil(t, sess)
	assert.Equal(t, "alice", sess.UserID)
	assert.Empty(t, peers)

	_, err = ms.GetRoom("room1")
	require.ErrorIs(t, err, ErrRoomNotFound)

	// idempotent
	sess, _ = ms.Leave("c1")
	assert.Nil(t, sess)
}

func TestPeersExcludesSelf(t *testing.T) {
	ms := NewMemStore(0)

	_, err := ms.Join("c1", "room1", "alice", model.UserTypeViewer)
	require.NoError(t, err)
	_, err = ms.Join("c2", "room1", "bob", model.UserTypeViewer)
	require.NoError(t, err)

	sess, peers, err := ms.Peers("c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, []string{"c2"}, peers)

	_, _, err = ms.Peers("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAvailableRoomPicksOldestViewerOnly(t *testing.T) {
	ms := NewMemStore(0)
	base := time.Now()
	tick := 0
	ms.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	// roomA: viewer only, oldest
	_, err := ms.Join("c1", "roomA", "v1", model.UserTypeViewer)
	require.NoError(t, err)
	// roomB: has a broadcaster already
	_, err = ms.Join("c2", "roomB", "b1", model.UserTypeBroadcaster)
	require.NoError(t, err)
	_, err = ms.Join("c3", "roomB", "v2", model.UserTypeViewer)
	require.NoError(t, err)
	// roomC: viewer only, newer
	_, err = ms.Join("c4", "roomC", "v3", model.UserTypeViewer)
	require.NoError(t, err)

	roomID, viewers, ok := ms.AvailableRoom()
	require.True(t, ok)
	assert.Equal(t, "roomA", roomID)
	assert.Equal(t, 1, viewers)

	ms.Leave("c1")
	ms.Leave("c4")
	_, _, ok = ms.AvailableRoom()
	assert.False(t, ok)
}

func TestSweepExpired(t *testing.T) {
	ms := NewMemStore(0)
	base := time.Now()
	ms.now = func() time.Time { return base }

	_, err := ms.Join("c1", "old", "u1", model.UserTypeViewer)
	require.NoError(t, err)

	ms.now = func() time.Time { return base.Add(25 * time.Hour) }
	_, err = ms.Join("c2", "fresh", "u2", model.UserTypeViewer)
	require.NoError(t, err)

	removed := ms.SweepExpired(DefaultRoomMaxAge)
	assert.Equal(t, []string{"old"}, removed)

	_, err = ms.Session("c1")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = ms.Session("c2")
	require.NoError(t, err)

	rooms, sessions := ms.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, sessions)
}

func TestSnapshotUsersOrderedByJoinTime(t *testing.T) {
	ms := NewMemStore(0)
	base := time.Now()
	tick := 0
	ms.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < 5; i++ {
		_, err := ms.Join(fmt.Sprintf("c%d", i), "room1", fmt.Sprintf("u%d", i), model.UserTypeViewer)
		require.NoError(t, err)
	}

	snap, err := ms.GetRoom("room1")
	require.NoError(t, err)
	require.Len(t, snap.Users, 5)
	for i, u := range snap.Users {
		assert.Equal(t, fmt.Sprintf("u%d", i), u.UserID)
	}
}

// TestRandomInterleavings hammers join/leave across rooms and checks
// that sessions and room membership never drift apart.
func TestRandomInterleavings(t *testing.T) {
	ms := NewMemStore(3)
	rng := rand.New(rand.NewSource(42))

	conns := []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	rooms := []string{"r0", "r1", "r2"}

	for i := 0; i < 1000; i++ {
		connID := conns[rng.Intn(len(conns))]
		if rng.Intn(3) == 0 {
			ms.Leave(connID)
		} else {
			roomID := rooms[rng.Intn(len(rooms))]
			_, err := ms.Join(connID, roomID, "user-"+connID, model.UserTypeViewer)
			if err != nil {
				require.ErrorIs(t, err, ErrRoomIsFull)
			}
		}

		memberTotal := 0
		for _, snap := range ms.Rooms() {
			require.LessOrEqual(t, snap.UserCount, 3)
			require.Positive(t, snap.UserCount, "empty room retained")
			memberTotal += snap.UserCount
		}
		_, sessions := ms.Stats()
		require.Equal(t, sessions, memberTotal, "sessions out of sync with room membership")
	}
}
