package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/castlink/castlink/model"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRelay is a minimal signaling endpoint: it records everything the
// client sends and lets tests push frames or kill connections.
type stubRelay struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan model.Envelope
	accepted chan struct{}
}

func newStubRelay(t *testing.T) *stubRelay {
	t.Helper()
	sr := &stubRelay{
		received: make(chan model.Envelope, 64),
		accepted: make(chan struct{}, 8),
	}
	sr.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := sr.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sr.mu.Lock()
		sr.conns = append(sr.conns, conn)
		sr.mu.Unlock()
		sr.accepted <- struct{}{}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env model.Envelope
			if err = json.Unmarshal(data, &env); err != nil {
				continue
			}
			sr.received <- env
		}
	}))
	t.Cleanup(sr.ts.Close)
	return sr
}

func (sr *stubRelay) url() string {
	return "ws" + strings.TrimPrefix(sr.ts.URL, "http")
}

func (sr *stubRelay) lastConn(t *testing.T) *websocket.Conn {
	t.Helper()
	sr.mu.Lock()
	defer sr.mu.Unlock()
	require.NotEmpty(t, sr.conns)
	return sr.conns[len(sr.conns)-1]
}

func (sr *stubRelay) push(t *testing.T, typ string, payload any) {
	t.Helper()
	env, err := model.NewEnvelope(typ, payload)
	require.NoError(t, err)
	require.NoError(t, sr.lastConn(t).WriteJSON(&env))
}

func (sr *stubRelay) dropConn(t *testing.T) {
	t.Helper()
	require.NoError(t, sr.lastConn(t).Close())
}

func (sr *stubRelay) expect(t *testing.T, typ string) model.Envelope {
	t.Helper()
	for {
		select {
		case env := <-sr.received:
			if env.Type == model.TypePing && typ != model.TypePing {
				continue // heartbeat noise
			}
			require.Equal(t, typ, env.Type)
			return env
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", typ)
			return model.Envelope{}
		}
	}
}

// recorder captures handler callbacks for assertions.
type recorder struct {
	NoopHandler
	rooms     chan model.RoomJoinedPayload
	errors    chan string
	connected chan struct{}
	dropped   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		rooms:     make(chan model.RoomJoinedPayload, 8),
		errors:    make(chan string, 8),
		connected: make(chan struct{}, 8),
		dropped:   make(chan struct{}, 8),
	}
}

func (r *recorder) OnConnected()                           { r.connected <- struct{}{} }
func (r *recorder) OnDisconnected()                        { r.dropped <- struct{}{} }
func (r *recorder) OnError(msg string)                     { r.errors <- msg }
func (r *recorder) OnRoomJoined(p model.RoomJoinedPayload) { r.rooms <- p }

func newTestClient(sr *stubRelay, h Handler) *Client {
	return New(Config{
		ServerURL:            sr.url(),
		Handler:              h,
		HeartbeatInterval:    20 * time.Millisecond,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
}

func TestConnectAndJoin(t *testing.T) {
	sr := newStubRelay(t)
	rec := newRecorder()
	c := newTestClient(sr, rec)

	require.NoError(t, c.Connect(context.Background()))
	<-rec.connected
	assert.Equal(t, StateConnected, c.State())
	require.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, c.JoinRoom("room1", "alice", model.UserTypeViewer))
	env := sr.expect(t, model.TypeJoinRoom)
	p, err := model.DecodePayload[model.JoinRoomPayload](env)
	require.NoError(t, err)
	assert.Equal(t, "room1", p.RoomID)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "alice", c.UserID())

	sr.push(t, model.TypeRoomJoined, model.RoomJoinedPayload{RoomID: "room1", UserID: "alice"})
	select {
	case joined := <-rec.rooms:
		assert.Equal(t, "room1", joined.RoomID)
	case <-time.After(3 * time.Second):
		t.Fatal("room_joined never dispatched")
	}

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectFailureDoesNotRetry(t *testing.T) {
	rec := newRecorder()
	c := New(Config{
		ServerURL: "ws://127.0.0.1:1/signal",
		Handler:   rec,
	})

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateError, c.State())
	select {
	case msg := <-rec.errors:
		assert.Contains(t, msg, "connect failed")
	case <-time.After(time.Second):
		t.Fatal("no error callback")
	}

	// still no retry after the backoff interval would have elapsed
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateError, c.State())
}

func TestSendWithoutConnection(t *testing.T) {
	sr := newStubRelay(t)
	c := newTestClient(sr, NoopHandler{})

	require.ErrorIs(t, c.JoinRoom("room1", "alice", ""), ErrNotConnected)
	require.ErrorIs(t, c.SendOffer("bob", "v=0"), ErrNotConnected)
	require.NoError(t, c.LeaveRoom(), "leave with no room is a no-op")
}

func TestHeartbeat(t *testing.T) {
	sr := newStubRelay(t)
	c := newTestClient(sr, NoopHandler{})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	for i := 0; i < 2; i++ {
		sr.expect(t, model.TypePing)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	sr := newStubRelay(t)
	rec := newRecorder()
	c := newTestClient(sr, rec)

	require.NoError(t, c.Connect(context.Background()))
	<-sr.accepted
	<-rec.connected

	sr.dropConn(t)
	<-rec.dropped

	// a second server-side connection means the redial happened
	select {
	case <-sr.accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("client never reconnected")
	}
	<-rec.connected
	assert.Equal(t, StateConnected, c.State())

	c.Disconnect()
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	sr := newStubRelay(t)
	rec := newRecorder()
	c := newTestClient(sr, rec)

	require.NoError(t, c.Connect(context.Background()))
	<-sr.accepted
	<-rec.connected

	// kill the relay entirely so every redial fails
	sr.ts.CloseClientConnections()
	sr.ts.Close()
	// CloseClientConnections does not reach hijacked (websocket)
	// connections, so drop the live one explicitly.
	sr.dropConn(t)

	select {
	case msg := <-rec.errors:
		assert.Equal(t, "max reconnect attempts reached", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}
	assert.Equal(t, StateError, c.State())
}

func TestDisconnectStopsReconnect(t *testing.T) {
	sr := newStubRelay(t)
	rec := newRecorder()
	c := newTestClient(sr, rec)

	require.NoError(t, c.Connect(context.Background()))
	<-sr.accepted
	<-rec.connected

	c.Disconnect()
	<-rec.dropped

	select {
	case <-sr.accepted:
		t.Fatal("client reconnected after an intentional disconnect")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestUnknownMessageTolerated(t *testing.T) {
	sr := newStubRelay(t)
	rec := newRecorder()
	c := newTestClient(sr, rec)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	<-rec.connected

	sr.push(t, "totally-new-thing", nil)
	sr.push(t, model.TypeRoomJoined, model.RoomJoinedPayload{RoomID: "room1"})

	select {
	case joined := <-rec.rooms:
		assert.Equal(t, "room1", joined.RoomID)
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not survive the unknown message")
	}
}
