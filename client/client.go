package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/castlink/castlink/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the signaling-channel state of a client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 5

	defaultWriteWait   = 10 * time.Second
	defaultSendTimeout = 5 * time.Second
	sendBufferSize     = 16
)

var (
	ErrAlreadyConnected = errors.New("already connected or connecting")
	ErrNotConnected     = errors.New("not connected to signaling server")
	ErrSendTimeout      = errors.New("send buffer full")
)

// Handler receives signaling events. Payloads arriving with a
// targetUserId are delivered as-is; filtering is the receiver's job
// since the relay fans signaling out room-wide.
type Handler interface {
	OnConnected()
	OnDisconnected()
	OnError(message string)
	OnRoomJoined(room model.RoomJoinedPayload)
	OnRoomLeft(roomID string)
	OnUserJoined(userID, userType string)
	OnUserLeft(userID string)
	OnOffer(offer model.OfferPayload)
	OnAnswer(answer model.AnswerPayload)
	OnICECandidate(candidate model.ICECandidatePayload)
	OnRoomInfo(info model.RoomInfoPayload)
}

// NoopHandler implements Handler with empty methods, for embedding.
type NoopHandler struct{}

func (NoopHandler) OnConnected()                             {}
func (NoopHandler) OnDisconnected()                          {}
func (NoopHandler) OnError(string)                           {}
func (NoopHandler) OnRoomJoined(model.RoomJoinedPayload)     {}
func (NoopHandler) OnRoomLeft(string)                        {}
func (NoopHandler) OnUserJoined(string, string)              {}
func (NoopHandler) OnUserLeft(string)                        {}
func (NoopHandler) OnOffer(model.OfferPayload)               {}
func (NoopHandler) OnAnswer(model.AnswerPayload)             {}
func (NoopHandler) OnICECandidate(model.ICECandidatePayload) {}
func (NoopHandler) OnRoomInfo(model.RoomInfoPayload)         {}

type Config struct {
	ServerURL string
	Handler   Handler
	Logger    *zerolog.Logger

	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

// Client owns one signaling connection to the relay and drives the
// signaling state machine, including heartbeat and reconnect-on-drop.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	handler Handler

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	stop           chan struct{}
	send           chan model.Envelope
	selfClosed     bool
	attempts       int
	reconnectTimer *time.Timer

	roomID   string
	userID   string
	userType string
}

func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "signaling-client").Logger()
	}
	handler := cfg.Handler
	if handler == nil {
		handler = NoopHandler{}
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		state:   StateDisconnected,
	}
}

// SetHandler installs the event handler. Must be called before
// Connect.
func (c *Client) SetHandler(h Handler) {
	if h == nil {
		h = NoopHandler{}
	}
	c.handler = h
}

// State returns the current signaling state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the relay. A failed initial connect moves the client to
// StateError and does not auto-retry; retry is the caller's decision.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.selfClosed = false
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		c.handler.OnError("connect failed: " + err.Error())
		return err
	}
	return nil
}

// Disconnect closes the connection intentionally: no reconnect, any
// in-flight reconnect timer is canceled, room association is cleared.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.selfClosed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	wasLive := c.conn != nil
	c.teardownLocked()
	c.roomID, c.userID, c.userType = "", "", ""
	c.state = StateDisconnected
	c.mu.Unlock()

	if wasLive {
		c.handler.OnDisconnected()
	}
	c.logger.Debug().Msg("disconnected")
}

// JoinRoom asks the relay to place this client into a room.
func (c *Client) JoinRoom(roomID, userID, userType string) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.roomID, c.userID, c.userType = roomID, userID, userType
	c.mu.Unlock()

	return c.sendEnvelope(model.TypeJoinRoom, model.JoinRoomPayload{
		RoomID:   roomID,
		UserID:   userID,
		UserType: userType,
	})
}

// LeaveRoom leaves the current room, if any. Safe to call repeatedly.
func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	roomID, userID := c.roomID, c.userID
	c.roomID, c.userID, c.userType = "", "", ""
	c.mu.Unlock()

	if roomID == "" {
		return nil
	}
	return c.sendEnvelope(model.TypeLeaveRoom, model.LeaveRoomPayload{
		RoomID: roomID,
		UserID: userID,
	})
}

func (c *Client) SendOffer(targetUserID, sdp string) error {
	return c.sendEnvelope(model.TypeOffer, model.OfferPayload{
		TargetUserID: targetUserID,
		SDP:          sdp,
	})
}

func (c *Client) SendAnswer(targetUserID, sdp string) error {
	return c.sendEnvelope(model.TypeAnswer, model.AnswerPayload{
		TargetUserID: targetUserID,
		SDP:          sdp,
	})
}

func (c *Client) SendICECandidate(candidate model.ICECandidatePayload) error {
	return c.sendEnvelope(model.TypeICECandidate, candidate)
}

// RequestRoomInfo asks the relay for a room snapshot; the reply arrives
// via Handler.OnRoomInfo.
func (c *Client) RequestRoomInfo(roomID string) error {
	return c.sendEnvelope(model.TypeRoomInfo, model.RoomInfoRequestPayload{RoomID: roomID})
}

// UserID returns the identity used for the current room, if joined.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.selfClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.stop = make(chan struct{})
	c.send = make(chan model.Envelope, sendBufferSize)
	c.state = StateConnected
	c.attempts = 0
	stop, send := c.stop, c.send
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn, send, stop)

	c.logger.Debug().Str("url", c.cfg.ServerURL).Msg("connected to signaling server")
	c.handler.OnConnected()
	return nil
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onTransportClosed(conn, err)
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		c.dispatch(env)
	}
}

// writePump owns all writes on one connection, including the periodic
// application-level ping while connected.
func (c *Client) writePump(conn *websocket.Conn, send <-chan model.Envelope, stop <-chan struct{}) {
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-stop:
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := conn.WriteJSON(&env); err != nil {
				c.logger.Error().Err(err).Str("type", env.Type).Msg("failed to write outgoing message")
				return
			}
		case <-heartbeat.C:
			env, err := model.NewEnvelope(model.TypePing, nil)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := conn.WriteJSON(&env); err != nil {
				c.logger.Error().Err(err).Msg("failed to send heartbeat ping")
				return
			}
			c.logger.Trace().Msg("heartbeat ping sent")
		}
	}
}

// onTransportClosed runs when the read loop dies. A close that was not
// self-initiated moves the client to Reconnecting and schedules a
// redial with linear backoff.
func (c *Client) onTransportClosed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if conn != c.conn {
		// stale generation, already torn down
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	selfClosed := c.selfClosed
	if selfClosed {
		c.state = StateDisconnected
	} else {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	c.logger.Warn().Err(err).Bool("selfClosed", selfClosed).Msg("signaling transport closed")
	c.handler.OnDisconnected()
	if !selfClosed {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting || c.selfClosed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.state = StateError
		c.mu.Unlock()
		c.logger.Error().Int("attempts", c.cfg.MaxReconnectAttempts).Msg("max reconnect attempts reached")
		c.handler.OnError("max reconnect attempts reached")
		return
	}
	attempt := c.attempts
	delay := c.cfg.ReconnectInterval * time.Duration(attempt)
	c.reconnectTimer = time.AfterFunc(delay, c.redial)
	c.mu.Unlock()

	c.logger.Info().
		Int("attempt", attempt).
		Int("max", c.cfg.MaxReconnectAttempts).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (c *Client) redial() {
	c.mu.Lock()
	if c.state != StateReconnecting || c.selfClosed {
		c.mu.Unlock()
		return
	}
	// no dangling duplicate connections
	c.teardownLocked()
	c.mu.Unlock()

	if err := c.dial(context.Background()); err != nil {
		c.logger.Warn().Err(err).Msg("reconnect attempt failed")
		c.scheduleReconnect()
	}
}

func (c *Client) teardownLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) sendEnvelope(typ string, payload any) error {
	env, err := model.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	send := c.send
	c.mu.Unlock()

	t := time.NewTimer(defaultSendTimeout)
	defer t.Stop()
	select {
	case send <- env:
		return nil
	case <-t.C:
		return ErrSendTimeout
	}
}

func (c *Client) dispatch(env model.Envelope) {
	switch env.Type {
	case model.TypeRoomJoined:
		p, err := model.DecodePayload[model.RoomJoinedPayload](env)
		if err != nil {
			c.softDecodeError(env.Type, err)
			return
		}
		c.handler.OnRoomJoined(p)
	case model.TypeRoomLeft:
		p, err := model.DecodePayload[model.RoomLeftPayload](env)
		if err != nil {
			c.softDecodeError(env.Type, err)
			return
		}
		c.handler.OnRoomLeft(p.RoomID)
	case model.TypeUserJoined:
		p, err := model.DecodePayload[model.UserJoinedPayload](env)
		if err != nil {
			c.softDecodeError(env.Type, err)
			return
		}
		c.handler.OnUserJoined(p.UserID, p.UserType)
	case model.TypeUserLeft:
		p, err := model.DecodePayload[model.UserLeftPayload](env)
		if err != nil {
			c.softDecodeError(env.Type, err)
			return
		}
		c.handler.OnUserLeft(p.UserID)
	case model.TypeOffer:
		p, err := model.DecodePayload[model.OfferPayload](env)
		if err != nil {
			c.softDecodeError(env.Type, err)
			return
		}
		c.handler.OnOffer(p)
	case model.TypeAnswer:
		p, err := model.DecodePayload[model.AnswerPayload](env)
		if err != nil {
			c.softDecodeError(env.Type, err)
			return
		}
		c.handler.OnAnswer(p)
	case model.TypeICECandidate:
		p, err := model.DecodePayload[model.ICECandidatePayload](env)
		if err != nil {
			c.softDecodeError(env.Type, err)
			return
		}
		c.handler.OnICECandidate(p)
	case model.TypeRoomInfo:
		p, err := model.DecodePayload[model.RoomInfoPayload](env)
		if err != nil {
			c.softDecodeError(env.Type, err)
			return
		}
		c.handler.OnRoomInfo(p)
	case model.TypePong:
		c.logger.Trace().Msg("heartbeat pong received")
	case model.TypeError:
		p, err := model.DecodePayload[model.ErrorPayload](env)
		if err != nil {
			c.softDecodeError(env.Type, err)
			return
		}
		c.logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("relay error")
		c.handler.OnError(p.Message)
	default:
		// tolerate unknown relay messages, do not kill the connection
		c.logger.Debug().Str("type", env.Type).Msg("ignoring unknown message type")
	}
}

func (c *Client) softDecodeError(typ string, err error) {
	c.logger.Error().Err(err).Str("type", typ).Msg("failed to decode payload")
}
