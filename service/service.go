package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/castlink/castlink/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrGet = errors.New("unable to get room")

type (
	// Registry is the room registry and session directory. Join and
	// Leave mutate state only; all peer notification happens here in
	// the router, so the two can be tested independently.
	Registry interface {
		Join(connID, roomID, userID, userType string) (model.JoinResult, error)
		Leave(connID string) (*model.Session, []string)
		Session(connID string) (model.Session, error)
		Peers(connID string) (model.Session, []string, error)
		GetRoom(roomID string) (model.RoomSnapshot, error)
		Rooms() []model.RoomSnapshot
		AvailableRoom() (string, int, bool)
		Stats() (int, int)
	}

	// Connector delivers envelopes to connections.
	Connector interface {
		Connect(connID string, wire model.Wire)
		Disconnect(connID string)
		Send(ctx context.Context, connID string, env model.Envelope) bool
		Fanout(ctx context.Context, env model.Envelope, connIDs []string)
		Count() int
	}

	Service struct {
		reg    Registry
		sw     Connector
		logger zerolog.Logger
		now    func() time.Time
	}

	Config struct {
		Registry  Registry
		Connector Connector
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		reg:    cfg.Registry,
		sw:     cfg.Connector,
		logger: cfg.Logger.With().Str("component", "router").Logger(),
		now:    time.Now,
	}
}

// CreateSignalingSession registers the wire and starts routing its
// inbound messages until ctx is canceled.
func (svc *Service) CreateSignalingSession(ctx context.Context, connID string, wire model.Wire) {
	svc.sw.Connect(connID, wire)
	svc.logger.Debug().Str("connID", connID).Msg("signaling session connected")
	go svc.dispatchLoop(ctx, connID, wire.RX)
}

// DeleteSignalingSession tears down a connection after its transport is
// gone: the session leaves its room and remaining members get
// user_left. No room_left is sent, there is nobody to receive it.
func (svc *Service) DeleteSignalingSession(ctx context.Context, connID string) {
	svc.sw.Disconnect(connID)

	sess, peers := svc.reg.Leave(connID)
	if sess == nil {
		return
	}
	svc.logger.Debug().
		Str("connID", connID).
		Str("userID", sess.UserID).
		Str("roomID", sess.RoomID).
		Msg("session removed on disconnect")

	svc.notifyUserLeft(ctx, *sess, peers)
}

// HasSession reports whether a connection has joined a room.
func (svc *Service) HasSession(connID string) bool {
	_, err := svc.reg.Session(connID)
	return err == nil
}

// Rooms lists snapshots of all current rooms.
func (svc *Service) Rooms() []model.RoomSnapshot {
	return svc.reg.Rooms()
}

// Room returns a single room snapshot.
func (svc *Service) Room(roomID string) (model.RoomSnapshot, error) {
	snap, err := svc.reg.GetRoom(roomID)
	if err != nil {
		return model.RoomSnapshot{}, errors.Join(ErrGet, err)
	}
	return snap, nil
}

// AvailableRoom picks a room with a waiting viewer and no broadcaster,
// or mints a fresh room ID when none exists. The second return value is
// the number of waiting viewers.
func (svc *Service) AvailableRoom() (string, int, bool) {
	if roomID, viewers, ok := svc.reg.AvailableRoom(); ok {
		return roomID, viewers, true
	}
	id := "room_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return id, 0, false
}

// Stats reports room, session and connection counts.
func (svc *Service) Stats() (rooms, sessions, connections int) {
	rooms, sessions = svc.reg.Stats()
	connections = svc.sw.Count()
	return
}

func (svc *Service) dispatchLoop(ctx context.Context, connID string, rx <-chan model.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-rx:
			if !ok {
				return
			}
			env.SRC = connID
			svc.route(ctx, env)
		}
	}
}

// route translates one inbound envelope into zero or more outbound
// sends. A bad message never closes the connection; the sender gets an
// error envelope instead.
func (svc *Service) route(ctx context.Context, env model.Envelope) {
	switch env.Type {
	case model.TypeJoinRoom:
		svc.handleJoin(ctx, env)
	case model.TypeLeaveRoom:
		svc.handleLeave(ctx, env)
	case model.TypeOffer:
		svc.handleOffer(ctx, env)
	case model.TypeAnswer:
		svc.handleAnswer(ctx, env)
	case model.TypeICECandidate:
		svc.handleICECandidate(ctx, env)
	case model.TypeRoomInfo:
		svc.handleRoomInfo(ctx, env)
	case model.TypePing:
		svc.sendTo(ctx, env.SRC, model.TypePong, model.PongPayload{Timestamp: svc.now()})
	default:
		svc.logger.Debug().Str("type", env.Type).Str("connID", env.SRC).Msg("unknown message type")
		svc.sendError(ctx, env.SRC, model.CodeUnknownMessage, "unknown message type")
	}
}

func (svc *Service) handleJoin(ctx context.Context, env model.Envelope) {
	p, err := model.DecodePayload[model.JoinRoomPayload](env)
	if err != nil {
		svc.sendError(ctx, env.SRC, model.CodeBadMessage, "malformed join_room payload")
		return
	}
	if p.RoomID == "" || p.UserID == "" {
		svc.sendError(ctx, env.SRC, model.CodeJoinRoomError, "room id and user id are required")
		return
	}
	if p.UserType == "" {
		p.UserType = model.UserTypeViewer
	}

	res, err := svc.reg.Join(env.SRC, p.RoomID, p.UserID, p.UserType)
	if err != nil {
		svc.logger.Debug().Err(err).
			Str("roomID", p.RoomID).
			Str("userID", p.UserID).
			Msg("join rejected")
		svc.sendError(ctx, env.SRC, model.CodeJoinRoomError, err.Error())
		return
	}

	if res.Displaced != nil {
		svc.sendTo(ctx, env.SRC, model.TypeRoomLeft, model.RoomLeftPayload{
			RoomID: res.Displaced.Session.RoomID,
			UserID: res.Displaced.Session.UserID,
		})
		svc.notifyUserLeft(ctx, res.Displaced.Session, res.Displaced.Peers)
	}

	svc.sendTo(ctx, env.SRC, model.TypeRoomJoined, model.RoomJoinedPayload{
		RoomID:   res.Room.RoomID,
		UserID:   res.Session.UserID,
		UserType: res.Session.UserType,
		RoomInfo: res.Room,
	})
	svc.fanout(ctx, res.Peers, model.TypeUserJoined, model.UserJoinedPayload{
		UserID:   res.Session.UserID,
		UserType: res.Session.UserType,
		JoinedAt: res.Session.JoinedAt,
	})

	svc.logger.Debug().
		Str("userID", res.Session.UserID).
		Str("roomID", res.Room.RoomID).
		Str("userType", res.Session.UserType).
		Msg("user joined room")
}

// handleLeave is idempotent: a leave without a session does nothing.
func (svc *Service) handleLeave(ctx context.Context, env model.Envelope) {
	sess, peers := svc.reg.Leave(env.SRC)
	if sess == nil {
		return
	}

	svc.sendTo(ctx, env.SRC, model.TypeRoomLeft, model.RoomLeftPayload{
		RoomID: sess.RoomID,
		UserID: sess.UserID,
	})
	svc.notifyUserLeft(ctx, *sess, peers)

	svc.logger.Debug().
		Str("userID", sess.UserID).
		Str("roomID", sess.RoomID).
		Msg("user left room")
}

func (svc *Service) handleOffer(ctx context.Context, env model.Envelope) {
	sess, peers, ok := svc.senderSession(ctx, env.SRC)
	if !ok {
		return
	}
	p, err := model.DecodePayload[model.OfferPayload](env)
	if err != nil {
		svc.sendError(ctx, env.SRC, model.CodeBadMessage, "malformed offer payload")
		return
	}
	p.FromUserID = sess.UserID
	p.Timestamp = svc.now()
	svc.fanout(ctx, peers, model.TypeOffer, p)
	svc.logger.Trace().Str("from", sess.UserID).Str("target", p.TargetUserID).Msg("offer forwarded")
}

func (svc *Service) handleAnswer(ctx context.Context, env model.Envelope) {
	sess, peers, ok := svc.senderSession(ctx, env.SRC)
	if !ok {
		return
	}
	p, err := model.DecodePayload[model.AnswerPayload](env)
	if err != nil {
		svc.sendError(ctx, env.SRC, model.CodeBadMessage, "malformed answer payload")
		return
	}
	p.FromUserID = sess.UserID
	p.Timestamp = svc.now()
	svc.fanout(ctx, peers, model.TypeAnswer, p)
	svc.logger.Trace().Str("from", sess.UserID).Str("target", p.TargetUserID).Msg("answer forwarded")
}

func (svc *Service) handleICECandidate(ctx context.Context, env model.Envelope) {
	sess, peers, ok := svc.senderSession(ctx, env.SRC)
	if !ok {
		return
	}
	p, err := model.DecodePayload[model.ICECandidatePayload](env)
	if err != nil {
		svc.sendError(ctx, env.SRC, model.CodeBadMessage, "malformed ice_candidate payload")
		return
	}
	p.FromUserID = sess.UserID
	p.Timestamp = svc.now()
	svc.fanout(ctx, peers, model.TypeICECandidate, p)
	svc.logger.Trace().Str("from", sess.UserID).Str("target", p.TargetUserID).Msg("ice candidate forwarded")
}

func (svc *Service) handleRoomInfo(ctx context.Context, env model.Envelope) {
	p, err := model.DecodePayload[model.RoomInfoRequestPayload](env)
	if err != nil {
		svc.sendError(ctx, env.SRC, model.CodeBadMessage, "malformed room_info payload")
		return
	}
	resp := model.RoomInfoPayload{}
	if snap, err := svc.reg.GetRoom(p.RoomID); err == nil {
		resp.Success = true
		resp.RoomInfo = &snap
	}
	svc.sendTo(ctx, env.SRC, model.TypeRoomInfo, resp)
}

// senderSession resolves the sender of a signaling payload. A sender
// without a session gets NOT_IN_ROOM and the message is dropped.
func (svc *Service) senderSession(ctx context.Context, connID string) (model.Session, []string, bool) {
	sess, peers, err := svc.reg.Peers(connID)
	if err != nil {
		svc.sendError(ctx, connID, model.CodeNotInRoom, "user is not in a room")
		return model.Session{}, nil, false
	}
	return sess, peers, true
}

func (svc *Service) notifyUserLeft(ctx context.Context, sess model.Session, peers []string) {
	svc.fanout(ctx, peers, model.TypeUserLeft, model.UserLeftPayload{
		UserID: sess.UserID,
		LeftAt: svc.now(),
	})
}

func (svc *Service) sendError(ctx context.Context, connID, code, message string) {
	svc.sendTo(ctx, connID, model.TypeError, model.ErrorPayload{Code: code, Message: message})
}

func (svc *Service) sendTo(ctx context.Context, connID, typ string, payload any) {
	env, err := model.NewEnvelope(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to build envelope")
		return
	}
	svc.sw.Send(ctx, connID, env)
}

func (svc *Service) fanout(ctx context.Context, peers []string, typ string, payload any) {
	if len(peers) == 0 {
		return
	}
	env, err := model.NewEnvelope(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to build envelope")
		return
	}
	svc.sw.Fanout(ctx, env, peers)
}
