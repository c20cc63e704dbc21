package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/castlink/castlink/model"
	"github.com/rs/zerolog"
)

// ShareState is the broadcaster-local sharing state.
type ShareState int32

const (
	ShareIdle ShareState = iota
	SharePermissionRequired
	SharePreparing
	ShareSharing
	ShareStopped
	ShareError
)

func (s ShareState) String() string {
	switch s {
	case ShareIdle:
		return "idle"
	case SharePermissionRequired:
		return "permission_required"
	case SharePreparing:
		return "preparing"
	case ShareSharing:
		return "sharing"
	case ShareStopped:
		return "stopped"
	case ShareError:
		return "error"
	}
	return "unknown"
}

var (
	ErrShareInProgress = errors.New("share already active or starting")
	ErrShareCanceled   = errors.New("share start canceled")
)

const negotiationTimeout = 10 * time.Second

type BroadcasterConfig struct {
	Client       *Client
	Capture      CaptureSource
	NewTransport TransportFactory
	Logger       *zerolog.Logger

	// Next receives every signaling event after the broadcaster has
	// processed it. Optional.
	Next Handler
	// OnShareState observes sharing state transitions. Optional.
	OnShareState func(state ShareState)
}

// Broadcaster drives the share-side session: capture permission, the
// sharing state machine and the offer/answer exchange with a viewer.
// It implements Handler and must be installed as (or chained into) the
// signaling client's handler.
type Broadcaster struct {
	cfg    BroadcasterConfig
	logger zerolog.Logger

	mu         sync.Mutex
	state      ShareState
	mediaState MediaState
	source     VideoSource
	transport  MediaTransport
	viewerID   string
	remoteSet  bool
	pending    []model.ICECandidatePayload
	startGen   int
}

func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "broadcaster").Logger()
	}
	return &Broadcaster{
		cfg:    cfg,
		logger: logger,
		state:  ShareIdle,
	}
}

// ShareState returns the current sharing state.
func (b *Broadcaster) ShareState() ShareState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// MediaState returns the last state reported by the media transport.
func (b *Broadcaster) MediaState() MediaState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mediaState
}

// StartShare runs the permission -> capture -> transport sequence. A
// start while one is already active or in flight is rejected outright,
// never queued. On any failure partially acquired resources are
// released before the error state is reported.
func (b *Broadcaster) StartShare(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case ShareSharing, SharePermissionRequired, SharePreparing:
		b.mu.Unlock()
		return ErrShareInProgress
	}
	b.state = SharePermissionRequired
	gen := b.startGen
	b.mu.Unlock()
	b.notifyState(SharePermissionRequired)

	if err := b.cfg.Capture.RequestPermission(ctx); err != nil {
		return b.failStart(gen, nil, nil, err)
	}

	if !b.advance(gen, SharePermissionRequired, SharePreparing) {
		return ErrShareCanceled
	}

	src, err := b.cfg.Capture.Open(ctx)
	if err != nil {
		return b.failStart(gen, nil, nil, err)
	}

	tr, err := b.cfg.NewTransport()
	if err != nil {
		return b.failStart(gen, src, nil, err)
	}
	if err = tr.AddSource(src); err != nil {
		return b.failStart(gen, src, tr, err)
	}
	b.wireTransport(tr)

	b.mu.Lock()
	if b.startGen != gen || b.state != SharePreparing {
		b.mu.Unlock()
		_ = tr.Close()
		_ = src.Close()
		return ErrShareCanceled
	}
	b.source, b.transport = src, tr
	b.state = ShareSharing
	b.mu.Unlock()
	b.notifyState(ShareSharing)

	b.logger.Info().Msg("sharing started")
	return nil
}

// StopShare tears down in a fixed order: media connection, room,
// capture source. Repeated calls are no-ops; an in-flight start is
// canceled synchronously.
func (b *Broadcaster) StopShare() {
	b.mu.Lock()
	b.startGen++
	switch b.state {
	case ShareSharing, SharePreparing, SharePermissionRequired:
	default:
		b.mu.Unlock()
		return
	}
	tr, src := b.transport, b.source
	b.transport, b.source = nil, nil
	b.viewerID, b.remoteSet, b.pending = "", false, nil
	b.state = ShareStopped
	b.mu.Unlock()
	b.notifyState(ShareStopped)

	if tr != nil {
		_ = tr.Close()
	}
	if err := b.cfg.Client.LeaveRoom(); err != nil {
		b.logger.Warn().Err(err).Msg("leave room during stop failed")
	}
	if src != nil {
		_ = src.Close()
	}
	b.logger.Info().Msg("sharing stopped")
}

// FindAvailableRoom asks the relay API for a room with a waiting
// viewer, falling back to a freshly issued room ID.
func (b *Broadcaster) FindAvailableRoom(ctx context.Context, apiURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/api/available-room", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("available-room request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var body struct {
		Success        bool   `json:"success"`
		RoomID         string `json:"roomId"`
		WaitingViewers int    `json:"waitingViewers"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("available-room response malformed: %w", err)
	}
	if !body.Success || body.RoomID == "" {
		return "", errors.New("no room available")
	}
	b.logger.Debug().
		Str("roomID", body.RoomID).
		Int("waitingViewers", body.WaitingViewers).
		Msg("available room discovered")
	return body.RoomID, nil
}

// --- Handler ---

func (b *Broadcaster) OnConnected() {
	if b.cfg.Next != nil {
		b.cfg.Next.OnConnected()
	}
}

func (b *Broadcaster) OnDisconnected() {
	if b.cfg.Next != nil {
		b.cfg.Next.OnDisconnected()
	}
}

func (b *Broadcaster) OnError(message string) {
	b.logger.Warn().Str("message", message).Msg("signaling error")
	if b.cfg.Next != nil {
		b.cfg.Next.OnError(message)
	}
}

func (b *Broadcaster) OnRoomJoined(room model.RoomJoinedPayload) {
	b.logger.Debug().Str("roomID", room.RoomID).Int("users", room.RoomInfo.UserCount).Msg("joined room")
	if b.cfg.Next != nil {
		b.cfg.Next.OnRoomJoined(room)
	}
}

func (b *Broadcaster) OnRoomLeft(roomID string) {
	if b.cfg.Next != nil {
		b.cfg.Next.OnRoomLeft(roomID)
	}
}

func (b *Broadcaster) OnUserJoined(userID, userType string) {
	b.logger.Debug().Str("userID", userID).Str("userType", userType).Msg("user joined")
	if b.cfg.Next != nil {
		b.cfg.Next.OnUserJoined(userID, userType)
	}
}

// OnUserLeft resets the media session when the connected viewer leaves,
// so the next viewer can negotiate against a fresh transport.
func (b *Broadcaster) OnUserLeft(userID string) {
	b.mu.Lock()
	isViewer := userID == b.viewerID && b.viewerID != ""
	var old MediaTransport
	if isViewer {
		old = b.transport
		b.transport = nil
		b.viewerID, b.remoteSet, b.pending = "", false, nil
	}
	sharing := b.state == ShareSharing
	src := b.source
	b.mu.Unlock()

	if isViewer {
		b.logger.Info().Str("userID", userID).Msg("viewer left, resetting media session")
		if old != nil {
			_ = old.Close()
		}
		if sharing {
			b.replaceTransport(src)
		}
	}
	if b.cfg.Next != nil {
		b.cfg.Next.OnUserLeft(userID)
	}
}

// OnOffer answers a viewer's offer. Offers addressed to someone else
// are ignored; the relay fans signaling out room-wide.
func (b *Broadcaster) OnOffer(offer model.OfferPayload) {
	if offer.TargetUserID != "" && offer.TargetUserID != b.cfg.Client.UserID() {
		b.logger.Trace().Str("target", offer.TargetUserID).Msg("offer not addressed to us, ignoring")
		return
	}

	b.mu.Lock()
	if b.state != ShareSharing || b.transport == nil {
		b.mu.Unlock()
		b.logger.Debug().Str("from", offer.FromUserID).Msg("offer while not sharing, ignoring")
		return
	}
	b.viewerID = offer.FromUserID
	tr := b.transport
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()

	if err := tr.SetRemoteDescription(ctx, "offer", offer.SDP); err != nil {
		b.mediaFailure("failed to apply remote offer", err)
		return
	}

	b.mu.Lock()
	b.remoteSet = true
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, cand := range queued {
		if err := tr.AddICECandidate(cand); err != nil {
			b.logger.Warn().Err(err).Msg("failed to apply buffered ice candidate")
		}
	}

	answer, err := tr.CreateAnswer(ctx)
	if err != nil {
		b.mediaFailure("failed to create answer", err)
		return
	}
	if err = b.cfg.Client.SendAnswer(offer.FromUserID, answer); err != nil {
		b.logger.Error().Err(err).Msg("failed to send answer")
	}
	if b.cfg.Next != nil {
		b.cfg.Next.OnOffer(offer)
	}
}

func (b *Broadcaster) OnAnswer(answer model.AnswerPayload) {
	// broadcasters answer, they never expect one
	b.logger.Debug().Str("from", answer.FromUserID).Msg("unexpected answer, ignoring")
	if b.cfg.Next != nil {
		b.cfg.Next.OnAnswer(answer)
	}
}

// OnICECandidate buffers candidates that race ahead of the remote
// description and applies them once it is set.
func (b *Broadcaster) OnICECandidate(candidate model.ICECandidatePayload) {
	if candidate.TargetUserID != "" && candidate.TargetUserID != b.cfg.Client.UserID() {
		return
	}

	b.mu.Lock()
	if b.transport == nil {
		b.mu.Unlock()
		b.logger.Debug().Str("from", candidate.FromUserID).Msg("candidate from unknown peer, ignoring")
		return
	}
	if !b.remoteSet {
		b.pending = append(b.pending, candidate)
		b.mu.Unlock()
		return
	}
	tr := b.transport
	b.mu.Unlock()

	if err := tr.AddICECandidate(candidate); err != nil {
		b.logger.Warn().Err(err).Msg("failed to apply ice candidate")
	}
	if b.cfg.Next != nil {
		b.cfg.Next.OnICECandidate(candidate)
	}
}

func (b *Broadcaster) OnRoomInfo(info model.RoomInfoPayload) {
	if b.cfg.Next != nil {
		b.cfg.Next.OnRoomInfo(info)
	}
}

// --- internals ---

func (b *Broadcaster) wireTransport(tr MediaTransport) {
	tr.OnICECandidate(func(cand model.ICECandidatePayload) {
		b.mu.Lock()
		cand.TargetUserID = b.viewerID
		b.mu.Unlock()
		if err := b.cfg.Client.SendICECandidate(cand); err != nil {
			b.logger.Warn().Err(err).Msg("failed to send local ice candidate")
		}
	})
	tr.OnStateChange(func(st MediaState) {
		b.mu.Lock()
		b.mediaState = st
		b.mu.Unlock()
		b.logger.Debug().Str("state", st.String()).Msg("media state changed")
	})
}

func (b *Broadcaster) replaceTransport(src VideoSource) {
	tr, err := b.cfg.NewTransport()
	if err != nil {
		b.mediaFailure("failed to recreate media transport", err)
		return
	}
	if src != nil {
		if err = tr.AddSource(src); err != nil {
			_ = tr.Close()
			b.mediaFailure("failed to reattach video source", err)
			return
		}
	}
	b.wireTransport(tr)

	b.mu.Lock()
	if b.state == ShareSharing && b.transport == nil {
		b.transport = tr
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	_ = tr.Close()
}

// advance moves the start sequence one state forward, failing when a
// concurrent stop canceled it.
func (b *Broadcaster) advance(gen int, from, to ShareState) bool {
	b.mu.Lock()
	if b.startGen != gen || b.state != from {
		b.mu.Unlock()
		return false
	}
	b.state = to
	b.mu.Unlock()
	b.notifyState(to)
	return true
}

// failStart releases whatever the start sequence acquired so far and
// reports the error. A start that was canceled by a concurrent stop
// must not overwrite the stopped state, so the error transition is
// guarded on the generation like advance.
func (b *Broadcaster) failStart(gen int, src VideoSource, tr MediaTransport, err error) error {
	if tr != nil {
		_ = tr.Close()
	}
	if src != nil {
		_ = src.Close()
	}

	b.mu.Lock()
	if b.startGen != gen {
		b.mu.Unlock()
		b.logger.Debug().Err(err).Msg("canceled share start failed, ignoring")
		return ErrShareCanceled
	}
	b.state = ShareError
	b.mu.Unlock()
	b.notifyState(ShareError)

	b.logger.Error().Err(err).Msg("share start failed")
	if b.cfg.Next != nil {
		b.cfg.Next.OnError(err.Error())
	}
	return err
}

// mediaFailure reports a negotiation error. The media session is the
// only casualty, signaling stays up.
func (b *Broadcaster) mediaFailure(msg string, err error) {
	b.mu.Lock()
	b.mediaState = MediaFailed
	b.mu.Unlock()

	b.logger.Error().Err(err).Msg(msg)
	if b.cfg.Next != nil {
		b.cfg.Next.OnError(msg + ": " + err.Error())
	}
}

func (b *Broadcaster) notifyState(st ShareState) {
	if b.cfg.OnShareState != nil {
		b.cfg.OnShareState(st)
	}
}
