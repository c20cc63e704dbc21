package client

import (
	"context"
	"sync"

	"github.com/castlink/castlink/model"
	"github.com/rs/zerolog"
)

type ViewerConfig struct {
	Client       *Client
	NewTransport TransportFactory
	Logger       *zerolog.Logger

	// Next receives every signaling event after the viewer has
	// processed it. Optional.
	Next Handler
	// OnMediaState observes media connection state changes. Optional.
	OnMediaState func(state MediaState)
	// OnRemoteStream observes remote stream arrival/removal. Optional.
	OnRemoteStream func(streamID string, added bool)
}

// Viewer drives the watch-side session: it opens the media handshake
// as soon as a broadcaster is present and consumes the answer and
// candidates coming back. It implements Handler.
type Viewer struct {
	cfg    ViewerConfig
	logger zerolog.Logger

	mu            sync.Mutex
	transport     MediaTransport
	broadcasterID string
	remoteSet     bool
	pending       []model.ICECandidatePayload
	mediaState    MediaState
}

func NewViewer(cfg ViewerConfig) *Viewer {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "viewer").Logger()
	}
	return &Viewer{
		cfg:    cfg,
		logger: logger,
	}
}

// MediaState returns the last state reported by the media transport.
func (v *Viewer) MediaState() MediaState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mediaState
}

// Close tears down the media session. Signaling is untouched.
func (v *Viewer) Close() {
	v.mu.Lock()
	tr := v.transport
	v.transport = nil
	v.broadcasterID, v.remoteSet, v.pending = "", false, nil
	v.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// --- Handler ---

func (v *Viewer) OnConnected() {
	if v.cfg.Next != nil {
		v.cfg.Next.OnConnected()
	}
}

func (v *Viewer) OnDisconnected() {
	if v.cfg.Next != nil {
		v.cfg.Next.OnDisconnected()
	}
}

func (v *Viewer) OnError(message string) {
	v.logger.Warn().Str("message", message).Msg("signaling error")
	if v.cfg.Next != nil {
		v.cfg.Next.OnError(message)
	}
}

// OnRoomJoined starts the handshake right away when a broadcaster is
// already in the room; user_joined never fires for members that joined
// before us.
func (v *Viewer) OnRoomJoined(room model.RoomJoinedPayload) {
	for _, member := range room.RoomInfo.Users {
		if member.UserType == model.UserTypeBroadcaster {
			v.initiate(member.UserID)
			break
		}
	}
	if v.cfg.Next != nil {
		v.cfg.Next.OnRoomJoined(room)
	}
}

func (v *Viewer) OnRoomLeft(roomID string) {
	v.Close()
	if v.cfg.Next != nil {
		v.cfg.Next.OnRoomLeft(roomID)
	}
}

// OnUserJoined initiates the media handshake when a broadcaster
// appears.
func (v *Viewer) OnUserJoined(userID, userType string) {
	if userType == model.UserTypeBroadcaster {
		v.initiate(userID)
	}
	if v.cfg.Next != nil {
		v.cfg.Next.OnUserJoined(userID, userType)
	}
}

func (v *Viewer) OnUserLeft(userID string) {
	v.mu.Lock()
	left := userID == v.broadcasterID && v.broadcasterID != ""
	v.mu.Unlock()

	if left {
		v.logger.Info().Str("userID", userID).Msg("broadcaster left, closing media session")
		v.Close()
		v.setMediaState(MediaClosed)
	}
	if v.cfg.Next != nil {
		v.cfg.Next.OnUserLeft(userID)
	}
}

func (v *Viewer) OnOffer(offer model.OfferPayload) {
	// viewers initiate, they never answer offers
	v.logger.Debug().Str("from", offer.FromUserID).Msg("unexpected offer, ignoring")
	if v.cfg.Next != nil {
		v.cfg.Next.OnOffer(offer)
	}
}

// OnAnswer applies the broadcaster's answer and flushes any candidates
// that arrived ahead of it.
func (v *Viewer) OnAnswer(answer model.AnswerPayload) {
	if answer.TargetUserID != "" && answer.TargetUserID != v.cfg.Client.UserID() {
		return
	}

	v.mu.Lock()
	tr := v.transport
	v.mu.Unlock()
	if tr == nil {
		v.logger.Debug().Str("from", answer.FromUserID).Msg("answer without a pending offer, ignoring")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()
	if err := tr.SetRemoteDescription(ctx, "answer", answer.SDP); err != nil {
		v.mediaFailure("failed to apply remote answer", err)
		return
	}

	v.mu.Lock()
	v.remoteSet = true
	queued := v.pending
	v.pending = nil
	v.mu.Unlock()
	for _, cand := range queued {
		if err := tr.AddICECandidate(cand); err != nil {
			v.logger.Warn().Err(err).Msg("failed to apply buffered ice candidate")
		}
	}
	if v.cfg.Next != nil {
		v.cfg.Next.OnAnswer(answer)
	}
}

// OnICECandidate buffers candidates until the remote description is in
// place, then applies them directly.
func (v *Viewer) OnICECandidate(candidate model.ICECandidatePayload) {
	if candidate.TargetUserID != "" && candidate.TargetUserID != v.cfg.Client.UserID() {
		return
	}

	v.mu.Lock()
	if v.transport == nil {
		v.mu.Unlock()
		v.logger.Debug().Str("from", candidate.FromUserID).Msg("candidate from unknown peer, ignoring")
		return
	}
	if !v.remoteSet {
		v.pending = append(v.pending, candidate)
		v.mu.Unlock()
		return
	}
	tr := v.transport
	v.mu.Unlock()

	if err := tr.AddICECandidate(candidate); err != nil {
		v.logger.Warn().Err(err).Msg("failed to apply ice candidate")
	}
	if v.cfg.Next != nil {
		v.cfg.Next.OnICECandidate(candidate)
	}
}

func (v *Viewer) OnRoomInfo(info model.RoomInfoPayload) {
	if v.cfg.Next != nil {
		v.cfg.Next.OnRoomInfo(info)
	}
}

// --- internals ---

// initiate opens a fresh media transport towards the broadcaster and
// sends the offer. A repeated user_joined for the same broadcaster
// while a handshake is pending is ignored.
func (v *Viewer) initiate(broadcasterID string) {
	v.mu.Lock()
	if v.broadcasterID == broadcasterID && v.transport != nil {
		v.mu.Unlock()
		return
	}
	old := v.transport
	v.transport = nil
	v.broadcasterID = broadcasterID
	v.remoteSet = false
	v.pending = nil
	v.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	tr, err := v.cfg.NewTransport()
	if err != nil {
		v.mediaFailure("failed to create media transport", err)
		return
	}
	v.wireTransport(tr, broadcasterID)

	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()

	offer, err := tr.CreateOffer(ctx)
	if err != nil {
		_ = tr.Close()
		v.mediaFailure("failed to create offer", err)
		return
	}

	v.mu.Lock()
	if v.broadcasterID != broadcasterID {
		v.mu.Unlock()
		_ = tr.Close()
		return
	}
	v.transport = tr
	v.mu.Unlock()

	if err = v.cfg.Client.SendOffer(broadcasterID, offer); err != nil {
		v.logger.Error().Err(err).Msg("failed to send offer")
		return
	}
	v.logger.Info().Str("broadcasterID", broadcasterID).Msg("offer sent")
}

func (v *Viewer) wireTransport(tr MediaTransport, broadcasterID string) {
	tr.OnICECandidate(func(cand model.ICECandidatePayload) {
		cand.TargetUserID = broadcasterID
		if err := v.cfg.Client.SendICECandidate(cand); err != nil {
			v.logger.Warn().Err(err).Msg("failed to send local ice candidate")
		}
	})
	tr.OnStateChange(v.setMediaState)
	tr.OnRemoteStream(func(streamID string, added bool) {
		v.logger.Info().Str("streamID", streamID).Bool("added", added).Msg("remote stream changed")
		if v.cfg.OnRemoteStream != nil {
			v.cfg.OnRemoteStream(streamID, added)
		}
	})
}

// mediaFailure reports a negotiation error. The media session is the
// only casualty, signaling stays up.
func (v *Viewer) mediaFailure(msg string, err error) {
	v.mu.Lock()
	v.mediaState = MediaFailed
	v.mu.Unlock()

	v.logger.Error().Err(err).Msg(msg)
	if v.cfg.Next != nil {
		v.cfg.Next.OnError(msg + ": " + err.Error())
	}
}

func (v *Viewer) setMediaState(st MediaState) {
	v.mu.Lock()
	v.mediaState = st
	v.mu.Unlock()
	v.logger.Debug().Str("state", st.String()).Msg("media state changed")
	if v.cfg.OnMediaState != nil {
		v.cfg.OnMediaState(st)
	}
}
