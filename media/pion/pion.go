package pion

import (
	"context"
	"errors"
	"sync"

	"github.com/castlink/castlink/client"
	"github.com/castlink/castlink/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrUnsupportedSource = errors.New("video source does not carry a webrtc track")

var defaultConfiguration = webrtc.Configuration{
	ICEServers: []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	},
}

// TrackSource is the contract a VideoSource must satisfy to be
// attachable to a pion transport.
type TrackSource interface {
	VideoTrack() webrtc.TrackLocal
}

// Transport implements client.MediaTransport on top of a pion
// PeerConnection with trickle ICE.
type Transport struct {
	logger zerolog.Logger
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(model.ICECandidatePayload)
	onState     func(client.MediaState)
	onStream    func(streamID string, added bool)
}

// Factory returns a TransportFactory producing one Transport per peer
// session.
func Factory(logger *zerolog.Logger) client.TransportFactory {
	return func() (client.MediaTransport, error) {
		return New(logger)
	}
}

func New(logger *zerolog.Logger) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(defaultConfiguration)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		logger: logger.With().Str("component", "media-transport").Logger(),
		pc:     pc,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		payload := model.ICECandidatePayload{Candidate: init.Candidate}
		if init.SDPMid != nil {
			payload.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			payload.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debug().Str("state", s.String()).Msg("peer connection state changed")
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Info().Str("streamID", track.StreamID()).Str("kind", track.Kind().String()).Msg("remote track")
		t.mu.Lock()
		fn := t.onStream
		t.mu.Unlock()
		if fn != nil {
			fn(track.StreamID(), true)
		}
	})

	return t, nil
}

func (t *Transport) AddSource(src client.VideoSource) error {
	ts, ok := src.(TrackSource)
	if !ok {
		return ErrUnsupportedSource
	}
	sender, err := t.pc.AddTrack(ts.VideoTrack())
	if err != nil {
		return err
	}

	// drain RTCP so interceptors keep running
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(buf); rtcpErr != nil {
				return
			}
		}
	}()
	return nil
}

func (t *Transport) CreateOffer(_ context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err = t.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (t *Transport) CreateAnswer(_ context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err = t.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (t *Transport) SetRemoteDescription(_ context.Context, kind, sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(kind),
		SDP:  sdp,
	})
}

func (t *Transport) AddICECandidate(candidate model.ICECandidatePayload) error {
	init := webrtc.ICECandidateInit{Candidate: candidate.Candidate}
	if candidate.SDPMid != "" {
		mid := candidate.SDPMid
		init.SDPMid = &mid
	}
	line := uint16(candidate.SDPMLineIndex)
	init.SDPMLineIndex = &line
	return t.pc.AddICECandidate(init)
}

func (t *Transport) OnICECandidate(fn func(model.ICECandidatePayload)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(client.MediaState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) OnRemoteStream(fn func(string, bool)) {
	t.mu.Lock()
	t.onStream = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

func mapState(s webrtc.PeerConnectionState) client.MediaState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return client.MediaDisconnected
	case webrtc.PeerConnectionStateConnecting:
		return client.MediaConnecting
	case webrtc.PeerConnectionStateConnected:
		return client.MediaConnected
	case webrtc.PeerConnectionStateDisconnected:
		return client.MediaReconnecting
	case webrtc.PeerConnectionStateFailed:
		return client.MediaFailed
	case webrtc.PeerConnectionStateClosed:
		return client.MediaClosed
	}
	return client.MediaDisconnected
}
