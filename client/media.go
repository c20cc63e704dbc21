package client

import (
	"context"
	"errors"

	"github.com/castlink/castlink/model"
)

// MediaState is the state of the direct media connection, as reported
// by the media transport.
type MediaState int32

const (
	MediaDisconnected MediaState = iota
	MediaConnecting
	MediaConnected
	MediaReconnecting
	MediaFailed
	MediaClosed
)

func (s MediaState) String() string {
	switch s {
	case MediaDisconnected:
		return "disconnected"
	case MediaConnecting:
		return "connecting"
	case MediaConnected:
		return "connected"
	case MediaReconnecting:
		return "reconnecting"
	case MediaFailed:
		return "failed"
	case MediaClosed:
		return "closed"
	}
	return "unknown"
}

// MediaTransport is the peer-to-peer media collaborator. SDP and
// candidates are opaque here; nothing outside the transport
// implementation inspects them.
type MediaTransport interface {
	// AddSource attaches a live video source to the local stream.
	AddSource(src VideoSource) error
	// CreateOffer produces and applies a local offer description.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer produces and applies a local answer description.
	// The remote offer must have been applied first.
	CreateAnswer(ctx context.Context) (string, error)
	// SetRemoteDescription applies the remote description; kind is
	// "offer" or "answer".
	SetRemoteDescription(ctx context.Context, kind, sdp string) error
	AddICECandidate(candidate model.ICECandidatePayload) error

	OnICECandidate(fn func(candidate model.ICECandidatePayload))
	OnStateChange(fn func(state MediaState))
	OnRemoteStream(fn func(streamID string, added bool))

	Close() error
}

// TransportFactory creates a fresh media transport for one peer
// session.
type TransportFactory func() (MediaTransport, error)

// VideoSource is an opaque handle to a live capture stream. Closing it
// releases the underlying capture resource.
type VideoSource interface {
	Close() error
}

// Capture permission failures. ErrPermissionExpired means the earlier
// grant is no longer usable and the user must re-authorize.
var (
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrPermissionExpired = errors.New("capture permission expired, re-authorize to continue")
)

// CaptureSource produces video sources, asking for user/system
// permission when the platform requires it. The signaling core never
// touches pixels.
type CaptureSource interface {
	RequestPermission(ctx context.Context) error
	Open(ctx context.Context) (VideoSource, error)
}
