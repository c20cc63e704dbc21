package pion

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// StaticSource adapts a sample-fed local video track to the
// client.VideoSource contract so it can be attached to a Transport.
type StaticSource struct {
	track *webrtc.TrackLocalStaticSample
}

func NewStaticSource(mimeType, streamID string) (*StaticSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, err
	}
	return &StaticSource{track: track}, nil
}

func (s *StaticSource) VideoTrack() webrtc.TrackLocal {
	return s.track
}

// WriteSample pushes one encoded video frame to the track.
func (s *StaticSource) WriteSample(sample media.Sample) error {
	return s.track.WriteSample(sample)
}

func (s *StaticSource) Close() error {
	return nil
}
