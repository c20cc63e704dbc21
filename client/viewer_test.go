package client

import (
	"context"
	"testing"
	"time"

	"github.com/castlink/castlink/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type viewFixture struct {
	relay   *stubRelay
	client  *Client
	factory *transportFactory
	viewer  *Viewer
	media   chan MediaState
	streams chan string
}

func newViewFixture(t *testing.T) *viewFixture {
	t.Helper()
	f := &viewFixture{
		relay:   newStubRelay(t),
		factory: &transportFactory{},
		media:   make(chan MediaState, 16),
		streams: make(chan string, 16),
	}
	f.client = New(Config{ServerURL: f.relay.url()})
	f.viewer = NewViewer(ViewerConfig{
		Client:       f.client,
		NewTransport: f.factory.new,
		OnMediaState: func(st MediaState) { f.media <- st },
		OnRemoteStream: func(streamID string, added bool) {
			if added {
				f.streams <- streamID
			}
		},
	})
	f.client.SetHandler(f.viewer)

	require.NoError(t, f.client.Connect(context.Background()))
	t.Cleanup(f.client.Disconnect)
	require.NoError(t, f.client.JoinRoom("room1", "viewer1", model.UserTypeViewer))
	f.relay.expect(t, model.TypeJoinRoom)
	return f
}

func (f *viewFixture) expectOffer(t *testing.T, target string) {
	t.Helper()
	env := f.relay.expect(t, model.TypeOffer)
	offer, err := model.DecodePayload[model.OfferPayload](env)
	require.NoError(t, err)
	assert.Equal(t, target, offer.TargetUserID)
	assert.Equal(t, "v=0 offer-sdp", offer.SDP)
}

func TestViewerInitiatesOnBroadcasterJoin(t *testing.T) {
	f := newViewFixture(t)

	f.viewer.OnUserJoined("caster", model.UserTypeBroadcaster)

	f.expectOffer(t, "caster")
	assert.Equal(t, 1, f.factory.count())
}

func TestViewerIgnoresOtherViewers(t *testing.T) {
	f := newViewFixture(t)

	f.viewer.OnUserJoined("viewer2", model.UserTypeViewer)

	assert.Zero(t, f.factory.count(), "viewers never negotiate with each other")
}

func TestViewerInitiatesOnJoiningRoomWithBroadcaster(t *testing.T) {
	f := newViewFixture(t)

	f.viewer.OnRoomJoined(model.RoomJoinedPayload{
		RoomID: "room1",
		UserID: "viewer1",
		RoomInfo: model.RoomSnapshot{
			RoomID:    "room1",
			UserCount: 2,
			Users: []model.Member{
				{UserID: "caster", UserType: model.UserTypeBroadcaster},
				{UserID: "viewer1", UserType: model.UserTypeViewer},
			},
		},
	})

	f.expectOffer(t, "caster")
}

func TestViewerDuplicateBroadcasterJoinIgnored(t *testing.T) {
	f := newViewFixture(t)

	f.viewer.OnUserJoined("caster", model.UserTypeBroadcaster)
	f.expectOffer(t, "caster")
	f.viewer.OnUserJoined("caster", model.UserTypeBroadcaster)

	assert.Equal(t, 1, f.factory.count(), "pending handshake must not be restarted")
}

func TestViewerAnswerFlushesBufferedCandidates(t *testing.T) {
	f := newViewFixture(t)

	f.viewer.OnUserJoined("caster", model.UserTypeBroadcaster)
	f.expectOffer(t, "caster")
	tr := f.factory.last(t)

	// candidates ahead of the answer are buffered
	f.viewer.OnICECandidate(model.ICECandidatePayload{
		FromUserID:   "caster",
		TargetUserID: "viewer1",
		Candidate:    "candidate:early",
	})
	assert.Empty(t, tr.appliedCandidates())

	f.viewer.OnAnswer(model.AnswerPayload{
		FromUserID:   "caster",
		TargetUserID: "viewer1",
		SDP:          "v=0 caster-answer",
	})

	kind, sdp := tr.remote()
	assert.Equal(t, "answer", kind)
	assert.Equal(t, "v=0 caster-answer", sdp)
	require.Len(t, tr.appliedCandidates(), 1)
	assert.Equal(t, "candidate:early", tr.appliedCandidates()[0].Candidate)

	f.viewer.OnICECandidate(model.ICECandidatePayload{
		FromUserID:   "caster",
		TargetUserID: "viewer1",
		Candidate:    "candidate:late",
	})
	assert.Len(t, tr.appliedCandidates(), 2)
}

func TestViewerAnswerForSomeoneElseIgnored(t *testing.T) {
	f := newViewFixture(t)

	f.viewer.OnUserJoined("caster", model.UserTypeBroadcaster)
	f.expectOffer(t, "caster")
	tr := f.factory.last(t)

	f.viewer.OnAnswer(model.AnswerPayload{
		FromUserID:   "caster",
		TargetUserID: "viewer2",
		SDP:          "v=0 misdirected",
	})

	kind, _ := tr.remote()
	assert.Empty(t, kind)
}

func TestViewerLocalCandidatesAreTargeted(t *testing.T) {
	f := newViewFixture(t)

	f.viewer.OnUserJoined("caster", model.UserTypeBroadcaster)
	f.expectOffer(t, "caster")
	tr := f.factory.last(t)

	tr.mu.Lock()
	emit := tr.onCandidate
	tr.mu.Unlock()
	require.NotNil(t, emit)
	emit(model.ICECandidatePayload{Candidate: "candidate:local"})

	env := f.relay.expect(t, model.TypeICECandidate)
	cand, err := model.DecodePayload[model.ICECandidatePayload](env)
	require.NoError(t, err)
	assert.Equal(t, "caster", cand.TargetUserID)
	assert.Equal(t, "candidate:local", cand.Candidate)
}

func TestViewerRemoteStreamSurfaced(t *testing.T) {
	f := newViewFixture(t)

	f.viewer.OnUserJoined("caster", model.UserTypeBroadcaster)
	f.expectOffer(t, "caster")
	tr := f.factory.last(t)

	tr.mu.Lock()
	stream := tr.onStream
	tr.mu.Unlock()
	require.NotNil(t, stream)
	stream("screen-1", true)

	select {
	case id := <-f.streams:
		assert.Equal(t, "screen-1", id)
	case <-time.After(time.Second):
		t.Fatal("remote stream never surfaced")
	}
}

func TestViewerBroadcasterLeftClosesMedia(t *testing.T) {
	f := newViewFixture(t)

	f.viewer.OnUserJoined("caster", model.UserTypeBroadcaster)
	f.expectOffer(t, "caster")
	tr := f.factory.last(t)

	f.viewer.OnUserLeft("caster")

	assert.True(t, tr.isClosed())
	assert.Equal(t, MediaClosed, f.viewer.MediaState())

	// a new broadcaster triggers a fresh handshake
	f.viewer.OnUserJoined("caster2", model.UserTypeBroadcaster)
	f.expectOffer(t, "caster2")
	assert.Equal(t, 2, f.factory.count())
}

func TestViewerCloseWithoutSessionIsNoop(t *testing.T) {
	f := newViewFixture(t)
	f.viewer.Close()
	assert.Zero(t, f.factory.count())
}
