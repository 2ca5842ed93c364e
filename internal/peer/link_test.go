package peer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/classmeet/internal/media"
	"github.com/1ureka/classmeet/internal/peer"
	"github.com/1ureka/classmeet/internal/peer/peertest"
)

var (
	remoteOffer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
	remoteAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
)

type harness struct {
	factory  *peertest.Factory
	signaler *peertest.Signaler
	registry *peer.Registry
	local    *media.Stream
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessAs(t, "")
}

// newHarnessAs builds a harness for the participant localID.
func newHarnessAs(t *testing.T, localID string) *harness {
	t.Helper()
	h := &harness{factory: &peertest.Factory{}, signaler: peertest.NewSignaler()}
	h.registry = peer.NewRegistry(h.factory, peer.RegistryOptions{
		LocalID:     localID,
		Signaler:    h.signaler,
		LocalStream: func() *media.Stream { return h.local },
	})
	return h
}

func (h *harness) link(t *testing.T, id string, initiator bool) (*peer.Link, *peertest.Conn) {
	t.Helper()
	l, created, err := h.registry.GetOrCreate(id, initiator)
	require.NoError(t, err)
	require.True(t, created)
	return l, h.factory.Last()
}

func track(t *testing.T, kind webrtc.RTPCodecType) webrtc.TrackLocal {
	t.Helper()
	tr, err := media.NewSampleTrack(kind, "local")
	require.NoError(t, err)
	return tr
}

// TestInitiatorPath verifies New → AwaitingAnswer → Connected and that the
// offer is sent to the remote participant.
func TestInitiatorPath(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "b", true)

	assert.Equal(t, peer.StateAwaitingAnswer, l.State())
	sent := h.signaler.DescriptionsTo("b")
	require.Len(t, sent, 1)
	assert.Equal(t, webrtc.SDPTypeOffer, sent[0].Type)
	assert.Equal(t, sent[0], *conn.LocalDescription())

	require.NoError(t, l.HandleAnswer(remoteAnswer))
	assert.Equal(t, peer.StateConnected, l.State())
	assert.Equal(t, remoteAnswer, *conn.RemoteDescription())
}

// TestResponderPath verifies New → Connected on an offer and that the answer
// goes back to the sender.
func TestResponderPath(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "a", false)

	assert.Equal(t, peer.StateNew, l.State())
	assert.Empty(t, h.signaler.DescriptionsTo("a"))

	require.NoError(t, l.HandleOffer(remoteOffer))
	assert.Equal(t, peer.StateConnected, l.State())
	assert.Equal(t, remoteOffer, *conn.RemoteDescription())

	sent := h.signaler.DescriptionsTo("a")
	require.Len(t, sent, 1)
	assert.Equal(t, webrtc.SDPTypeAnswer, sent[0].Type)
}

// TestAnswerOutsideAwaitingAnswer verifies that stray answers change nothing.
func TestAnswerOutsideAwaitingAnswer(t *testing.T) {
	testCases := []struct {
		name      string
		initiator bool
		prepare   func(t *testing.T, l *peer.Link)
		want      peer.State
	}{
		{"fresh responder", false, func(*testing.T, *peer.Link) {}, peer.StateNew},
		{"connected responder", false, func(t *testing.T, l *peer.Link) {
			require.NoError(t, l.HandleOffer(remoteOffer))
		}, peer.StateConnected},
		{"duplicate answer", true, func(t *testing.T, l *peer.Link) {
			require.NoError(t, l.HandleAnswer(remoteAnswer))
		}, peer.StateConnected},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			l, conn := h.link(t, "b", tc.initiator)
			tc.prepare(t, l)
			before := conn.RemoteDescription()

			err := l.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "late"})
			assert.ErrorIs(t, err, peer.ErrUnexpectedDescription)
			assert.Equal(t, tc.want, l.State())
			assert.Equal(t, before, conn.RemoteDescription())
		})
	}
}

// TestCollidingOfferIgnoredWhenImpolite verifies that the impolite side keeps
// its own offer and waits for the answer.
func TestCollidingOfferIgnoredWhenImpolite(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "b", true)
	require.False(t, l.Polite())

	err := l.HandleOffer(remoteOffer)
	assert.ErrorIs(t, err, peer.ErrUnexpectedDescription)
	assert.Equal(t, peer.StateAwaitingAnswer, l.State())
	assert.Nil(t, conn.RemoteDescription())
	assert.Equal(t, 0, conn.Rollbacks)

	require.NoError(t, l.HandleAnswer(remoteAnswer))
	assert.Equal(t, peer.StateConnected, l.State())
}

// TestCollidingOfferAcceptedWhenPolite verifies that the polite side rolls
// its offer back, answers, and then offers again.
func TestCollidingOfferAcceptedWhenPolite(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "a", false)
	require.True(t, l.Polite())
	require.NoError(t, l.HandleOffer(remoteOffer))

	require.NoError(t, l.ApplyStream(media.NewStream("mic", track(t, webrtc.RTPCodecTypeAudio))))
	require.Equal(t, peer.StateAwaitingAnswer, l.State())

	second := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer-2"}
	require.NoError(t, l.HandleOffer(second))

	assert.Equal(t, 1, conn.Rollbacks)
	assert.Equal(t, second, *conn.RemoteDescription())
	assert.Equal(t, peer.StateAwaitingAnswer, l.State())
	assert.Equal(t, 2, conn.Offers)

	var types []webrtc.SDPType
	for _, d := range h.signaler.DescriptionsTo("a") {
		types = append(types, d.Type)
	}
	assert.Equal(t, []webrtc.SDPType{
		webrtc.SDPTypeAnswer, webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypeOffer,
	}, types)
}

// TestSimultaneousRenegotiation runs two connected links that both add a
// sender at the same moment. The crossed offers must settle with both links
// connected and both new senders negotiated.
func TestSimultaneousRenegotiation(t *testing.T) {
	ha, hb := newHarnessAs(t, "a"), newHarnessAs(t, "b")
	la, connA := ha.link(t, "b", true)
	lb, connB := hb.link(t, "a", false)
	require.True(t, la.Polite())
	require.False(t, lb.Polite())

	toB := func(i int) webrtc.SessionDescription { return ha.signaler.DescriptionsTo("b")[i] }
	toA := func(i int) webrtc.SessionDescription { return hb.signaler.DescriptionsTo("a")[i] }

	require.NoError(t, lb.HandleOffer(toB(0)))
	require.NoError(t, la.HandleAnswer(toA(0)))
	require.Equal(t, peer.StateConnected, la.State())
	require.Equal(t, peer.StateConnected, lb.State())

	micA, micB := track(t, webrtc.RTPCodecTypeAudio), track(t, webrtc.RTPCodecTypeAudio)
	require.NoError(t, la.ApplyStream(media.NewStream("mic", micA)))
	require.NoError(t, lb.ApplyStream(media.NewStream("mic", micB)))
	require.Equal(t, peer.StateAwaitingAnswer, la.State())
	require.Equal(t, peer.StateAwaitingAnswer, lb.State())

	// Both offers are in flight before either arrives.
	assert.ErrorIs(t, lb.HandleOffer(toB(1)), peer.ErrUnexpectedDescription)
	require.NoError(t, la.HandleOffer(toA(1)))
	assert.Equal(t, 1, connA.Rollbacks)

	require.NoError(t, lb.HandleAnswer(toB(2)))
	require.NoError(t, lb.HandleOffer(toB(3)))
	require.NoError(t, la.HandleAnswer(toA(2)))

	assert.Equal(t, peer.StateConnected, la.State())
	assert.Equal(t, peer.StateConnected, lb.State())
	assert.Equal(t, micA, connA.SenderFor(webrtc.RTPCodecTypeAudio).Track())
	assert.Equal(t, micB, connB.SenderFor(webrtc.RTPCodecTypeAudio).Track())
	assert.Equal(t, toB(3), *connB.RemoteDescription())
	assert.Equal(t, 3, connA.Offers)
	assert.Equal(t, 1, connB.Offers)

	// Later changes still negotiate.
	require.NoError(t, la.ApplyStream(media.NewStream("camera", micA, track(t, webrtc.RTPCodecTypeVideo))))
	assert.Equal(t, 4, connA.Offers)
	assert.Equal(t, peer.StateAwaitingAnswer, la.State())
}

// TestRejectedAnswerRollsBack verifies that an answer the connection rejects
// returns the link to where the offer started, so Renegotiate offers again.
func TestRejectedAnswerRollsBack(t *testing.T) {
	testCases := []struct {
		name    string
		prepare func(t *testing.T, l *peer.Link)
		want    peer.State
	}{
		{"first offer", func(*testing.T, *peer.Link) {}, peer.StateNew},
		{"renegotiation", func(t *testing.T, l *peer.Link) {
			require.NoError(t, l.HandleAnswer(remoteAnswer))
			require.NoError(t, l.Renegotiate())
		}, peer.StateConnected},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			l, conn := h.link(t, "b", true)
			tc.prepare(t, l)
			require.Equal(t, peer.StateAwaitingAnswer, l.State())
			offers := conn.Offers

			conn.FailSetRemote = peertest.ErrInjected
			err := l.HandleAnswer(remoteAnswer)
			assert.ErrorIs(t, err, peertest.ErrInjected)
			assert.Equal(t, tc.want, l.State())
			assert.Equal(t, 1, conn.Rollbacks)

			conn.FailSetRemote = nil
			require.NoError(t, l.Renegotiate())
			assert.Equal(t, offers+1, conn.Offers)
			assert.Equal(t, peer.StateAwaitingAnswer, l.State())

			require.NoError(t, l.HandleAnswer(remoteAnswer))
			assert.Equal(t, peer.StateConnected, l.State())
		})
	}
}

// TestFailedRollbackKeepsOffer verifies that a link whose rollback fails keeps
// waiting for the answer instead of offering from an unknown state.
func TestFailedRollbackKeepsOffer(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "b", true)

	conn.FailSetRemote = peertest.ErrInjected
	conn.FailRollback = errors.New("rollback refused")
	err := l.HandleAnswer(remoteAnswer)

	assert.ErrorIs(t, err, peertest.ErrInjected)
	assert.ErrorContains(t, err, "rollback refused")
	assert.Equal(t, peer.StateAwaitingAnswer, l.State())
}

// TestCandidatesBufferedUntilRemoteDescription verifies that early remote
// candidates are held and applied in order once the offer is applied.
func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "a", false)

	require.NoError(t, l.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c1"}))
	require.NoError(t, l.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c2"}))
	assert.Equal(t, 2, l.PendingCandidates())
	assert.Empty(t, conn.AppliedCandidates())

	require.NoError(t, l.HandleOffer(remoteOffer))
	assert.Equal(t, 0, l.PendingCandidates())

	require.NoError(t, l.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c3"}))

	applied := conn.AppliedCandidates()
	require.Len(t, applied, 3)
	assert.Equal(t, "c1", applied[0].Candidate)
	assert.Equal(t, "c3", applied[2].Candidate)
}

// TestLocalCandidatesSentUntilClosed verifies that gathered candidates are
// relayed in any state except Closed.
func TestLocalCandidatesSentUntilClosed(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "b", true)

	conn.EmitCandidate("host-1")
	require.NoError(t, l.Close())
	conn.EmitCandidate("host-2")

	sent := h.signaler.CandidatesTo("b")
	require.Len(t, sent, 1)
	assert.Equal(t, "host-1", sent[0].Candidate)
}

// TestNegotiationFailureKeepsLink verifies that a failed step falls back to
// the previous state and a later attempt can recover.
func TestNegotiationFailureKeepsLink(t *testing.T) {
	h := newHarness(t)
	h.factory.Prepare = func(c *peertest.Conn) { c.FailCreateOffer = peertest.ErrInjected }

	l, conn := h.link(t, "b", true)
	assert.Equal(t, peer.StateNew, l.State())
	assert.Empty(t, h.signaler.DescriptionsTo("b"))
	assert.Equal(t, 1, h.registry.Len())

	conn.FailCreateOffer = nil
	require.NoError(t, l.Renegotiate())
	assert.Equal(t, peer.StateAwaitingAnswer, l.State())
	assert.Len(t, h.signaler.DescriptionsTo("b"), 1)
}

// TestBadOfferKeepsLink verifies that an offer the connection rejects leaves
// the link fresh.
func TestBadOfferKeepsLink(t *testing.T) {
	h := newHarness(t)
	h.factory.Prepare = func(c *peertest.Conn) { c.FailSetRemote = peertest.ErrInjected }

	l, _ := h.link(t, "a", false)
	err := l.HandleOffer(remoteOffer)

	assert.ErrorIs(t, err, peertest.ErrInjected)
	assert.Equal(t, peer.StateNew, l.State())
	assert.Empty(t, h.signaler.DescriptionsTo("a"))
}

// TestCloseDuringNegotiation verifies that an offer produced after the link
// was closed is never sent.
func TestCloseDuringNegotiation(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "a", false)

	conn.BeforeReturn = func() {
		go l.Close()
		require.Eventually(t, conn.IsClosed, time.Second, time.Millisecond)
	}

	err := l.HandleOffer(remoteOffer)
	assert.ErrorIs(t, err, peer.ErrLinkClosed)
	assert.Empty(t, h.signaler.DescriptionsTo("a"))
	require.Eventually(t, func() bool { return l.State() == peer.StateClosed }, time.Second, time.Millisecond)
}

// TestClosedLinkRejectsEverything verifies the terminal state.
func TestClosedLinkRejectsEverything(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "b", true)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.True(t, conn.IsClosed())
	assert.Equal(t, peer.StateClosed, l.State())
	assert.ErrorIs(t, l.HandleAnswer(remoteAnswer), peer.ErrLinkClosed)
	assert.ErrorIs(t, l.HandleOffer(remoteOffer), peer.ErrLinkClosed)
	assert.ErrorIs(t, l.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c"}), peer.ErrLinkClosed)
	assert.ErrorIs(t, l.ApplyStream(nil), peer.ErrLinkClosed)
	assert.ErrorIs(t, l.Renegotiate(), peer.ErrLinkClosed)
}

// TestLinkStartsWithLocalTracks verifies that tracks present at creation are
// attached without an extra offer.
func TestLinkStartsWithLocalTracks(t *testing.T) {
	h := newHarness(t)
	mic, cam := track(t, webrtc.RTPCodecTypeAudio), track(t, webrtc.RTPCodecTypeVideo)
	h.local = media.NewStream("camera", mic, cam)

	l, conn := h.link(t, "b", true)

	require.Len(t, conn.Senders, 2)
	assert.Equal(t, mic, conn.SenderFor(webrtc.RTPCodecTypeAudio).Track())
	assert.Equal(t, cam, conn.SenderFor(webrtc.RTPCodecTypeVideo).Track())
	assert.Equal(t, mic, l.OutgoingTrack(webrtc.RTPCodecTypeAudio))
	assert.Equal(t, 1, conn.Offers)
}

// TestApplyStreamReplacesInPlace verifies the camera → screen switch: video is
// replaced, audio is untouched and nothing is renegotiated.
func TestApplyStreamReplacesInPlace(t *testing.T) {
	h := newHarness(t)
	mic, cam, display := track(t, webrtc.RTPCodecTypeAudio), track(t, webrtc.RTPCodecTypeVideo), track(t, webrtc.RTPCodecTypeVideo)
	h.local = media.NewStream("camera", mic, cam)

	l, conn := h.link(t, "b", true)
	require.NoError(t, l.HandleAnswer(remoteAnswer))

	require.NoError(t, l.ApplyStream(media.NewStream("screen", mic, display)))

	audio := conn.SenderFor(webrtc.RTPCodecTypeAudio)
	video := conn.SenderFor(webrtc.RTPCodecTypeVideo)
	assert.Equal(t, mic, audio.Track())
	assert.Equal(t, 0, audio.Replaced)
	assert.Equal(t, display, video.Track())
	assert.Equal(t, 1, video.Replaced)
	assert.Len(t, conn.Senders, 2)
	assert.Equal(t, 1, conn.Offers)
	assert.Equal(t, peer.StateConnected, l.State())
}

// TestApplyNilStream verifies that clearing media nulls every sender but keeps
// them, and that media can come back on the same senders.
func TestApplyNilStream(t *testing.T) {
	h := newHarness(t)
	mic, cam := track(t, webrtc.RTPCodecTypeAudio), track(t, webrtc.RTPCodecTypeVideo)
	h.local = media.NewStream("camera", mic, cam)

	l, conn := h.link(t, "b", true)
	require.NoError(t, l.HandleAnswer(remoteAnswer))

	require.NoError(t, l.ApplyStream(nil))
	assert.Nil(t, conn.SenderFor(webrtc.RTPCodecTypeAudio).Track())
	assert.Nil(t, conn.SenderFor(webrtc.RTPCodecTypeVideo).Track())
	assert.Nil(t, l.OutgoingTrack(webrtc.RTPCodecTypeVideo))

	require.NoError(t, l.ApplyStream(media.NewStream("camera", mic, cam)))
	assert.Equal(t, mic, conn.SenderFor(webrtc.RTPCodecTypeAudio).Track())
	assert.Equal(t, cam, conn.SenderFor(webrtc.RTPCodecTypeVideo).Track())
	assert.Len(t, conn.Senders, 2)
	assert.Equal(t, 1, conn.Offers)
}

// TestApplyStreamAddsSender verifies that enabling a camera after joining
// adds a sender and renegotiates once.
func TestApplyStreamAddsSender(t *testing.T) {
	h := newHarness(t)
	mic, cam := track(t, webrtc.RTPCodecTypeAudio), track(t, webrtc.RTPCodecTypeVideo)

	l, conn := h.link(t, "b", true)
	require.NoError(t, l.HandleAnswer(remoteAnswer))
	require.Equal(t, 1, conn.Offers)

	require.NoError(t, l.ApplyStream(media.NewStream("camera", mic, cam)))

	assert.Len(t, conn.Senders, 2)
	assert.Equal(t, 2, conn.Offers)
	assert.Equal(t, peer.StateAwaitingAnswer, l.State())
	assert.Len(t, h.signaler.DescriptionsTo("b"), 2)
}

// TestRenegotiationDeferredWhileNegotiating verifies that a new sender added
// mid-negotiation is offered once the link connects.
func TestRenegotiationDeferredWhileNegotiating(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "b", true)
	require.Equal(t, peer.StateAwaitingAnswer, l.State())

	require.NoError(t, l.ApplyStream(media.NewStream("camera", track(t, webrtc.RTPCodecTypeVideo))))
	assert.Equal(t, 1, conn.Offers)

	require.NoError(t, l.HandleAnswer(remoteAnswer))
	assert.Equal(t, 2, conn.Offers)
	assert.Equal(t, peer.StateAwaitingAnswer, l.State())
}

// TestResponderAddsTracksBeforeOffer verifies that a responder that has not
// seen an offer yet does not send one of its own.
func TestResponderAddsTracksBeforeOffer(t *testing.T) {
	h := newHarness(t)
	l, conn := h.link(t, "a", false)

	require.NoError(t, l.ApplyStream(media.NewStream("camera", track(t, webrtc.RTPCodecTypeAudio))))
	assert.Equal(t, 0, conn.Offers)
	assert.Equal(t, peer.StateNew, l.State())
}

// TestRemoteTracksReported verifies that inbound tracks accumulate in the
// link's remote stream and are reported upward.
func TestRemoteTracksReported(t *testing.T) {
	factory := &peertest.Factory{}
	var reported []string
	registry := peer.NewRegistry(factory, peer.RegistryOptions{
		Signaler: peertest.NewSignaler(),
		OnRemoteTrack: func(id string, s *media.RemoteStream) {
			reported = append(reported, id)
		},
	})

	l, _, err := registry.GetOrCreate("b", false)
	require.NoError(t, err)
	conn := factory.Last()

	conn.EmitTrack(peertest.RemoteTrack{TrackID: "a1", Stream: "s", Codec: webrtc.RTPCodecTypeAudio})
	conn.EmitTrack(peertest.RemoteTrack{TrackID: "v1", Stream: "s", Codec: webrtc.RTPCodecTypeVideo})

	assert.Equal(t, []string{"b", "b"}, reported)
	assert.Len(t, l.RemoteStream().Tracks(), 2)

	registry.Remove("b")
	conn.EmitTrack(peertest.RemoteTrack{TrackID: "v2", Stream: "s", Codec: webrtc.RTPCodecTypeVideo})
	assert.Len(t, reported, 2)
}
