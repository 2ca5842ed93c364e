package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/classmeet/internal/media"
	"github.com/1ureka/classmeet/internal/util"
)

var (
	// ErrLinkClosed is returned by operations on a closed link, including a
	// negotiation step that finished after the link was closed.
	ErrLinkClosed = errors.New("peer link closed")
	// ErrUnexpectedDescription is returned when an offer or answer arrives
	// in a state that cannot accept it. The description is discarded.
	ErrUnexpectedDescription = errors.New("unexpected session description")
)

// Signaler delivers locally produced negotiation messages to one remote
// participant. Implementations must not call back into the Link.
type Signaler interface {
	SendDescription(remoteID string, desc webrtc.SessionDescription)
	SendCandidate(remoteID string, candidate webrtc.ICECandidateInit)
}

// Link is the negotiated connection to one remote participant.
//
// Initiator path: New → Offering → AwaitingAnswer → Connected.
// Responder path: New → Answering → Connected.
// Close moves any state to Closed.
//
// Either side may offer again once connected. When both offer at once the
// polite side rolls its offer back, answers, and then offers again. The
// impolite side ignores the colliding offer.
type Link struct {
	remoteID  string
	initiator bool
	polite    bool
	conn      Conn
	signaler  Signaler
	remote    *media.RemoteStream

	closed atomic.Bool

	mu          sync.Mutex
	state       State
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	senders     map[webrtc.RTPCodecType]Sender
	outgoing    map[webrtc.RTPCodecType]webrtc.TrackLocal
	renegotiate bool
	// offerFrom is the state our outstanding offer was made from.
	offerFrom State
}

func newLink(remoteID string, initiator, polite bool, conn Conn, signaler Signaler, onTrack func(string, *media.RemoteStream)) *Link {
	l := &Link{
		remoteID:  remoteID,
		initiator: initiator,
		polite:    polite,
		conn:      conn,
		signaler:  signaler,
		remote:    media.NewRemoteStream(remoteID),
		senders:   make(map[webrtc.RTPCodecType]Sender),
		outgoing:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if l.closed.Load() {
			return
		}
		l.signaler.SendCandidate(l.remoteID, c)
	})

	conn.OnTrack(func(t media.RemoteTrack) {
		if l.closed.Load() {
			return
		}
		util.LogDebug("remote %s track from %s", t.Kind(), l.remoteID)
		l.remote.Add(t)
		if onTrack != nil {
			onTrack(l.remoteID, l.remote)
		}
	})

	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			util.LogDebug("media path to %s connected", l.remoteID)
		case webrtc.PeerConnectionStateFailed:
			util.LogWarning("media path to %s failed", l.remoteID)
		}
	})

	return l
}

func (l *Link) RemoteID() string                  { return l.remoteID }
func (l *Link) Initiator() bool                   { return l.initiator }
func (l *Link) Polite() bool                      { return l.polite }
func (l *Link) RemoteStream() *media.RemoteStream { return l.remote }

// State returns the current negotiation state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OutgoingTrack returns the track currently sent for kind, or nil.
func (l *Link) OutgoingTrack(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outgoing[kind]
}

// PendingCandidates returns the number of remote candidates buffered until a
// remote description is applied.
func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Start sends the initial offer on an initiator link. It is a no-op for
// responders.
func (l *Link) Start() error {
	if !l.initiator {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateNew {
		return nil
	}
	return l.offerLocked()
}

// offerLocked runs the initiator path from the current state.
func (l *Link) offerLocked() error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	prev := l.state
	l.state = StateOffering
	l.offerFrom = prev

	offer, err := l.conn.CreateOffer()
	if err != nil {
		l.state = prev
		return fmt.Errorf("create offer: %w", err)
	}
	if l.closed.Load() {
		return ErrLinkClosed
	}

	if err := l.conn.SetLocalDescription(offer); err != nil {
		l.state = prev
		return fmt.Errorf("set local offer: %w", err)
	}
	if l.closed.Load() {
		return ErrLinkClosed
	}

	l.state = StateAwaitingAnswer
	l.renegotiate = false
	l.signaler.SendDescription(l.remoteID, offer)
	return nil
}

// rollbackLocked abandons our outstanding offer and returns to the state it
// was made from.
func (l *Link) rollbackLocked() error {
	if err := l.conn.Rollback(); err != nil {
		return fmt.Errorf("roll back local offer: %w", err)
	}
	l.state = l.offerFrom
	return nil
}

// HandleOffer applies a remote offer and answers it. Offers are accepted on a
// fresh link and on a connected one (remote renegotiation). An offer that
// collides with ours is ignored by the impolite side. The polite side rolls
// its own offer back, answers, and sends a fresh offer afterwards.
func (l *Link) HandleOffer(offer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.closed.Load() || l.state == StateClosed:
		return ErrLinkClosed
	case l.state == StateAwaitingAnswer:
		if !l.polite {
			return fmt.Errorf("%w: offer collides with ours", ErrUnexpectedDescription)
		}
		if err := l.rollbackLocked(); err != nil {
			return err
		}
		l.renegotiate = true
		util.LogDebug("offer collision with %s, yielding", l.remoteID)
	case l.state != StateNew && l.state != StateConnected:
		return fmt.Errorf("%w: offer in state %s", ErrUnexpectedDescription, l.state)
	}

	prev := l.state
	l.state = StateAnswering

	if err := l.conn.SetRemoteDescription(offer); err != nil {
		l.state = prev
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.remoteSet = true
	l.flushPendingLocked()
	if l.closed.Load() {
		return ErrLinkClosed
	}

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		l.state = prev
		return fmt.Errorf("create answer: %w", err)
	}
	if l.closed.Load() {
		return ErrLinkClosed
	}

	if err := l.conn.SetLocalDescription(answer); err != nil {
		l.state = prev
		return fmt.Errorf("set local answer: %w", err)
	}
	if l.closed.Load() {
		return ErrLinkClosed
	}

	l.state = StateConnected
	l.signaler.SendDescription(l.remoteID, answer)
	return l.resumeLocked()
}

// HandleAnswer applies the answer to our offer. Answers outside
// AwaitingAnswer are discarded. A rejected answer rolls our offer back, so a
// later Renegotiate starts over.
func (l *Link) HandleAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.closed.Load() || l.state == StateClosed:
		return ErrLinkClosed
	case l.state != StateAwaitingAnswer:
		return fmt.Errorf("%w: answer in state %s", ErrUnexpectedDescription, l.state)
	}

	if err := l.conn.SetRemoteDescription(answer); err != nil {
		err = fmt.Errorf("set remote answer: %w", err)
		if rerr := l.rollbackLocked(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	if l.closed.Load() {
		return ErrLinkClosed
	}
	l.remoteSet = true
	l.flushPendingLocked()

	l.state = StateConnected
	return l.resumeLocked()
}

// AddRemoteCandidate applies c, or buffers it until the first remote
// description is in place.
func (l *Link) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return ErrLinkClosed
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (l *Link) flushPendingLocked() {
	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			util.LogWarning("buffered candidate for %s rejected: %v", l.remoteID, err)
		}
	}
	l.pending = nil
}

// Renegotiate sends a fresh offer. While a negotiation is in flight the
// request is kept and carried out once the link is connected.
func (l *Link) Renegotiate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renegotiateLocked()
}

func (l *Link) renegotiateLocked() error {
	switch l.state {
	case StateClosed:
		return ErrLinkClosed
	case StateConnected:
		return l.offerLocked()
	case StateNew:
		// A responder's tracks ride on its first answer.
		if l.initiator {
			return l.offerLocked()
		}
		return nil
	default:
		l.renegotiate = true
		return nil
	}
}

func (l *Link) resumeLocked() error {
	if !l.renegotiate {
		return nil
	}
	l.renegotiate = false
	return l.offerLocked()
}

// ApplyStream makes the link send the tracks of s. Existing senders get their
// track replaced in place, and a sender already carrying the same track is
// left alone. A kind missing from s (or a nil s) stops that sender without
// removing it. A kind without a sender gets one, followed by a single
// renegotiation.
func (l *Link) ApplyStream(s *media.Stream) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return ErrLinkClosed
	}

	added, err := l.applyLocked(s)
	if added {
		if rerr := l.renegotiateLocked(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("renegotiate: %w", rerr))
		}
	}
	return err
}

func (l *Link) applyLocked(s *media.Stream) (bool, error) {
	var (
		added bool
		errs  []error
	)
	for _, kind := range media.Kinds() {
		track := s.First(kind)

		if sender, ok := l.senders[kind]; ok {
			if l.outgoing[kind] == track {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("replace %s track: %w", kind, err))
				continue
			}
			l.outgoing[kind] = track
			continue
		}

		if track == nil {
			continue
		}
		sender, err := l.conn.AddTrack(track)
		if err != nil {
			errs = append(errs, fmt.Errorf("add %s track: %w", kind, err))
			continue
		}
		l.senders[kind] = sender
		l.outgoing[kind] = track
		added = true
	}
	return added, errors.Join(errs...)
}

// Close tears the connection down. Steps still in flight observe the closed
// flag and discard their results. Safe to call repeatedly.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	err := l.conn.Close()

	l.mu.Lock()
	l.state = StateClosed
	l.pending = nil
	l.renegotiate = false
	l.mu.Unlock()

	return err
}
