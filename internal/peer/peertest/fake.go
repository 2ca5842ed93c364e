// Package peertest provides in-memory peer.Conn fakes.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/classmeet/internal/media"
	"github.com/1ureka/classmeet/internal/peer"
)

// ErrInjected is the default error returned by a failing fake step.
var ErrInjected = errors.New("injected failure")

// Sender records the track it carries.
type Sender struct {
	mu       sync.Mutex
	kind     webrtc.RTPCodecType
	track    webrtc.TrackLocal
	Replaced int
	Fail     error
}

func (s *Sender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if t != nil && t.Kind() != s.kind {
		return fmt.Errorf("track kind %s does not match sender kind %s", t.Kind(), s.kind)
	}
	s.track = t
	s.Replaced++
	return nil
}

// Conn records every negotiation step. Fields named Fail* make the matching
// step return that error.
type Conn struct {
	mu sync.Mutex

	Offers     int
	Answers    int
	Rollbacks  int
	Local      *webrtc.SessionDescription
	Remote     *webrtc.SessionDescription
	Candidates []webrtc.ICECandidateInit
	Senders    []*Sender
	Closed     bool

	FailCreateOffer  error
	FailCreateAnswer error
	FailSetRemote    error
	FailAddTrack     error
	FailRollback     error

	// BeforeReturn runs inside CreateOffer and CreateAnswer, after the
	// description is built. Tests use it to close a link mid-step.
	BeforeReturn func()

	// stable is the local description of the last completed exchange.
	stable *webrtc.SessionDescription

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(media.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.FailCreateOffer != nil {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, c.FailCreateOffer
	}
	c.Offers++
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.Offers)}
	hook := c.BeforeReturn
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return desc, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.FailCreateAnswer != nil {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, c.FailCreateAnswer
	}
	c.Answers++
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.Answers)}
	hook := c.BeforeReturn
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return desc, nil
}

func (c *Conn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Local = &d
	if d.Type == webrtc.SDPTypeAnswer {
		c.stable = &d
	}
	return nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSetRemote != nil {
		return c.FailSetRemote
	}
	c.Remote = &d
	if d.Type == webrtc.SDPTypeAnswer {
		c.stable = c.Local
	}
	return nil
}

// Rollback restores the local description of the last completed exchange.
func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailRollback != nil {
		return c.FailRollback
	}
	c.Rollbacks++
	c.Local = c.stable
	return nil
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Local
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Remote
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Remote == nil {
		return errors.New("no remote description")
	}
	c.Candidates = append(c.Candidates, ci)
	return nil
}

func (c *Conn) AppliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.Candidates...)
}

func (c *Conn) AddTrack(t webrtc.TrackLocal) (peer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAddTrack != nil {
		return nil, c.FailAddTrack
	}
	s := &Sender{kind: t.Kind(), track: t}
	c.Senders = append(c.Senders, s)
	return s, nil
}

// SenderFor returns the first sender of kind, or nil.
func (c *Conn) SenderFor(kind webrtc.RTPCodecType) *Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.Senders {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(media.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// EmitCandidate simulates a locally gathered candidate.
func (c *Conn) EmitCandidate(candidate string) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// EmitTrack simulates an inbound remote track.
func (c *Conn) EmitTrack(t media.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// EmitState simulates a transport state change.
func (c *Conn) EmitState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// Factory hands out fake Conns and keeps them for inspection.
type Factory struct {
	mu    sync.Mutex
	Conns []*Conn
	Fail  error
	// Prepare, when set, configures each Conn before it is returned.
	Prepare func(*Conn)
}

func (f *Factory) NewConn() (peer.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return nil, f.Fail
	}
	c := &Conn{}
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.Conns = append(f.Conns, c)
	return c, nil
}

// Last returns the most recently created Conn.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Conns) == 0 {
		return nil
	}
	return f.Conns[len(f.Conns)-1]
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Conns)
}

// RemoteTrack is a fixed media.RemoteTrack.
type RemoteTrack struct {
	TrackID string
	Stream  string
	Codec   webrtc.RTPCodecType
}

func (t RemoteTrack) ID() string                { return t.TrackID }
func (t RemoteTrack) StreamID() string          { return t.Stream }
func (t RemoteTrack) Kind() webrtc.RTPCodecType { return t.Codec }

// Signaler records outbound negotiation messages.
type Signaler struct {
	mu           sync.Mutex
	Descriptions map[string][]webrtc.SessionDescription
	Candidates   map[string][]webrtc.ICECandidateInit
}

func NewSignaler() *Signaler {
	return &Signaler{
		Descriptions: make(map[string][]webrtc.SessionDescription),
		Candidates:   make(map[string][]webrtc.ICECandidateInit),
	}
}

func (s *Signaler) SendDescription(remoteID string, desc webrtc.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Descriptions[remoteID] = append(s.Descriptions[remoteID], desc)
}

func (s *Signaler) SendCandidate(remoteID string, c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Candidates[remoteID] = append(s.Candidates[remoteID], c)
}

func (s *Signaler) DescriptionsTo(remoteID string) []webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), s.Descriptions[remoteID]...)
}

func (s *Signaler) CandidatesTo(remoteID string) []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.Candidates[remoteID]...)
}
