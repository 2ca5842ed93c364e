// Package meeting is the room-level facade: it joins a room through the
// signaling relay, keeps one peer link per remote participant and pushes
// local media changes to all of them.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/classmeet/internal/media"
	"github.com/1ureka/classmeet/internal/peer"
	"github.com/1ureka/classmeet/internal/signaling"
	"github.com/1ureka/classmeet/internal/util"
)

// Transport is the signaling channel. *signaling.Client implements it.
type Transport interface {
	Connect(ctx context.Context, roomID string) error
	Send(msg *signaling.Message) error
	OnMessage(fn func(*signaling.Message))
	OnClose(fn func(error))
	IsOpen() bool
	Close() error
}

// Options configures a Coordinator. Callbacks are optional and are never
// invoked while the coordinator holds its lock.
type Options struct {
	RoomID string
	UserID string

	// RelayURL is the relay base URL, used when Transport is nil.
	RelayURL   string
	ICEServers []webrtc.ICEServer

	Transport   Transport
	ConnFactory peer.ConnFactory

	OnRemoteStream        func(participantID string, stream *media.RemoteStream)
	OnRemoteStreamRemoved func(participantID string)
	OnRaiseHand           func(participantID string, raised bool)
	OnParticipantJoined   func(participantID string)
	OnParticipantLeft     func(participantID string)
	OnError               func(err error)
}

// Coordinator runs one participant's side of a meeting.
type Coordinator struct {
	opts      Options
	room      signaling.ID
	self      signaling.ID
	transport Transport
	registry  *peer.Registry
	tracks    *media.Manager
	stats     *util.Stats

	mu     sync.Mutex
	active bool
	raised map[string]bool

	evMu     sync.Mutex
	events   []func()
	flushing bool
}

// New builds a coordinator. Nothing is connected until Join.
func New(opts Options) (*Coordinator, error) {
	if opts.RoomID == "" || opts.UserID == "" {
		return nil, fmt.Errorf("%w: room and user id are required", ErrInvalidOptions)
	}

	transport := opts.Transport
	if transport == nil {
		if opts.RelayURL == "" {
			return nil, fmt.Errorf("%w: relay URL is required", ErrInvalidOptions)
		}
		transport = signaling.NewClient(opts.RelayURL)
	}

	factory := opts.ConnFactory
	if factory == nil {
		f, err := peer.NewPionFactory(opts.ICEServers)
		if err != nil {
			return nil, err
		}
		factory = f
	}

	c := &Coordinator{
		opts:      opts,
		room:      signaling.ID(opts.RoomID),
		self:      signaling.ID(opts.UserID),
		transport: transport,
		stats:     util.NewStats(),
		raised:    make(map[string]bool),
	}
	c.registry = peer.NewRegistry(factory, peer.RegistryOptions{
		LocalID:       opts.UserID,
		Signaler:      c,
		LocalStream:   func() *media.Stream { return c.tracks.Current() },
		OnRemoteTrack: c.onRemoteTrack,
		Stats:         c.stats,
	})
	c.tracks = media.NewManager(c.registry)

	transport.OnMessage(c.handle)
	transport.OnClose(c.onChannelClosed)
	return c, nil
}

// Join opens the signaling channel and announces this participant. The
// roster reply creates an initiator link per existing participant. Calling
// Join on an open meeting is a no-op.
func (c *Coordinator) Join(ctx context.Context) {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active && c.transport.IsOpen() {
		return
	}

	if err := c.transport.Connect(ctx, c.opts.RoomID); err != nil {
		util.LogError("failed to join room %s: %v", c.opts.RoomID, err)
		c.emitError(newError("connect", err))
		return
	}
	c.active = true

	if err := c.send(signaling.NewJoin(c.room, c.self)); err != nil {
		util.LogError("failed to announce in room %s: %v", c.opts.RoomID, err)
		c.active = false
		if cerr := c.transport.Close(); cerr != nil {
			util.LogWarning("closing signaling channel: %v", cerr)
		}
		c.emitError(newError("join", err))
		return
	}
	util.LogInfo("joined room %s as %s", c.opts.RoomID, c.opts.UserID)
}

// Leave sends a leave notice when possible, then closes every link and the
// channel. Safe to call repeatedly and after the channel dropped.
func (c *Coordinator) Leave() {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport.IsOpen() {
		if err := c.send(signaling.NewLeave(c.room, c.self)); err != nil {
			util.LogWarning("failed to send leave notice: %v", err)
		}
	}

	wasActive := c.active
	c.active = false
	c.registry.CloseAll()
	clear(c.raised)

	if err := c.transport.Close(); err != nil {
		util.LogWarning("closing signaling channel: %v", err)
	}
	if wasActive {
		util.LogInfo("left room %s", c.opts.RoomID)
	}
}

// RaiseHand broadcasts this participant's hand state. The relay echoes it
// back, which is when RaisedHands changes.
func (c *Coordinator) RaiseHand(raised bool) {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(signaling.NewRaiseHand(c.room, c.self, raised)); err != nil {
		util.LogWarning("failed to send raise-hand: %v", err)
		c.emitError(newError("raise-hand", err))
	}
}

// SetLocalStream makes s the local media of every current and future link.
// A nil s stops outgoing media.
func (c *Coordinator) SetLocalStream(s *media.Stream) {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tracks.SetLocalStream(s); err != nil {
		c.emitError(newError("set-local-stream", err))
	}
}

// LocalStream returns the stream set by SetLocalStream.
func (c *Coordinator) LocalStream() *media.Stream {
	return c.tracks.Current()
}

// Participants returns the remote ids with a live link, sorted.
func (c *Coordinator) Participants() []string {
	return c.registry.IDs()
}

// RaisedHands returns the ids whose hand is raised, sorted.
func (c *Coordinator) RaisedHands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.raised))
	for id := range c.raised {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LinkState reports the negotiation state of the link to participantID.
func (c *Coordinator) LinkState(participantID string) (peer.State, bool) {
	l, ok := c.registry.Get(participantID)
	if !ok {
		return peer.StateClosed, false
	}
	return l.State(), true
}

func (c *Coordinator) Stats() *util.Stats { return c.stats }

// ---------------------------------------------------------------------------
// Inbound routing
// ---------------------------------------------------------------------------

func (c *Coordinator) handle(msg *signaling.Message) {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}
	c.stats.AddRecv()

	if msg.ClassroomID != c.room {
		util.LogDebug("ignoring %s for room %s", msg.Type, msg.ClassroomID)
		c.stats.AddDropped()
		return
	}
	if msg.FromUserID == c.self && msg.Type != signaling.MsgTypeRaiseHand {
		c.stats.AddDropped()
		return
	}

	switch msg.Type {
	case signaling.MsgTypeExistingParticipants:
		c.handleRoster(msg)
	case signaling.MsgTypeOffer:
		c.handleOffer(msg)
	case signaling.MsgTypeAnswer:
		c.handleAnswer(msg)
	case signaling.MsgTypeCandidate:
		c.handleCandidate(msg)
	case signaling.MsgTypeParticipantLeft:
		c.handleParticipantLeft(msg)
	case signaling.MsgTypeRaiseHand:
		c.handleRaiseHand(msg)
	default:
		util.LogDebug("ignoring %s message", msg.Type)
		c.stats.AddDropped()
	}
}

func (c *Coordinator) handleRoster(msg *signaling.Message) {
	for _, id := range msg.Participants {
		if id == "" || id == c.self {
			continue
		}
		c.link(string(id), true)
	}
}

func (c *Coordinator) handleOffer(msg *signaling.Message) {
	from := string(msg.FromUserID)
	if from == "" {
		c.stats.AddDropped()
		return
	}

	offer, err := msg.SessionDescription()
	if err != nil {
		util.LogWarning("dropping offer from %s: %v", from, err)
		c.stats.AddDropped()
		return
	}

	l := c.link(from, false)
	if l == nil {
		return
	}
	if err := l.HandleOffer(offer); err != nil {
		c.negotiationFailed("offer", from, err)
	}
}

func (c *Coordinator) handleAnswer(msg *signaling.Message) {
	from := string(msg.FromUserID)
	l, ok := c.registry.Get(from)
	if !ok {
		util.LogDebug("dropping answer from %s: no link", from)
		c.stats.AddDropped()
		return
	}

	answer, err := msg.SessionDescription()
	if err != nil {
		util.LogWarning("dropping answer from %s: %v", from, err)
		c.stats.AddDropped()
		return
	}
	if err := l.HandleAnswer(answer); err != nil {
		c.negotiationFailed("answer", from, err)
	}
}

func (c *Coordinator) handleCandidate(msg *signaling.Message) {
	from := string(msg.FromUserID)
	l, ok := c.registry.Get(from)
	if !ok {
		util.LogDebug("dropping candidate from %s: no link", from)
		c.stats.AddDropped()
		return
	}

	candidate, err := msg.ICECandidate()
	if err != nil {
		util.LogWarning("dropping candidate from %s: %v", from, err)
		c.stats.AddDropped()
		return
	}
	if err := l.AddRemoteCandidate(candidate); err != nil {
		c.negotiationFailed("candidate", from, err)
	}
}

func (c *Coordinator) handleParticipantLeft(msg *signaling.Message) {
	id := string(msg.UserID)
	if id == "" {
		id = string(msg.FromUserID)
	}
	if id == "" || signaling.ID(id) == c.self {
		return
	}

	removed := c.registry.Remove(id)
	delete(c.raised, id)
	util.LogInfo("participant %s left", id)

	c.emit(func() {
		if c.opts.OnRemoteStreamRemoved != nil {
			c.opts.OnRemoteStreamRemoved(id)
		}
	})
	if removed {
		c.emit(func() {
			if c.opts.OnParticipantLeft != nil {
				c.opts.OnParticipantLeft(id)
			}
		})
	}
}

func (c *Coordinator) handleRaiseHand(msg *signaling.Message) {
	id := string(msg.FromUserID)
	if id == "" {
		c.stats.AddDropped()
		return
	}

	raised := msg.Raised()
	if raised {
		c.raised[id] = true
	} else {
		delete(c.raised, id)
	}

	c.emit(func() {
		if c.opts.OnRaiseHand != nil {
			c.opts.OnRaiseHand(id, raised)
		}
	})
}

// link returns the link to id, creating it when needed. Creation failures
// are reported and yield nil.
func (c *Coordinator) link(id string, initiator bool) *peer.Link {
	l, created, err := c.registry.GetOrCreate(id, initiator)
	if err != nil {
		util.LogError("failed to create link to %s: %v", id, err)
		c.emitError(newPeerError("create-link", id, err))
		return nil
	}
	if created {
		c.emit(func() {
			if c.opts.OnParticipantJoined != nil {
				c.opts.OnParticipantJoined(id)
			}
		})
	}
	return l
}

// negotiationFailed logs a failed step. The link stays so that a later
// renegotiation can recover it.
func (c *Coordinator) negotiationFailed(step, id string, err error) {
	switch {
	case errors.Is(err, peer.ErrUnexpectedDescription), errors.Is(err, peer.ErrLinkClosed):
		util.LogDebug("discarding %s from %s: %v", step, id, err)
		c.stats.AddDropped()
	default:
		util.LogWarning("negotiation with %s failed at %s: %v", id, step, err)
	}
}

// onChannelClosed tears the whole meeting down. There is no reconnect.
func (c *Coordinator) onChannelClosed(err error) {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}
	c.active = false

	util.LogError("lost connection to relay: %v", err)
	ids := c.registry.CloseAll()
	clear(c.raised)

	for _, id := range ids {
		id := id
		c.emit(func() {
			if c.opts.OnRemoteStreamRemoved != nil {
				c.opts.OnRemoteStreamRemoved(id)
			}
		})
	}
	c.emitError(newError("signaling", fmt.Errorf("%w: %v", ErrChannelClosed, err)))
}

// onRemoteTrack runs on a pion goroutine. The link may be removed before the
// event is flushed, in which case the stream is not reported.
func (c *Coordinator) onRemoteTrack(id string, stream *media.RemoteStream) {
	c.emit(func() {
		if l, ok := c.registry.Get(id); !ok || l.RemoteStream() != stream {
			util.LogDebug("dropping stream event for departed %s", id)
			return
		}
		if c.opts.OnRemoteStream != nil {
			c.opts.OnRemoteStream(id, stream)
		}
	})
	c.flush()
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// SendDescription implements peer.Signaler.
func (c *Coordinator) SendDescription(remoteID string, desc webrtc.SessionDescription) {
	msg, err := signaling.NewDescription(c.room, c.self, signaling.ID(remoteID), desc)
	if err != nil {
		util.LogWarning("failed to build %s for %s: %v", desc.Type, remoteID, err)
		return
	}
	if err := c.send(msg); err != nil {
		util.LogWarning("failed to send %s to %s: %v", desc.Type, remoteID, err)
	}
}

// SendCandidate implements peer.Signaler.
func (c *Coordinator) SendCandidate(remoteID string, candidate webrtc.ICECandidateInit) {
	msg, err := signaling.NewCandidate(c.room, c.self, signaling.ID(remoteID), candidate)
	if err != nil {
		util.LogWarning("failed to build candidate for %s: %v", remoteID, err)
		return
	}
	if err := c.send(msg); err != nil {
		util.LogDebug("failed to send candidate to %s: %v", remoteID, err)
	}
}

// send is safe without the coordinator lock.
func (c *Coordinator) send(msg *signaling.Message) error {
	if err := c.transport.Send(msg); err != nil {
		c.stats.AddDropped()
		return err
	}
	c.stats.AddSent()
	return nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (c *Coordinator) emitError(err error) {
	c.emit(func() {
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
	})
}

// emit queues a callback for the next flush.
func (c *Coordinator) emit(fn func()) {
	c.evMu.Lock()
	c.events = append(c.events, fn)
	c.evMu.Unlock()
}

// flush runs queued callbacks in order. A callback that calls back into the
// coordinator has its own events appended to the running flush.
func (c *Coordinator) flush() {
	c.evMu.Lock()
	if c.flushing {
		c.evMu.Unlock()
		return
	}
	c.flushing = true

	for len(c.events) > 0 {
		fn := c.events[0]
		c.events = c.events[1:]
		c.evMu.Unlock()
		fn()
		c.evMu.Lock()
	}

	c.flushing = false
	c.evMu.Unlock()
}
