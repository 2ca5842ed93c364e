package peer

import (
	"errors"
	"sort"
	"sync"

	"github.com/1ureka/classmeet/internal/media"
	"github.com/1ureka/classmeet/internal/util"
)

// RegistryOptions wires new links to the rest of the meeting.
type RegistryOptions struct {
	// LocalID is our own participant id. It decides which side of each pair
	// yields when both offer at once. Without it responders yield.
	LocalID  string
	Signaler Signaler
	// LocalStream returns the tracks new links start sending. May be nil.
	LocalStream func() *media.Stream
	// OnRemoteTrack fires on pion's goroutine whenever a remote track arrives.
	OnRemoteTrack func(remoteID string, stream *media.RemoteStream)
	Stats         *util.Stats
}

// Registry holds at most one Link per remote participant.
type Registry struct {
	factory ConnFactory
	opts    RegistryOptions

	mu    sync.Mutex
	links map[string]*Link
}

func NewRegistry(factory ConnFactory, opts RegistryOptions) *Registry {
	if opts.Stats == nil {
		opts.Stats = util.NewStats()
	}
	return &Registry{
		factory: factory,
		opts:    opts,
		links:   make(map[string]*Link),
	}
}

// GetOrCreate returns the link for remoteID, building it when absent. A new
// link starts with the current local tracks attached, and an initiator link
// sends its offer before GetOrCreate returns. Negotiation failures are
// logged and leave the link in place.
func (r *Registry) GetOrCreate(remoteID string, asInitiator bool) (*Link, bool, error) {
	var stream *media.Stream
	if r.opts.LocalStream != nil {
		stream = r.opts.LocalStream()
	}

	r.mu.Lock()
	if l, ok := r.links[remoteID]; ok {
		r.mu.Unlock()
		return l, false, nil
	}

	conn, err := r.factory.NewConn()
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}

	l := newLink(remoteID, asInitiator, r.polite(remoteID, asInitiator), conn, r.opts.Signaler, r.opts.OnRemoteTrack)
	l.mu.Lock()
	_, err = l.applyLocked(stream)
	l.mu.Unlock()
	if err != nil {
		util.LogWarning("failed to attach local tracks for %s: %v", remoteID, err)
	}
	r.links[remoteID] = l
	r.mu.Unlock()

	r.opts.Stats.AddLinkOpened()
	util.LogDebug("link to %s created (initiator=%v)", remoteID, asInitiator)

	if err := l.Start(); err != nil {
		util.LogWarning("initial offer to %s failed: %v", remoteID, err)
	}
	return l, true, nil
}

// polite reports whether the link to remoteID yields on an offer collision.
// Exactly one side of any pair of distinct ids yields.
func (r *Registry) polite(remoteID string, initiator bool) bool {
	if r.opts.LocalID == "" {
		return !initiator
	}
	return r.opts.LocalID < remoteID
}

func (r *Registry) Get(remoteID string) (*Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[remoteID]
	return l, ok
}

// Remove closes and forgets the link for remoteID. It reports whether a link
// existed.
func (r *Registry) Remove(remoteID string) bool {
	r.mu.Lock()
	l, ok := r.links[remoteID]
	delete(r.links, remoteID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := l.Close(); err != nil {
		util.LogWarning("closing link to %s: %v", remoteID, err)
	}
	r.opts.Stats.AddLinkClosed()
	return true
}

// CloseAll closes every link and returns the removed ids, sorted.
func (r *Registry) CloseAll() []string {
	r.mu.Lock()
	links := r.links
	r.links = make(map[string]*Link)
	r.mu.Unlock()

	ids := make([]string, 0, len(links))
	var errs []error
	for id, l := range links {
		ids = append(ids, id)
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
		r.opts.Stats.AddLinkClosed()
	}
	if err := errors.Join(errs...); err != nil {
		util.LogWarning("closing links: %v", err)
	}
	sort.Strings(ids)
	return ids
}

// ForEach calls fn for a snapshot of the live links, in no particular order.
func (r *Registry) ForEach(fn func(*Link)) {
	for _, l := range r.snapshot() {
		fn(l)
	}
}

// Sinks lets a media.Manager push track changes to every live link.
func (r *Registry) Sinks() []media.Sink {
	links := r.snapshot()
	sinks := make([]media.Sink, len(links))
	for i, l := range links {
		sinks[i] = l
	}
	return sinks
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// IDs returns the remote ids with a live link, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) snapshot() []*Link {
	r.mu.Lock()
	defer r.mu.Unlock()

	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	return links
}
