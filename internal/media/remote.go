package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the part of an inbound track the meeting core relies on.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream collects the inbound tracks of one remote participant.
type RemoteStream struct {
	participant string

	mu     sync.RWMutex
	tracks []RemoteTrack
}

// NewRemoteStream creates an empty stream for participant.
func NewRemoteStream(participant string) *RemoteStream {
	return &RemoteStream{participant: participant}
}

// ID returns the participant the stream belongs to.
func (r *RemoteStream) ID() string { return r.participant }

// Add appends t, replacing an earlier track with the same id.
func (r *RemoteStream) Add(t RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.tracks {
		if existing.ID() == t.ID() {
			r.tracks[i] = t
			return
		}
	}
	r.tracks = append(r.tracks, t)
}

// Tracks returns a snapshot of the inbound tracks.
func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}
