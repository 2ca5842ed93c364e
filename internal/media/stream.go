// Package media holds local stream composition and the fan-out of local track
// changes to every live peer link.
package media

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Stream is the caller's current local media: an ordered set of tracks, at
// most one per kind is used. A nil *Stream means no local media.
type Stream struct {
	id     string
	tracks []webrtc.TrackLocal
}

// NewStream builds a stream from tracks. An empty id gets a random one.
func NewStream(id string, tracks ...webrtc.TrackLocal) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	kept := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &Stream{id: id, tracks: kept}
}

// ID returns the stream id, or "" for a nil stream.
func (s *Stream) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Tracks returns a copy of the stream's tracks.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// First returns the first track of kind, or nil.
func (s *Stream) First(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *Stream) AudioTracks() []webrtc.TrackLocal { return s.byKind(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTracks() []webrtc.TrackLocal { return s.byKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) byKind(kind webrtc.RTPCodecType) []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	var out []webrtc.TrackLocal
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Kinds lists the track kinds in the order they are applied to a link.
func Kinds() []webrtc.RTPCodecType {
	return []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}
}

// Compose builds a stream with the audio of audioFrom and the video of
// videoFrom, e.g. microphone plus screen capture. Either source may be nil.
func Compose(id string, audioFrom, videoFrom *Stream) *Stream {
	return NewStream(id,
		audioFrom.First(webrtc.RTPCodecTypeAudio),
		videoFrom.First(webrtc.RTPCodecTypeVideo),
	)
}

// NewSampleTrack creates a sample-fed local track (opus for audio, VP8 for
// video) with a random track id.
func NewSampleTrack(kind webrtc.RTPCodecType, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if kind == webrtc.RTPCodecTypeAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	return webrtc.NewTrackLocalStaticSample(codec, uuid.NewString(), streamID)
}
