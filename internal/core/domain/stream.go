package domain

import (
	"sync"
	"sync/atomic"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is one media track of a stream. Transports provide their own
// implementations; BasicTrack covers the in-process case.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
}

// BasicTrack is a transport-neutral track.
type BasicTrack struct {
	id       string
	kind     TrackKind
	disabled atomic.Bool
}

func NewTrack(id string, kind TrackKind) *BasicTrack {
	return &BasicTrack{id: id, kind: kind}
}

func (t *BasicTrack) ID() string              { return t.id }
func (t *BasicTrack) Kind() TrackKind         { return t.kind }
func (t *BasicTrack) Enabled() bool           { return !t.disabled.Load() }
func (t *BasicTrack) SetEnabled(enabled bool) { t.disabled.Store(!enabled) }

// Stream holds at most one audio and one video track.
type Stream struct {
	id string

	mu    sync.RWMutex
	audio Track
	video Track
}

// NewStream builds a stream. A later track of a kind replaces an earlier one.
func NewStream(id string, tracks ...Track) *Stream {
	s := &Stream{id: id}
	for _, t := range tracks {
		s.AddTrack(t)
	}
	return s
}

func (s *Stream) ID() string {
	return s.id
}

// AddTrack sets the stream's track of t's kind.
func (s *Stream) AddTrack(t Track) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t.Kind() {
	case TrackKindAudio:
		s.audio = t
	case TrackKindVideo:
		s.video = t
	}
}

func (s *Stream) Audio() Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

func (s *Stream) Video() Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video
}

// Tracks returns audio first, then video.
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tracks := make([]Track, 0, 2)
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}
