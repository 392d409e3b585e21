package webrtc

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"peermesh/internal/core/domain"
)

// LocalTrack is an outbound track fed with encoded samples.
type LocalTrack struct {
	sample   *webrtc.TrackLocalStaticSample
	kind     domain.TrackKind
	disabled atomic.Bool
}

// NewLocalTrack creates an Opus audio or VP8 video track.
func NewLocalTrack(kind domain.TrackKind, id, streamID string) (*LocalTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case domain.TrackKindAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case domain.TrackKindVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}

	sample, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &LocalTrack{sample: sample, kind: kind}, nil
}

func (t *LocalTrack) ID() string              { return t.sample.ID() }
func (t *LocalTrack) Kind() domain.TrackKind  { return t.kind }
func (t *LocalTrack) Enabled() bool           { return !t.disabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.disabled.Store(!enabled) }

// WriteSample sends one encoded frame. A disabled track drops it.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if t.disabled.Load() {
		return nil
	}
	return t.sample.WriteSample(s)
}

// LocalStream builds a stream of fresh local tracks of the given kinds.
func LocalStream(streamID string, kinds ...domain.TrackKind) (*domain.Stream, error) {
	stream := domain.NewStream(streamID)
	for _, kind := range kinds {
		track, err := NewLocalTrack(kind, fmt.Sprintf("%s-%s", streamID, kind), streamID)
		if err != nil {
			return nil, err
		}
		stream.AddTrack(track)
	}
	return stream, nil
}

// RemoteTrack is an inbound track. Disabling it only marks it muted for
// local playback; packets keep arriving.
type RemoteTrack struct {
	remote   *webrtc.TrackRemote
	kind     domain.TrackKind
	disabled atomic.Bool
}

func newRemoteTrack(remote *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{remote: remote, kind: kindOf(remote.Kind())}
}

func (t *RemoteTrack) ID() string              { return t.remote.ID() }
func (t *RemoteTrack) Kind() domain.TrackKind  { return t.kind }
func (t *RemoteTrack) Enabled() bool           { return !t.disabled.Load() }
func (t *RemoteTrack) SetEnabled(enabled bool) { t.disabled.Store(!enabled) }

// Codec returns the negotiated mime type.
func (t *RemoteTrack) Codec() string {
	return t.remote.Codec().MimeType
}

// ReadRTP blocks for the next packet of the track.
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.remote.ReadRTP()
	return pkt, err
}

func kindOf(codecType webrtc.RTPCodecType) domain.TrackKind {
	if codecType == webrtc.RTPCodecTypeVideo {
		return domain.TrackKindVideo
	}
	return domain.TrackKindAudio
}
