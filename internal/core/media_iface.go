package core

import (
	"context"

	"github.com/opencrm/callkit/internal/domain"
)

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// LocalTrack is one captured device track. The enabled flag is a soft
// mute: the track stays alive so re-enabling is instant.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	SetEnabled(bool)
	Enabled() bool
	// Stop releases the underlying capture device. Idempotent.
	Stop()
	// OnEnded registers a hook fired when capture ends outside our control
	// (e.g. the OS screen-capture UI is dismissed).
	OnEnded(func())
}

// LocalMedia is the set of currently acquired local tracks plus the local
// mute/camera/share flags. It is mutated only by the media track controller
// and read when binding tracks to a new link; the engine lock serializes both.
type LocalMedia struct {
	Audio  LocalTrack
	Camera LocalTrack
	Screen LocalTrack

	Muted         bool
	CameraOff     bool
	SharingScreen bool
}

// ActiveVideo returns the single outbound video source: the screen track
// while sharing, the camera track otherwise. May be nil.
func (m *LocalMedia) ActiveVideo() LocalTrack {
	if m.SharingScreen && m.Screen != nil {
		return m.Screen
	}
	return m.Camera
}

// Tracks returns the tracks a newly created link must bind: the audio track
// and the active video source.
func (m *LocalMedia) Tracks() []LocalTrack {
	var out []LocalTrack
	if m.Audio != nil {
		out = append(out, m.Audio)
	}
	if v := m.ActiveVideo(); v != nil {
		out = append(out, v)
	}
	return out
}

// MediaDevices acquires and releases local capture tracks.
type MediaDevices interface {
	// Acquire obtains the tracks for a call type: audio for AUDIO, audio and
	// camera for VIDEO, audio and screen capture for SCREEN_SHARE. Failures
	// are reported as *domain.MediaError.
	Acquire(ctx context.Context, t domain.CallType) (*LocalMedia, error)
	// AcquireScreen obtains a screen-capture track for mid-call sharing.
	AcquireScreen(ctx context.Context) (LocalTrack, error)
	// Release stops every track in m. Idempotent; nil-safe.
	Release(m *LocalMedia)
}
