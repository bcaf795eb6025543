package media

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/core"
)

// localTrack wraps a mediadevices capture track. The enabled flag is a soft
// mute: the capture pipeline keeps running and peers learn about the state
// through the engine's toggle notifications.
type localTrack struct {
	track mediadevices.Track

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func()
}

func newLocalTrack(track mediadevices.Track) *localTrack {
	t := &localTrack{track: track, enabled: true}
	track.OnEnded(func(err error) {
		t.mu.Lock()
		stopped := t.stopped
		fn := t.onEnded
		t.mu.Unlock()
		// A deliberate Stop also ends the track; only external endings
		// (device unplugged, capture UI dismissed) reach the hook.
		if stopped || fn == nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("track_id", track.ID()).Msg("capture ended")
		}
		fn()
	})
	return t
}

func (t *localTrack) ID() string { return t.track.ID() }

func (t *localTrack) Kind() core.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return core.KindAudio
	}
	return core.KindVideo
}

func (t *localTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	if err := t.track.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Str("track_id", t.track.ID()).Msg("close track")
	}
}

func (t *localTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// WebRTCTrack exposes the underlying pion track for binding to a peer
// connection.
func (t *localTrack) WebRTCTrack() webrtc.TrackLocal { return t.track }
