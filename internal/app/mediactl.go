package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/core"
	"github.com/opencrm/callkit/internal/domain"
)

// MediaController applies local media mutations across every active peer
// link. It holds no state of its own: the session passes in the call, the
// local media state, and the registry under the engine lock, so every
// mutation is atomic with respect to link creation.
type MediaController struct {
	devices core.MediaDevices
	bus     core.SignalBus
}

func NewMediaController(devices core.MediaDevices, bus core.SignalBus) *MediaController {
	return &MediaController{devices: devices, bus: bus}
}

// ToggleMicrophone flips the audio track's enabled flag and notifies the
// other participants. The track stays alive, so no link is renegotiated.
// Returns the new enabled state.
func (c *MediaController) ToggleMicrophone(call *domain.Call, m *core.LocalMedia) (bool, error) {
	if m.Audio == nil {
		return false, domain.ErrBadState
	}
	enabled := !m.Audio.Enabled()
	m.Audio.SetEnabled(enabled)
	m.Muted = !enabled
	c.notifyToggle(DestToggleMicrophone, call.ID, enabled)
	return enabled, nil
}

// ToggleCamera flips the camera track's enabled flag and notifies the other
// participants. Returns the new enabled state.
func (c *MediaController) ToggleCamera(call *domain.Call, m *core.LocalMedia) (bool, error) {
	if m.Camera == nil {
		return false, domain.ErrBadState
	}
	enabled := !m.Camera.Enabled()
	m.Camera.SetEnabled(enabled)
	m.CameraOff = !enabled
	c.notifyToggle(DestToggleCamera, call.ID, enabled)
	return enabled, nil
}

// StartScreenShare acquires a screen track and swaps it in as the outbound
// video source on every registered link, without renegotiating. The media
// state is updated before the swap loop, so a link created concurrently in
// the same engine turn binds the screen track directly.
func (c *MediaController) StartScreenShare(ctx context.Context, call *domain.Call, m *core.LocalMedia, links *Registry, onEnded func()) error {
	if m.SharingScreen {
		return domain.ErrBadState
	}
	track, err := c.devices.AcquireScreen(ctx)
	if err != nil {
		return err
	}
	if onEnded != nil {
		track.OnEnded(onEnded)
	}

	m.Screen = track
	m.SharingScreen = true

	links.ForEach(func(l *Link) {
		if l.VideoSender == nil {
			return
		}
		if err := l.VideoSender.ReplaceTrack(track); err != nil {
			log.Error().Err(err).Str("module", "app.media").
				Str("participant", string(l.Participant)).
				Msg("replace video with screen track")
		}
	})

	c.notifyToggle(DestToggleScreenShare, call.ID, true)
	log.Info().Str("module", "app.media").Str("call_id", string(call.ID)).Msg("screen share started")
	return nil
}

// StopScreenShare stops the screen track and restores the camera as the
// outbound video source on every link when the call type is VIDEO. On other
// call types the video source is simply detached. No-op when not sharing.
func (c *MediaController) StopScreenShare(call *domain.Call, m *core.LocalMedia, links *Registry) error {
	if !m.SharingScreen {
		return nil
	}
	if m.Screen != nil {
		m.Screen.Stop()
	}
	m.Screen = nil
	m.SharingScreen = false

	var restore core.LocalTrack // nil detaches the sender
	if call.Type == domain.TypeVideo {
		restore = m.Camera
	}
	links.ForEach(func(l *Link) {
		if l.VideoSender == nil {
			return
		}
		if err := l.VideoSender.ReplaceTrack(restore); err != nil {
			log.Error().Err(err).Str("module", "app.media").
				Str("participant", string(l.Participant)).
				Msg("restore video track")
		}
	})

	c.notifyToggle(DestToggleScreenShare, call.ID, false)
	log.Info().Str("module", "app.media").Str("call_id", string(call.ID)).Msg("screen share stopped")
	return nil
}

func (c *MediaController) notifyToggle(dest string, callID domain.CallID, enabled bool) {
	if err := c.bus.Publish(dest, ToggleRequest{CallID: callID, Enabled: enabled}); err != nil {
		log.Error().Err(err).Str("module", "app.media").Str("dest", dest).Msg("publish toggle")
	}
}
