package media

import (
	"context"
	"errors"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/core"
	"github.com/opencrm/callkit/internal/domain"
)

const defaultVideoBitrate = 1_500_000

// Devices captures local audio/video through pion/mediadevices with VP8 and
// Opus encoders. The same codec selector that encodes the tracks populates
// the media engine of every peer connection, so the produced SDP always
// matches what we actually send.
type Devices struct {
	selector *mediadevices.CodecSelector
}

func NewDevices(videoBitrate int) (*Devices, error) {
	if videoBitrate <= 0 {
		videoBitrate = defaultVideoBitrate
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = videoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureEngine registers the capture codecs on a peer connection's media
// engine. Implements the transport factory's EngineConfigurer.
func (d *Devices) ConfigureEngine(e *webrtc.MediaEngine) error {
	d.selector.Populate(e)
	return nil
}

// Acquire captures the device set for a call type: microphone for AUDIO,
// microphone and camera for VIDEO, microphone and screen for SCREEN_SHARE.
func (d *Devices) Acquire(ctx context.Context, t domain.CallType) (*core.LocalMedia, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if t == domain.TypeVideo {
		constraints.Video = cameraConstraints
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, mapCaptureError(err)
	}

	m := &core.LocalMedia{}
	for _, tr := range stream.GetTracks() {
		lt := newLocalTrack(tr)
		switch tr.Kind() {
		case webrtc.RTPCodecTypeAudio:
			m.Audio = lt
		case webrtc.RTPCodecTypeVideo:
			m.Camera = lt
		}
	}
	log.Info().Str("module", "media").
		Str("call_type", string(t)).
		Bool("camera", m.Camera != nil).
		Msg("local media captured")

	if t == domain.TypeScreenShare {
		screen, err := d.AcquireScreen(ctx)
		if err != nil {
			d.Release(m)
			return nil, err
		}
		m.Screen = screen
		m.SharingScreen = true
	}
	return m, nil
}

// AcquireScreen captures one display track for sharing.
func (d *Devices) AcquireScreen(context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, mapCaptureError(err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, domain.NewMediaError(domain.MediaDeviceNotFound, errors.New("display stream has no video track"))
	}
	log.Info().Str("module", "media").Msg("screen capture started")
	return newLocalTrack(tracks[0]), nil
}

// Release stops every track in m. Nil-safe and idempotent via the tracks'
// own Stop guards.
func (d *Devices) Release(m *core.LocalMedia) {
	if m == nil {
		return
	}
	for _, t := range []core.LocalTrack{m.Audio, m.Camera, m.Screen} {
		if t != nil {
			t.Stop()
		}
	}
	log.Info().Str("module", "media").Msg("local media released")
}

// cameraConstraints excludes compressed frame formats and caps the
// resolution. MJPEG nodes on some cameras emit malformed frames that poison
// the VP8 encoder, and large frames inflate encoding latency.
func cameraConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 1280}
	c.Height = prop.IntRanged{Max: 720}
}

// mapCaptureError folds driver errors into the engine's media error taxonomy.
// The drivers return plain errors, so classification is by message.
func mapCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return domain.NewMediaError(domain.MediaPermissionDenied, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device") ||
		strings.Contains(msg, "failed to find"):
		return domain.NewMediaError(domain.MediaDeviceNotFound, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return domain.NewMediaError(domain.MediaDeviceBusy, err)
	}
	return domain.NewMediaError(domain.MediaOther, err)
}
