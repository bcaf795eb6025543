package rtc

import (
	"context"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/core"
)

// remoteTrack adapts a pion TrackRemote to core.RemoteTrack.
type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string       { return t.tr.ID() }
func (t *remoteTrack) StreamID() string { return t.tr.StreamID() }

func (t *remoteTrack) Kind() core.TrackKind {
	if t.tr.Kind() == webrtc.RTPCodecTypeAudio {
		return core.KindAudio
	}
	return core.KindVideo
}

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.tr.ReadRTP()
	return pkt, err
}

// keyframeLoop periodically requests a keyframe for an inbound video track so
// late joiners and lossy paths recover without waiting for the encoder's own
// keyframe cadence.
func (l *Link) keyframeLoop(ctx context.Context, ssrc webrtc.SSRC) {
	ticker := time.NewTicker(l.pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}
			if err := l.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Msg("keyframe request failed, stopping")
				return
			}
		}
	}
}
