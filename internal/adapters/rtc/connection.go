package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/core"
)

// PionTrack is implemented by local capture tracks that are backed by a pion
// TrackLocal, which is what actually gets bound to a peer connection.
type PionTrack interface {
	WebRTCTrack() webrtc.TrackLocal
}

var errNotPionTrack = errors.New("local track is not backed by a pion TrackLocal")

// EngineConfigurer registers the codecs of the capture pipeline on a media
// engine, so the SDP we produce matches the tracks we send.
type EngineConfigurer interface {
	ConfigureEngine(*webrtc.MediaEngine) error
}

// Factory builds one peer connection per remote participant.
type Factory struct {
	cfg         webrtc.Configuration
	engineCfg   EngineConfigurer
	pliInterval time.Duration
}

func NewFactory(iceServers []webrtc.ICEServer, engineCfg EngineConfigurer, pliInterval time.Duration) *Factory {
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if pliInterval <= 0 {
		pliInterval = 3 * time.Second
	}
	return &Factory{
		cfg:         webrtc.Configuration{ICEServers: iceServers},
		engineCfg:   engineCfg,
		pliInterval: pliInterval,
	}
}

// NewLink satisfies core.LinkFactory.
func (f *Factory) NewLink(context.Context) (core.TransportLink, error) {
	engine := &webrtc.MediaEngine{}
	if f.engineCfg != nil {
		if err := f.engineCfg.ConfigureEngine(engine); err != nil {
			return nil, err
		}
	} else if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
	)
	pc, err := api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return &Link{pc: pc, pliInterval: f.pliInterval}, nil
}

// Link wraps one webrtc.PeerConnection behind core.TransportLink. Offers and
// answers are returned as soon as the local description is set; candidates
// trickle out through OnICECandidate instead of blocking on gathering.
type Link struct {
	pc          *webrtc.PeerConnection
	pliInterval time.Duration
	cancel      context.CancelFunc
	closed      atomic.Bool
	closeOnce   sync.Once

	onICE         func(webrtc.ICECandidateInit)
	onRemoteTrack func(core.RemoteTrack)
	onState       func(core.LinkState)
	onNegotiation func()
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }
func (l *Link) OnRemoteTrack(fn func(core.RemoteTrack))        { l.onRemoteTrack = fn }
func (l *Link) OnStateChange(fn func(core.LinkState))          { l.onState = fn }
func (l *Link) OnNegotiationNeeded(fn func())                  { l.onNegotiation = fn }

func (l *Link) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || l.onICE == nil {
			return
		}
		l.onICE(cand.ToJSON())
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
		if l.onState != nil {
			l.onState(mapPeerState(s))
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track received")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go l.keyframeLoop(ctx, track.SSRC())
		}
		if l.onRemoteTrack != nil {
			l.onRemoteTrack(&remoteTrack{tr: track})
		}
	})

	l.pc.OnNegotiationNeeded(func() {
		if l.onNegotiation != nil {
			l.onNegotiation()
		}
	})

	return nil
}

func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		if l.cancel != nil {
			l.cancel()
		}
		if err := l.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Msg("peer connection closed")
		}
	})
}

func (l *Link) IsClosed() bool { return l.closed.Load() }

// AddTrack binds a local capture track for sending and drains the sender's
// RTCP stream, which pion requires for interceptors to run.
func (l *Link) AddTrack(t core.LocalTrack) (core.TrackSender, error) {
	pt, ok := t.(PionTrack)
	if !ok {
		return nil, errNotPionTrack
	}
	sender, err := l.pc.AddTrack(pt.WebRTCTrack())
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return &trackSender{kind: t.Kind(), sender: sender}, nil
}

func (l *Link) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *Link) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(answer)
}

func (l *Link) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

// trackSender adapts a pion RTPSender to core.TrackSender.
type trackSender struct {
	kind   core.TrackKind
	sender *webrtc.RTPSender
}

func (s *trackSender) Kind() core.TrackKind { return s.kind }

func (s *trackSender) ReplaceTrack(t core.LocalTrack) error {
	if t == nil {
		return s.sender.ReplaceTrack(nil)
	}
	pt, ok := t.(PionTrack)
	if !ok {
		return errNotPionTrack
	}
	return s.sender.ReplaceTrack(pt.WebRTCTrack())
}

func mapPeerState(s webrtc.PeerConnectionState) core.LinkState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.LinkNew
	case webrtc.PeerConnectionStateConnecting:
		return core.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return core.LinkClosed
	}
	return core.LinkNew
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
