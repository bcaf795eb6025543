package core

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LinkState mirrors the peer-connection lifecycle of the underlying transport.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "NEW"
	case LinkConnecting:
		return "CONNECTING"
	case LinkConnected:
		return "CONNECTED"
	case LinkDisconnected:
		return "DISCONNECTED"
	case LinkFailed:
		return "FAILED"
	case LinkClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Terminal reports whether the link can no longer carry media.
func (s LinkState) Terminal() bool {
	return s == LinkDisconnected || s == LinkFailed || s == LinkClosed
}

// RemoteTrack is an inbound media track from one remote participant.
// Consumers must drain ReadRTP; the transport adapter handles keyframe
// recovery on its own.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
	ReadRTP() (*rtp.Packet, error)
}

// TrackSender is the outbound binding of one local track on one link.
// ReplaceTrack swaps the source without renegotiating; a nil track detaches it.
type TrackSender interface {
	Kind() TrackKind
	ReplaceTrack(t LocalTrack) error
}

// TransportLink is the managed point-to-point media channel to one remote
// participant. Implementations own the underlying peer connection; the
// engine only ever negotiates through this surface.
type TransportLink interface {
	// Start configures internal callbacks and binds the link lifetime to ctx.
	// All On* observers must be registered before Start.
	Start(ctx context.Context) error
	// Close stops all underlying transport resources. Idempotent.
	Close()
	IsClosed() bool

	// AddTrack attaches a local track for sending.
	AddTrack(t LocalTrack) (TrackSender, error)

	// CreateAndSetOffer produces a local offer and applies it locally.
	CreateAndSetOffer() (webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer applies a remote offer, then produces and
	// applies the local answer. Safe to call again for renegotiation.
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer applies a remote answer to a previously sent offer.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. Only valid once a
	// remote description has been applied.
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnRemoteTrack sets a callback invoked when a remote track arrives.
	OnRemoteTrack(func(RemoteTrack))
	// OnStateChange sets a callback for connection state transitions.
	OnStateChange(func(LinkState))
	// OnNegotiationNeeded sets a callback fired when the transport wants a
	// new offer/answer cycle (e.g. after a track change).
	OnNegotiationNeeded(func())
}

// LinkFactory creates an unstarted transport link.
type LinkFactory func(ctx context.Context) (TransportLink, error)
