package app

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/core"
	"github.com/opencrm/callkit/internal/domain"
)

// LinkProvider resolves participants to peer links. The session implements
// it; both methods expect the engine lock to be held by the caller.
type LinkProvider interface {
	EnsureLink(pid domain.UserID, role NegotiationRole) (*Link, error)
	LookupLink(pid domain.UserID) (*Link, bool)
}

// Router dispatches inbound signaling envelopes to the correct peer link and
// publishes outbound negotiation messages. Malformed or stale envelopes are
// logged and dropped; they never affect other links.
type Router struct {
	self  domain.UserID
	bus   core.SignalBus
	links LinkProvider
	// call reports the current call id, or false when no call is active.
	call    func() (domain.CallID, bool)
	limiter *SignalRateLimiter
}

func NewRouter(self domain.UserID, bus core.SignalBus, links LinkProvider, call func() (domain.CallID, bool)) *Router {
	return &Router{
		self:    self,
		bus:     bus,
		links:   links,
		call:    call,
		limiter: NewSignalRateLimiter(signalRateLimit, signalRateWindow),
	}
}

// A well-behaved peer produces a few dozen envelopes per negotiation; the
// window is generous enough for renegotiation bursts.
const (
	signalRateLimit  = 128
	signalRateWindow = 10 * time.Second
)

// HandleSignal processes one raw signaling envelope. The caller holds the
// engine lock.
func (rt *Router) HandleSignal(data []byte) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "app.router").Msg("malformed signaling envelope")
		return
	}

	callID, active := rt.call()
	if !active || msg.CallID != callID {
		log.Warn().Str("module", "app.router").
			Str("type", msg.Type).
			Str("call_id", string(msg.CallID)).
			Msg("signal for unknown call, dropped")
		return
	}
	// Group signaling topics broadcast to every member, including the
	// sender; skip our own echoes and envelopes addressed to someone else.
	if msg.SenderID == rt.self {
		return
	}
	if msg.RecipientID != "" && msg.RecipientID != rt.self {
		return
	}
	if !rt.limiter.Allow(msg.SenderID) {
		log.Warn().Str("module", "app.router").
			Str("sender", string(msg.SenderID)).
			Msg("signal rate limit exceeded, dropped")
		return
	}

	switch msg.Type {
	case SignalOffer:
		rt.handleOffer(msg)
	case SignalAnswer:
		rt.handleAnswer(msg)
	case SignalCandidate:
		rt.handleCandidate(msg)
	default:
		log.Warn().Str("module", "app.router").Str("type", msg.Type).Msg("unknown signal type")
	}
}

// handleOffer applies a remote offer, answers it, and drains any candidates
// buffered before the offer arrived. A second offer on an existing link is a
// renegotiation and reuses the link.
func (rt *Router) handleOffer(msg SignalMessage) {
	if msg.Offer == nil {
		log.Warn().Str("module", "app.router").Str("sender", string(msg.SenderID)).Msg("offer without payload")
		return
	}
	link, err := rt.links.EnsureLink(msg.SenderID, RoleAnswerer)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").
			Str("sender", string(msg.SenderID)).
			Msg("create link for offer")
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.Offer.SDP}
	answer, err := link.Transport.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").
			Str("sender", string(msg.SenderID)).
			Msg("apply offer")
		return
	}
	link.HaveRemote = true
	link.DrainPending()

	if err := rt.SendAnswer(msg.SenderID, answer); err != nil {
		log.Error().Err(err).Str("module", "app.router").
			Str("recipient", string(msg.SenderID)).
			Msg("send answer")
	}
}

// handleAnswer applies a remote answer to the offer we previously sent.
// An answer from a participant without a link means the remote already left;
// that is logged and dropped.
func (rt *Router) handleAnswer(msg SignalMessage) {
	if msg.Answer == nil {
		log.Warn().Str("module", "app.router").Str("sender", string(msg.SenderID)).Msg("answer without payload")
		return
	}
	link, ok := rt.links.LookupLink(msg.SenderID)
	if !ok {
		log.Warn().Str("module", "app.router").
			Str("sender", string(msg.SenderID)).
			Msg("answer from unknown participant, dropped")
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Answer.SDP}
	if err := link.Transport.ApplyAnswer(answer); err != nil {
		log.Error().Err(err).Str("module", "app.router").
			Str("sender", string(msg.SenderID)).
			Msg("apply answer")
		return
	}
	link.HaveRemote = true
	link.DrainPending()
}

// handleCandidate applies a remote candidate, buffering it when the link's
// remote description has not been applied yet. Candidates may legitimately
// arrive before the offer itself; that creates the link early, as answerer.
func (rt *Router) handleCandidate(msg SignalMessage) {
	if msg.Candidate == nil {
		log.Warn().Str("module", "app.router").Str("sender", string(msg.SenderID)).Msg("candidate without payload")
		return
	}
	link, err := rt.links.EnsureLink(msg.SenderID, RoleAnswerer)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").
			Str("sender", string(msg.SenderID)).
			Msg("create link for candidate")
		return
	}

	cand := webrtc.ICECandidateInit{
		Candidate:     msg.Candidate.Candidate,
		SDPMLineIndex: msg.Candidate.SDPMLineIndex,
	}
	if mid := msg.Candidate.SDPMid; mid != "" {
		cand.SDPMid = &mid
	}

	if !link.HaveRemote {
		link.Pending = append(link.Pending, cand)
		return
	}
	if err := link.Transport.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "app.router").
			Str("sender", string(msg.SenderID)).
			Msg("add ice candidate")
	}
}

// ForgetSender clears the rate-limit history of a departed participant.
func (rt *Router) ForgetSender(pid domain.UserID) {
	rt.limiter.Forget(pid)
}

func (rt *Router) SendOffer(pid domain.UserID, offer webrtc.SessionDescription) error {
	callID, _ := rt.call()
	return rt.bus.Publish(DestOffer, SignalMessage{
		Type:        SignalOffer,
		CallID:      callID,
		SenderID:    rt.self,
		RecipientID: pid,
		Offer:       &SDPPayload{SDP: offer.SDP, Type: offer.Type.String()},
	})
}

func (rt *Router) SendAnswer(pid domain.UserID, answer webrtc.SessionDescription) error {
	callID, _ := rt.call()
	return rt.bus.Publish(DestAnswer, SignalMessage{
		Type:        SignalAnswer,
		CallID:      callID,
		SenderID:    rt.self,
		RecipientID: pid,
		Answer:      &SDPPayload{SDP: answer.SDP, Type: answer.Type.String()},
	})
}

func (rt *Router) SendCandidate(pid domain.UserID, c webrtc.ICECandidateInit) error {
	callID, active := rt.call()
	if !active {
		// Candidate gathered while the session was torn down; discard.
		return nil
	}
	p := CandidatePayload{Candidate: c.Candidate, SDPMLineIndex: c.SDPMLineIndex}
	if c.SDPMid != nil {
		p.SDPMid = *c.SDPMid
	}
	return rt.bus.Publish(DestICECandidate, SignalMessage{
		Type:        SignalCandidate,
		CallID:      callID,
		SenderID:    rt.self,
		RecipientID: pid,
		Candidate:   &p,
	})
}
