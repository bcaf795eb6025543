package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/core"
	"github.com/opencrm/callkit/internal/domain"
)

// Session owns the lifecycle of at most one call at a time. A single mutex
// serializes every entry point: API calls, bus notifications, signaling, and
// transport callbacks all take it before touching state, so transitions are
// observed in a consistent order. Event callbacks fire with the lock held
// and must not call back into the session synchronously.
type Session struct {
	mu sync.Mutex

	self     *domain.User
	bus      core.SignalBus
	devices  core.MediaDevices
	newLink  core.LinkFactory
	mediaCtl *MediaController
	events   core.Events
	router   *Router
	links    *Registry

	ctx         context.Context
	state       domain.CallState
	call        *domain.Call
	media       *core.LocalMedia
	userCancels []func()
	roomCancels []func()
	endedFired  bool
}

func NewSession(self *domain.User, bus core.SignalBus, devices core.MediaDevices, newLink core.LinkFactory, events core.Events) *Session {
	s := &Session{
		self:     self,
		bus:      bus,
		devices:  devices,
		newLink:  newLink,
		mediaCtl: NewMediaController(devices, bus),
		events:   events,
		state:    domain.StateIdle,
	}
	s.links = NewRegistry(s.createLink)
	s.router = NewRouter(self.ID, bus, s, func() (domain.CallID, bool) {
		if s.call == nil {
			return "", false
		}
		return s.call.ID, true
	})
	return s
}

// Start subscribes the session to its per-user topics. The context bounds
// every transport link created afterwards.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx

	cancelCall, err := s.bus.Subscribe(UserCallTopic(s.self.ID), s.handleNotification)
	if err != nil {
		return fmt.Errorf("subscribe user call topic: %w", err)
	}
	cancelSignal, err := s.bus.Subscribe(UserSignalTopic(s.self.ID), s.handleSignal)
	if err != nil {
		cancelCall()
		return fmt.Errorf("subscribe user signal topic: %w", err)
	}
	s.userCancels = []func(){cancelCall, cancelSignal}
	log.Info().Str("module", "app.session").Str("user_id", string(s.self.ID)).Msg("session started")
	return nil
}

// Close ends any active call and drops the per-user subscriptions.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateIdle {
		s.endLocked(true)
	}
	for _, cancel := range s.userCancels {
		cancel()
	}
	s.userCancels = nil
}

// InitiateParams carries the caller-side parameters of a new call.
type InitiateParams struct {
	Type           domain.CallType
	Mode           domain.CallMode
	ConversationID domain.ConversationID
	RecipientID    domain.UserID
	RoomID         domain.RoomID
}

func (p InitiateParams) validate() error {
	switch p.Mode {
	case domain.ModeDirect:
		if p.ConversationID == "" || p.RecipientID == "" || p.RoomID != "" {
			return domain.ErrBadParams
		}
	case domain.ModeGroup:
		if p.RoomID == "" || p.RecipientID != "" {
			return domain.ErrBadParams
		}
	default:
		return domain.ErrBadParams
	}
	return nil
}

// Initiate starts an outbound call. Local media is acquired before anything
// goes out on the bus, so a device failure leaves no server-side trace. A
// DIRECT call waits in INITIATING until the callee joins; a GROUP call is
// active immediately.
func (s *Session) Initiate(ctx context.Context, p InitiateParams) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateIdle {
		return nil, domain.ErrCallInProgress
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	call := &domain.Call{
		ID:             domain.NewCallID(),
		Mode:           p.Mode,
		Type:           p.Type,
		Role:           domain.RoleInitiator,
		CallerID:       s.self.ID,
		CallerName:     s.self.Username,
		ConversationID: p.ConversationID,
		RoomID:         p.RoomID,
	}
	s.setState(domain.StateInitiating)

	media, err := s.devices.Acquire(ctx, call.Type)
	if err != nil {
		s.setState(domain.StateIdle)
		return nil, err
	}
	s.hookScreenEnded(media)

	req := InitiateRequest{
		CallID:         call.ID,
		CallType:       call.Type,
		CallMode:       call.Mode,
		ConversationID: call.ConversationID,
		ChatRoomID:     call.RoomID,
		RecipientID:    p.RecipientID,
	}
	if err := s.bus.Publish(DestInitiate, req); err != nil {
		s.devices.Release(media)
		s.setState(domain.StateIdle)
		return nil, fmt.Errorf("publish initiate: %w", err)
	}

	s.call = call
	s.media = media
	s.endedFired = false
	log.Info().Str("module", "app.session").
		Str("call_id", string(call.ID)).
		Str("mode", string(call.Mode)).
		Str("type", string(call.Type)).
		Msg("call initiated")

	if call.Mode == domain.ModeGroup {
		if err := s.subscribeRoom(call.RoomID); err != nil {
			// The call never started for the user, so this unwinds the
			// same way the earlier failure paths do: no ended event.
			s.devices.Release(media)
			s.media = nil
			s.call = nil
			s.setState(domain.StateIdle)
			return nil, err
		}
		s.setState(domain.StateActive)
	}
	return call, nil
}

// Accept answers a ringing call. Media acquisition happens first; on failure
// the session stays RINGING so the user can retry or reject.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateRinging || s.call == nil {
		return domain.ErrBadState
	}

	media, err := s.devices.Acquire(ctx, s.call.Type)
	if err != nil {
		return err
	}
	s.hookScreenEnded(media)
	if err := s.bus.Publish(DestJoin, JoinRequest{CallID: s.call.ID}); err != nil {
		s.devices.Release(media)
		return fmt.Errorf("publish join: %w", err)
	}

	s.media = media
	s.endedFired = false

	switch s.call.Mode {
	case domain.ModeDirect:
		// The caller offers once it sees the join; creating the link now
		// gives early candidates a place to buffer.
		if _, err := s.EnsureLink(s.call.CallerID, RoleAnswerer); err != nil {
			log.Error().Err(err).Str("module", "app.session").Msg("pre-create caller link")
		}
		s.setState(domain.StateConnecting)
	case domain.ModeGroup:
		if err := s.subscribeRoom(s.call.RoomID); err != nil {
			s.teardownLocked()
			return err
		}
		s.setState(domain.StateConnecting)
		s.setState(domain.StateActive)
	}
	log.Info().Str("module", "app.session").Str("call_id", string(s.call.ID)).Msg("call accepted")
	return nil
}

// Reject declines a ringing call. No media is ever acquired on this path
// and OnCallEnded does not fire.
func (s *Session) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateRinging || s.call == nil {
		return domain.ErrBadState
	}
	req := RejectRequest{CallID: s.call.ID, CallerID: s.call.CallerID}
	if err := s.bus.Publish(DestReject, req); err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("publish reject")
	}
	log.Info().Str("module", "app.session").Str("call_id", string(s.call.ID)).Msg("call rejected")
	s.call = nil
	s.setState(domain.StateIdle)
	return nil
}

// End leaves the current call and tears everything down: links closed,
// devices released, room subscriptions cancelled. Safe to call from any
// non-idle state.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateIdle {
		return domain.ErrNoCall
	}
	s.endLocked(true)
	return nil
}

// endLocked transitions through ENDING to IDLE. The leave request is best
// effort: local teardown proceeds regardless of bus errors.
func (s *Session) endLocked(publishLeave bool) {
	s.setState(domain.StateEnding)
	if publishLeave && s.call != nil {
		if err := s.bus.Publish(DestLeave, LeaveRequest{CallID: s.call.ID}); err != nil {
			log.Error().Err(err).Str("module", "app.session").Msg("publish leave")
		}
	}
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	s.links.CloseAll()
	if s.media != nil {
		s.devices.Release(s.media)
		s.media = nil
	}
	for _, cancel := range s.roomCancels {
		cancel()
	}
	s.roomCancels = nil
	if s.call != nil {
		log.Info().Str("module", "app.session").Str("call_id", string(s.call.ID)).Msg("call ended")
	}
	s.call = nil
	s.setState(domain.StateIdle)
	if !s.endedFired {
		s.endedFired = true
		s.events.CallEnded()
	}
}

func (s *Session) subscribeRoom(roomID domain.RoomID) error {
	cancelCall, err := s.bus.Subscribe(RoomCallTopic(roomID), s.handleNotification)
	if err != nil {
		return fmt.Errorf("subscribe room call topic: %w", err)
	}
	cancelSignal, err := s.bus.Subscribe(RoomSignalTopic(roomID), s.handleSignal)
	if err != nil {
		cancelCall()
		return fmt.Errorf("subscribe room signal topic: %w", err)
	}
	s.roomCancels = append(s.roomCancels, cancelCall, cancelSignal)
	return nil
}

func (s *Session) handleSignal(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.HandleSignal(data)
}

func (s *Session) handleNotification(data []byte) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("bad notification")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch n.Type {
	case NotifyIncomingCall, NotifyIncomingGroupCall:
		s.handleIncoming(n)
	case NotifyCallRejected:
		s.handleRejected(n)
	case NotifyUserJoined:
		s.handleUserJoined(n)
	case NotifyUserLeft:
		s.handleUserLeft(n)
	case NotifyMicToggled:
		s.handleParticipantMedia(n, "microphone")
	case NotifyCameraToggled:
		s.handleParticipantMedia(n, "camera")
	case NotifyScreenShareToggled:
		s.handleParticipantMedia(n, "screen_share")
	default:
		log.Warn().Str("module", "app.session").Str("type", n.Type).Msg("unknown notification, dropped")
	}
}

func (s *Session) handleIncoming(n Notification) {
	if s.state != domain.StateIdle {
		log.Warn().Str("module", "app.session").
			Str("call_id", string(n.CallID)).
			Str("state", s.state.String()).
			Msg("incoming call while busy, dropped")
		return
	}
	mode := domain.ModeDirect
	if n.Type == NotifyIncomingGroupCall {
		mode = domain.ModeGroup
	}
	if m, err := domain.ParseCallMode(n.CallMode); err == nil {
		mode = m
	}
	callType, err := domain.ParseCallType(n.CallType)
	if err != nil {
		log.Warn().Str("module", "app.session").
			Str("call_type", n.CallType).
			Msg("incoming call with unknown type, assuming audio")
		callType = domain.TypeAudio
	}
	s.call = &domain.Call{
		ID:         n.CallID,
		Mode:       mode,
		Type:       callType,
		Role:       domain.RoleReceiver,
		CallerID:   n.CallerID,
		CallerName: n.CallerName,
		RoomID:     n.ChatRoomID,
	}
	s.endedFired = false
	s.setState(domain.StateRinging)
	s.events.IncomingCall(*s.call)
}

func (s *Session) handleRejected(n Notification) {
	if s.call == nil || n.CallID != s.call.ID {
		return
	}
	if s.state != domain.StateInitiating && s.state != domain.StateConnecting {
		return
	}
	name := n.UserName
	if name == "" {
		name = string(n.UserID)
	}
	s.events.CallError(fmt.Sprintf("%s declined the call", name))
	// The callee never joined, so there is nothing to leave server-side.
	s.endLocked(false)
}

// handleUserJoined runs on both modes. The existing participant opens the
// link and offers; the joiner answers. A duplicate join for a participant
// that already has a link is ignored so an in-flight negotiation is never
// disturbed.
func (s *Session) handleUserJoined(n Notification) {
	if s.call == nil || n.CallID != s.call.ID {
		return
	}
	pid := n.UserID
	if pid == s.self.ID {
		return
	}
	if _, ok := s.links.Get(pid); ok {
		log.Warn().Str("module", "app.session").
			Str("participant", string(pid)).
			Msg("duplicate join, link already exists")
		return
	}

	if s.call.Mode == domain.ModeDirect && s.state == domain.StateInitiating {
		s.setState(domain.StateConnecting)
	}

	link, err := s.EnsureLink(pid, RoleOfferer)
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").
			Str("participant", string(pid)).
			Msg("create link for joined participant")
		return
	}
	offer, err := link.Transport.CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").
			Str("participant", string(pid)).
			Msg("create offer")
		return
	}
	if err := s.router.SendOffer(pid, offer); err != nil {
		log.Error().Err(err).Str("module", "app.session").
			Str("participant", string(pid)).
			Msg("send offer")
	}
}

func (s *Session) handleUserLeft(n Notification) {
	if s.call == nil || n.CallID != s.call.ID || n.UserID == s.self.ID {
		return
	}
	if s.links.Remove(n.UserID) {
		s.events.RemoteTrackRemoved(n.UserID)
	}
	s.router.ForgetSender(n.UserID)
	if s.call.Mode == domain.ModeDirect {
		// Peer already left; the leave request only confirms it.
		s.endLocked(true)
	}
}

func (s *Session) handleParticipantMedia(n Notification, kind string) {
	if s.call == nil || n.CallID != s.call.ID || n.UserID == s.self.ID {
		return
	}
	if _, ok := s.links.Get(n.UserID); !ok {
		log.Warn().Str("module", "app.session").
			Str("participant", string(n.UserID)).
			Str("kind", kind).
			Msg("media toggle from unknown participant, dropped")
		return
	}
	s.events.ParticipantMedia(n.UserID, kind, n.Enabled)
}

// EnsureLink implements LinkProvider. The engine lock is already held by
// every caller.
func (s *Session) EnsureLink(pid domain.UserID, role NegotiationRole) (*Link, error) {
	link, _, err := s.links.GetOrCreate(pid, role)
	return link, err
}

// LookupLink implements LinkProvider.
func (s *Session) LookupLink(pid domain.UserID) (*Link, bool) {
	return s.links.Get(pid)
}

// createLink is the registry's factory. It builds a transport, binds the
// current local tracks, wires the callbacks, and starts it. Runs with the
// engine lock held; transport callbacks arrive later on their own
// goroutines and re-take it.
func (s *Session) createLink(pid domain.UserID, role NegotiationRole) (*Link, error) {
	transport, err := s.newLink(s.ctx)
	if err != nil {
		return nil, err
	}
	link := &Link{
		Participant: pid,
		Transport:   transport,
		Role:        role,
		State:       core.LinkNew,
	}

	if s.media != nil {
		for _, track := range s.media.Tracks() {
			sender, err := transport.AddTrack(track)
			if err != nil {
				transport.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			if track.Kind() == core.KindVideo {
				link.VideoSender = sender
			}
		}
	}

	transport.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.router.SendCandidate(pid, c); err != nil {
			log.Error().Err(err).Str("module", "app.session").
				Str("participant", string(pid)).
				Msg("send candidate")
		}
	})
	transport.OnRemoteTrack(func(t core.RemoteTrack) {
		s.events.RemoteTrack(pid, t)
	})
	transport.OnStateChange(func(st core.LinkState) {
		s.handleLinkState(pid, st)
	})
	transport.OnNegotiationNeeded(func() {
		s.handleNegotiationNeeded(pid)
	})

	if err := transport.Start(s.ctx); err != nil {
		transport.Close()
		return nil, err
	}
	return link, nil
}

func (s *Session) handleLinkState(pid domain.UserID, st core.LinkState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateIdle || s.state == domain.StateEnding {
		return
	}
	link, ok := s.links.Get(pid)
	if !ok {
		return
	}
	link.State = st
	s.events.ConnectionStateChange(pid, st)

	switch {
	case st == core.LinkConnected:
		if s.call != nil && s.call.Mode == domain.ModeDirect && s.state == domain.StateConnecting {
			s.setState(domain.StateActive)
		}
	case st.Terminal():
		s.links.Remove(pid)
		s.events.RemoteTrackRemoved(pid)
		if s.call != nil && s.call.Mode == domain.ModeDirect {
			s.endLocked(true)
		}
	}
}

// handleNegotiationNeeded re-offers on an established link, e.g. after a
// track set change. The initial offer is sent explicitly on join, so this
// only acts once a remote description has been applied, and only on the
// side that owns the offerer role for this link. The session role does not
// matter: a receiver that was already in a group call owns offerer links to
// later joiners.
func (s *Session) handleNegotiationNeeded(pid domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil {
		return
	}
	link, ok := s.links.Get(pid)
	if !ok || link.Role != RoleOfferer || !link.HaveRemote {
		return
	}
	offer, err := link.Transport.CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").
			Str("participant", string(pid)).
			Msg("renegotiation offer")
		return
	}
	if err := s.router.SendOffer(pid, offer); err != nil {
		log.Error().Err(err).Str("module", "app.session").
			Str("participant", string(pid)).
			Msg("send renegotiation offer")
	}
}

// ToggleMicrophone flips the local audio track on the active call.
func (s *Session) ToggleMicrophone() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.media == nil {
		return false, domain.ErrNoCall
	}
	return s.mediaCtl.ToggleMicrophone(s.call, s.media)
}

// ToggleCamera flips the local camera track on the active call.
func (s *Session) ToggleCamera() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.media == nil {
		return false, domain.ErrNoCall
	}
	return s.mediaCtl.ToggleCamera(s.call, s.media)
}

// StartScreenShare swaps the outbound video source to a screen capture on
// every link. When the capture ends on its own, the camera is restored.
func (s *Session) StartScreenShare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.media == nil {
		return domain.ErrNoCall
	}
	return s.mediaCtl.StartScreenShare(ctx, s.call, s.media, s.links, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.call == nil || s.media == nil || !s.media.SharingScreen {
			return
		}
		if err := s.mediaCtl.StopScreenShare(s.call, s.media, s.links); err != nil {
			log.Error().Err(err).Str("module", "app.session").Msg("stop ended screen share")
		}
	})
}

// hookScreenEnded arms the external-stop hook on a screen track acquired as
// part of the initial capture, so a call started as SCREEN_SHARE reacts to
// the OS dismissing the capture the same way a mid-call share does.
func (s *Session) hookScreenEnded(m *core.LocalMedia) {
	if m.Screen == nil {
		return
	}
	m.Screen.OnEnded(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.call == nil || s.media == nil || !s.media.SharingScreen {
			return
		}
		if err := s.mediaCtl.StopScreenShare(s.call, s.media, s.links); err != nil {
			log.Error().Err(err).Str("module", "app.session").Msg("stop ended screen share")
		}
	})
}

// StopScreenShare restores the camera as the outbound video source.
func (s *Session) StopScreenShare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.media == nil {
		return domain.ErrNoCall
	}
	return s.mediaCtl.StopScreenShare(s.call, s.media, s.links)
}

func (s *Session) setState(st domain.CallState) {
	if st == s.state {
		return
	}
	old := s.state
	s.state = st
	log.Debug().Str("module", "app.session").
		Str("from", old.String()).
		Str("to", st.String()).
		Msg("state transition")
	s.events.StateChange(st)
}

// State returns the current call state.
func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentCall returns a copy of the active call, or nil when idle.
func (s *Session) CurrentCall() *domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return nil
	}
	c := *s.call
	return &c
}

// Participants lists the user ids with a registered link.
func (s *Session) Participants() []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links.Participants()
}

func (s *Session) MicrophoneEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media != nil && s.media.Audio != nil && s.media.Audio.Enabled()
}

func (s *Session) CameraEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media != nil && s.media.Camera != nil && s.media.Camera.Enabled()
}

func (s *Session) ScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media != nil && s.media.SharingScreen
}
