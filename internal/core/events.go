package core

import "github.com/opencrm/callkit/internal/domain"

// Events is the observer set the presentation layer registers with the
// engine. Every field is optional; the engine checks for nil before firing.
// Callbacks are invoked with the engine lock held, so they must not call
// back into the session synchronously.
type Events struct {
	// OnIncomingCall fires when a call invitation arrives while idle.
	OnIncomingCall func(call domain.Call)
	// OnRemoteTrack fires for each inbound media track of a participant.
	OnRemoteTrack func(pid domain.UserID, track RemoteTrack)
	// OnRemoteTrackRemoved fires when a participant's link goes away.
	OnRemoteTrackRemoved func(pid domain.UserID)
	// OnConnectionStateChange reports per-link transport state.
	OnConnectionStateChange func(pid domain.UserID, state LinkState)
	// OnStateChange reports session lifecycle transitions.
	OnStateChange func(state domain.CallState)
	// OnParticipantMedia reports a remote mute/camera/screen-share toggle.
	OnParticipantMedia func(pid domain.UserID, kind string, enabled bool)
	// OnCallEnded fires exactly once per call when the session tears down.
	OnCallEnded func()
	// OnCallError surfaces user-facing failures (rejection, link loss).
	OnCallError func(msg string)
}

func (e Events) IncomingCall(call domain.Call) {
	if e.OnIncomingCall != nil {
		e.OnIncomingCall(call)
	}
}

func (e Events) RemoteTrack(pid domain.UserID, track RemoteTrack) {
	if e.OnRemoteTrack != nil {
		e.OnRemoteTrack(pid, track)
	}
}

func (e Events) RemoteTrackRemoved(pid domain.UserID) {
	if e.OnRemoteTrackRemoved != nil {
		e.OnRemoteTrackRemoved(pid)
	}
}

func (e Events) ConnectionStateChange(pid domain.UserID, state LinkState) {
	if e.OnConnectionStateChange != nil {
		e.OnConnectionStateChange(pid, state)
	}
}

func (e Events) StateChange(state domain.CallState) {
	if e.OnStateChange != nil {
		e.OnStateChange(state)
	}
}

func (e Events) ParticipantMedia(pid domain.UserID, kind string, enabled bool) {
	if e.OnParticipantMedia != nil {
		e.OnParticipantMedia(pid, kind, enabled)
	}
}

func (e Events) CallEnded() {
	if e.OnCallEnded != nil {
		e.OnCallEnded()
	}
}

func (e Events) CallError(msg string) {
	if e.OnCallError != nil {
		e.OnCallError(msg)
	}
}
