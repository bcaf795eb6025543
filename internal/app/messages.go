package app

import (
	"github.com/opencrm/callkit/internal/domain"
)

// Outbound control/signaling destinations. The bus adapter maps these to its
// transport's routing scheme.
const (
	DestInitiate          = "call.initiate"
	DestJoin              = "call.join"
	DestReject            = "call.reject"
	DestLeave             = "call.leave"
	DestOffer             = "call.offer"
	DestAnswer            = "call.answer"
	DestICECandidate      = "call.ice-candidate"
	DestToggleMicrophone  = "call.toggleMicrophone"
	DestToggleCamera      = "call.toggleCamera"
	DestToggleScreenShare = "call.toggleScreenShare"
)

// Personal and room topics this client consumes.
func UserCallTopic(uid domain.UserID) string   { return "user." + string(uid) + ".call" }
func UserSignalTopic(uid domain.UserID) string { return "user." + string(uid) + ".call.signal" }
func RoomCallTopic(rid domain.RoomID) string   { return "room." + string(rid) + ".call" }
func RoomSignalTopic(rid domain.RoomID) string { return "room." + string(rid) + ".call.signal" }

// Signaling message kinds.
const (
	SignalOffer     = "OFFER"
	SignalAnswer    = "ANSWER"
	SignalCandidate = "ICE_CANDIDATE"
)

// Notification kinds.
const (
	NotifyIncomingCall       = "INCOMING_CALL"
	NotifyIncomingGroupCall  = "INCOMING_GROUP_CALL"
	NotifyUserJoined         = "USER_JOINED"
	NotifyUserLeft           = "USER_LEFT"
	NotifyCallRejected       = "CALL_REJECTED"
	NotifyMicToggled         = "MIC_TOGGLED"
	NotifyCameraToggled      = "CAMERA_TOGGLED"
	NotifyScreenShareToggled = "SCREEN_SHARE_TOGGLED"
)

type SDPPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// CandidatePayload carries a trickled candidate. Mid and m-line index are
// optional on the wire; an absent field stays absent instead of turning
// into a zero value.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalMessage is the tagged envelope for OFFER / ANSWER / ICE_CANDIDATE.
// RecipientID is empty for group broadcast.
type SignalMessage struct {
	Type        string            `json:"type"`
	CallID      domain.CallID     `json:"callId"`
	SenderID    domain.UserID     `json:"senderId"`
	RecipientID domain.UserID     `json:"recipientId,omitempty"`
	Offer       *SDPPayload       `json:"offer,omitempty"`
	Answer      *SDPPayload       `json:"answer,omitempty"`
	Candidate   *CandidatePayload `json:"candidate,omitempty"`
}

// Notification is the control-plane message shape for call lifecycle and
// remote media-toggle events.
type Notification struct {
	Type       string        `json:"type"`
	CallID     domain.CallID `json:"callId,omitempty"`
	CallerID   domain.UserID `json:"callerId,omitempty"`
	CallerName string        `json:"callerName,omitempty"`
	CallType   string        `json:"callType,omitempty"`
	CallMode   string        `json:"callMode,omitempty"`
	ChatRoomID domain.RoomID `json:"chatRoomId,omitempty"`
	UserID     domain.UserID `json:"userId,omitempty"`
	UserName   string        `json:"userName,omitempty"`
	Enabled    bool          `json:"enabled,omitempty"`
}

// Outbound control payloads.

type InitiateRequest struct {
	CallID         domain.CallID         `json:"callId"`
	CallType       domain.CallType       `json:"callType"`
	CallMode       domain.CallMode       `json:"callMode"`
	ConversationID domain.ConversationID `json:"conversationId,omitempty"`
	ChatRoomID     domain.RoomID         `json:"chatRoomId,omitempty"`
	RecipientID    domain.UserID         `json:"recipientId,omitempty"`
}

type JoinRequest struct {
	CallID domain.CallID `json:"callId"`
}

type RejectRequest struct {
	CallID   domain.CallID `json:"callId"`
	CallerID domain.UserID `json:"callerId"`
}

type LeaveRequest struct {
	CallID domain.CallID `json:"callId"`
}

type ToggleRequest struct {
	CallID  domain.CallID `json:"callId"`
	Enabled bool          `json:"enabled"`
}
