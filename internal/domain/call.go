package domain

import (
	"errors"

	"github.com/google/uuid"
)

type (
	CallID         string
	ConversationID string
	RoomID         string
)

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

// CallMode distinguishes two-party calls from room calls with a dynamic
// participant set.
type CallMode string

const (
	ModeDirect CallMode = "DIRECT"
	ModeGroup  CallMode = "GROUP"
)

type CallType string

const (
	TypeAudio       CallType = "AUDIO"
	TypeVideo       CallType = "VIDEO"
	TypeScreenShare CallType = "SCREEN_SHARE"
)

// CallRole records which side of the call this client is on. The role decides
// who produces the first offer for a link.
type CallRole string

const (
	RoleInitiator CallRole = "INITIATOR"
	RoleReceiver  CallRole = "RECEIVER"
)

var ErrUnknownValue = errors.New("unknown enum value")

func ParseCallMode(s string) (CallMode, error) {
	switch CallMode(s) {
	case ModeDirect, ModeGroup:
		return CallMode(s), nil
	}
	return "", ErrUnknownValue
}

func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case TypeAudio, TypeVideo, TypeScreenShare:
		return CallType(s), nil
	}
	return "", ErrUnknownValue
}

// CallState is the lifecycle state of the (single) call session.
type CallState int

const (
	StateIdle CallState = iota
	StateInitiating
	StateRinging
	StateConnecting
	StateActive
	StateEnding
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitiating:
		return "INITIATING"
	case StateRinging:
		return "RINGING"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateEnding:
		return "ENDING"
	}
	return "UNKNOWN"
}

// Call is the metadata of one call session. It carries no transport state;
// peer links live in the registry.
type Call struct {
	ID             CallID
	Mode           CallMode
	Type           CallType
	Role           CallRole
	CallerID       UserID
	CallerName     string
	ConversationID ConversationID
	RoomID         RoomID
}
