// Package protocol defines the JSON frames exchanged on the push channel and
// on the signaling channel. Every frame is a JSON object discriminated by its
// "type" field; each variant carries only the fields its kind needs.
package protocol

import (
	"encoding/json"
	"errors"
)

// Frame discriminants.
const (
	TypeConnection        = "connection"
	TypePing              = "ping"
	TypeJoinRoom          = "join-room"
	TypeLeaveRoom         = "leave-room"
	TypeWebRTCSignal      = "webrtc-signal"
	TypeRoomJoined        = "room-joined"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeRoomLeft          = "room-left"
	TypeError             = "error"
)

// SignalType discriminates the payload of a webrtc-signal frame.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Error messages sent back to a signaling client.
const (
	MsgNotInRoom          = "Not in a video room"
	MsgUnsupportedMessage = "Unsupported message type"
	MsgInvalidMessage     = "Invalid message"
	MsgRoomFull           = "Room is full"
	MsgAtCapacity         = "Server at capacity"
)

var (
	// ErrMalformed is returned when a frame is not a JSON object with a type.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned for an unrecognized type or signalType.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalid is returned when a recognized frame lacks a required field.
	ErrInvalid = errors.New("invalid message")
)

// IsReserved reports whether an application broadcast type would collide with
// a frame type the push channel uses for its own bookkeeping.
func IsReserved(frameType string) bool {
	return frameType == TypeConnection || frameType == TypePing
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
