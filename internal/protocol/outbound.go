package protocol

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Connection is the first frame on both channels and hands the client its id.
type Connection struct {
	Type       string             `json:"type"`
	ClientID   string             `json:"clientId"`
	Timestamp  time.Time          `json:"timestamp"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

func NewConnection(clientID string, at time.Time, iceServers []webrtc.ICEServer) Connection {
	return Connection{Type: TypeConnection, ClientID: clientID, Timestamp: at, ICEServers: iceServers}
}

// Ping is the push-channel heartbeat frame.
type Ping struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewPing(at time.Time) Ping {
	return Ping{Type: TypePing, Timestamp: at}
}

// Broadcast is an administrative message fanned out to every push channel.
// Type is chosen by the administrator.
type Broadcast struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

type RoomJoined struct {
	Type             string   `json:"type"`
	RoomID           string   `json:"roomId"`
	ParticipantCount int      `json:"participantCount"`
	IsHost           bool     `json:"isHost"`
	Participants     []string `json:"participants"`
}

func NewRoomJoined(roomID string, count int, isHost bool, others []string) RoomJoined {
	if others == nil {
		others = []string{}
	}
	return RoomJoined{
		Type:             TypeRoomJoined,
		RoomID:           roomID,
		ParticipantCount: count,
		IsHost:           isHost,
		Participants:     others,
	}
}

// Participant is sent to the rest of a room when its membership changes.
type Participant struct {
	Type             string `json:"type"`
	ClientID         string `json:"clientId"`
	RoomID           string `json:"roomId"`
	ParticipantCount int    `json:"participantCount"`
}

func NewParticipantJoined(clientID, roomID string, count int) Participant {
	return Participant{Type: TypeParticipantJoined, ClientID: clientID, RoomID: roomID, ParticipantCount: count}
}

func NewParticipantLeft(clientID, roomID string, count int) Participant {
	return Participant{Type: TypeParticipantLeft, ClientID: clientID, RoomID: roomID, ParticipantCount: count}
}

type RoomLeft struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func NewRoomLeft(roomID string) RoomLeft {
	return RoomLeft{Type: TypeRoomLeft, RoomID: roomID}
}

// RelayedSignal is a webrtc-signal frame as delivered to its recipient.
type RelayedSignal struct {
	Type         string          `json:"type"`
	FromClientID string          `json:"fromClientId"`
	SignalType   SignalType      `json:"signalType"`
	Signal       json.RawMessage `json:"signal"`
}

func NewRelayedSignal(from string, sig Signal) RelayedSignal {
	return RelayedSignal{
		Type:         TypeWebRTCSignal,
		FromClientID: from,
		SignalType:   sig.SignalType,
		Signal:       sig.Signal,
	}
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}
