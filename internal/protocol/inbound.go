package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound is implemented by every client-to-server signaling frame.
type Inbound interface {
	FrameType() string
}

// JoinRoom asks to join (or create) a room. An empty RoomID lets the server
// generate one.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

func (JoinRoom) FrameType() string { return TypeJoinRoom }

// LeaveRoom asks to leave a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

func (LeaveRoom) FrameType() string { return TypeLeaveRoom }

// Signal carries an opaque WebRTC negotiation payload. An empty
// TargetClientID addresses every other participant of the sender's room.
type Signal struct {
	SignalType     SignalType      `json:"signalType"`
	Signal         json.RawMessage `json:"signal"`
	TargetClientID string          `json:"targetClientId,omitempty"`
}

func (Signal) FrameType() string { return TypeWebRTCSignal }

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one signaling frame into its variant. The returned error wraps
// ErrMalformed, ErrUnknownType or ErrInvalid.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeJoinRoom:
		var msg JoinRoom
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return msg, nil
	case TypeLeaveRoom:
		var msg LeaveRoom
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.RoomID == "" {
			return nil, fmt.Errorf("%w: roomId is required", ErrInvalid)
		}
		return msg, nil
	case TypeWebRTCSignal:
		var msg Signal
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Validate checks the signalType discriminant and that the payload is a JSON
// object, or null for end-of-candidates. The payload itself is never
// interpreted and is relayed verbatim.
func (s Signal) Validate() error {
	switch s.SignalType {
	case "":
		return fmt.Errorf("%w: signalType is required", ErrInvalid)
	case SignalOffer, SignalAnswer, SignalICECandidate:
	default:
		return fmt.Errorf("%w: signalType %q", ErrUnknownType, s.SignalType)
	}

	payload := bytes.TrimSpace(s.Signal)
	switch {
	case len(payload) == 0:
		return fmt.Errorf("%w: %s: signal is required", ErrInvalid, s.SignalType)
	case bytes.Equal(payload, []byte("null")), payload[0] == '{':
		return nil
	default:
		return fmt.Errorf("%w: %s: signal must be an object", ErrInvalid, s.SignalType)
	}
}
