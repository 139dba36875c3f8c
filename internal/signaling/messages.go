package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

const (
	// Client -> relay.
	MessageTypeJoinRoom  MessageType = "join-room"
	MessageTypeSignal    MessageType = "signal"
	MessageTypeLeaveRoom MessageType = "leave-room"

	// Relay -> client.
	MessageTypeWelcome          MessageType = "welcome"
	MessageTypeRoomJoined       MessageType = "room-joined"
	MessageTypeUserConnected    MessageType = "user-connected"
	MessageTypeUserDisconnected MessageType = "user-disconnected"
	MessageTypeError            MessageType = "error"
)

// Error codes carried by error envelopes.
const (
	ErrCodeBadMessage    = "bad_message"
	ErrCodeNotInRoom     = "not_in_room"
	ErrCodeForbidden     = "forbidden"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternalError = "internal_error"
)

// ClientMessage is an inbound envelope. Exactly the fields for its type may
// be set; anything else is a protocol error.
type ClientMessage struct {
	Type MessageType `json:"type"`

	// join-room.
	Room     string `json:"room,omitempty"`
	Identity string `json:"identity,omitempty"`

	// signal. Target is the destination ConnectionID; Payload is opaque to
	// the relay.
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Peer is one room member as reported to clients.
type Peer struct {
	ConnectionID string `json:"connectionId"`
	Identity     string `json:"identity"`
}

// ServerMessage is an outbound envelope.
type ServerMessage struct {
	Type MessageType `json:"type"`

	// welcome, user-connected, user-disconnected.
	ConnectionID string `json:"connectionId,omitempty"`
	Identity     string `json:"identity,omitempty"`

	// room-joined.
	Room  string `json:"room,omitempty"`
	Peers []Peer `json:"peers,omitempty"`

	// signal.
	From             string          `json:"from,omitempty"`
	FromConnectionID string          `json:"fromConnectionId,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`

	// error.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseClientMessage strictly decodes one inbound envelope: unknown fields,
// trailing data, and fields that don't belong to the message type are all
// rejected.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return ClientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m ClientMessage) validate() error {
	switch m.Type {
	case MessageTypeJoinRoom:
		if m.Room == "" {
			return fmt.Errorf("join-room message missing room")
		}
		if m.Identity == "" {
			return fmt.Errorf("join-room message missing identity")
		}
		if m.Target != "" || len(m.Payload) != 0 {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case MessageTypeSignal:
		if m.Target == "" {
			return fmt.Errorf("signal message missing target")
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("signal message missing payload")
		}
		if m.Room != "" || m.Identity != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
	case MessageTypeLeaveRoom:
		if m.Room != "" || m.Identity != "" || m.Target != "" || len(m.Payload) != 0 {
			return fmt.Errorf("leave-room message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func errorMessage(code, message string) ServerMessage {
	return ServerMessage{
		Type:    MessageTypeError,
		Code:    code,
		Message: message,
	}
}
