package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WebSocket message types from client.
const (
	MsgTypeRegister    = "register"
	MsgTypeChat        = "chat"
	MsgTypeObservation = "observation"
	MsgTypeReaction    = "reaction"
	MsgTypePing        = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeFrame      = "frame"
	MsgTypeState      = "state"
	MsgTypeTranscript = "transcript"
	MsgTypePong       = "pong"
	// MsgTypeChat is reused outbound for chat lines.
	// MsgTypeObservation and MsgTypeReaction are reused outbound for client activity.
)

// BaseMessage is the discriminator every inbound message carries.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

// RegisterMessage announces a client's identity.
type RegisterMessage struct {
	Type      string `json:"type"`
	ClawID    string `json:"clawId"`
	ClawName  string `json:"clawName"`
	SessionID string `json:"sessionId,omitempty"`
}

// ActionMessage is a chat, observation or reaction sent by a client.
type ActionMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ClawID   string `json:"clawId"`
	ClawName string `json:"clawName"`
}

// PingMessage is the application-level keep-alive.
type PingMessage struct {
	Type string `json:"type"`
}

// Inbound is the decoded form of a client message. Exactly one of the
// concrete message types implements it per decode.
type Inbound interface {
	MessageType() string
}

func (m *RegisterMessage) MessageType() string { return MsgTypeRegister }
func (m *ActionMessage) MessageType() string   { return m.Type }
func (m *PingMessage) MessageType() string     { return MsgTypePing }

// DecodeInbound parses one raw client frame. Every failure is reported as an
// error wrapping one of the sentinel errors; callers drop the message.
func DecodeInbound(raw []byte) (Inbound, error) {
	var base BaseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch base.Type {
	case MsgTypeRegister:
		var msg RegisterMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		msg.ClawID = strings.TrimSpace(msg.ClawID)
		msg.ClawName = strings.TrimSpace(msg.ClawName)
		if msg.ClawID == "" || msg.ClawName == "" {
			return nil, ErrMissingIdentity
		}
		return &msg, nil

	case MsgTypeChat, MsgTypeObservation, MsgTypeReaction:
		var msg ActionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, ErrMissingContent
		}
		msg.ClawID = strings.TrimSpace(msg.ClawID)
		msg.ClawName = strings.TrimSpace(msg.ClawName)
		return &msg, nil

	case MsgTypePing:
		return &PingMessage{Type: MsgTypePing}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}
}

// Server -> Client messages

// Envelope wraps every outbound message.
type Envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ClientEvent is a validated client action handed to collaborators.
type ClientEvent struct {
	Type      string
	ClawID    string
	ClawName  string
	Content   string
	Timestamp int64
}
