package protocol

import (
	"encoding/json"
	"fmt"
)

// Message defines the envelope for all C2S (client to server) and S2C
// (server to client) websocket messages.
//
// Payload is always a JSON document, whichever framing codec carries the
// envelope, so the relay can forward it between clients without re-encoding.
type Message struct {
	Type    string          `json:"type" msgpack:"type"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Client to server message types.
const (
	TypeCreateRoom       = "createRoom"
	TypeJoinRoom         = "joinRoom"
	TypeApproveJoin      = "approveJoin"
	TypeDenyJoin         = "denyJoin"
	TypeLeaveRoom        = "leaveRoom"
	TypeEndCall          = "endCall"
	TypeVideoStateChange = "videoStateChange"
	TypeSpeaking         = "speaking"
)

// Server to client message types.
const (
	TypeRoomCreated          = "roomCreated"
	TypeJoinPending          = "joinPending"
	TypeJoinRequest          = "joinRequest"
	TypeJoinApproved         = "joinApproved"
	TypeJoinDenied           = "joinDenied"
	TypeJoinRequestCancelled = "joinRequestCancelled"
	TypeRoomJoined           = "roomJoined"
	TypeUserJoined           = "userJoined"
	TypeUserLeft             = "userLeft"
	TypeParticipantsUpdated  = "participantsUpdated"
	TypeVideoStateChanged    = "videoStateChanged"
	TypeUserSpeaking         = "userSpeaking"
	TypeCallEnded            = "callEnded"
	TypeError                = "error"
)

// Types used in both directions. Negotiation messages keep their name when
// relayed; chat keeps its name when broadcast.
const (
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeCandidate   = "candidate"
	TypeChatMessage = "chatMessage"
)

// NewMessage creates a Message with the given type and payload.
func NewMessage(t string, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: t}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return &Message{Type: t, Payload: b}, nil
}

// MustMessage is NewMessage for payloads that are known to encode.
func MustMessage(t string, payload any) *Message {
	msg, err := NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// DecodePayload decodes the message payload into the provided struct.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}
