package protocol

import (
	"encoding/json"
	"time"
)

// Participant is a member of a room as seen by every other member.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	RoomID      string `json:"roomId"`
	IsHost      bool   `json:"isHost"`
}

type CreateRoomRequest struct {
	DisplayName string `json:"displayName"`
}

type RoomCreated struct {
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
}

type JoinRoomRequest struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

// JoinDecision is sent by the host for both approveJoin and denyJoin.
type JoinDecision struct {
	RoomID      string `json:"roomId"`
	RequesterID string `json:"requesterId"`
}

// RoomRef carries only a room id: joinPending, joinApproved, joinDenied,
// leaveRoom, endCall and callEnded.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// JoinRequest notifies the host of a pending join request.
type JoinRequest struct {
	RoomID      string `json:"roomId"`
	RequesterID string `json:"requesterId"`
	DisplayName string `json:"displayName"`
}

// RoomJoined is sent to a participant on admission.
type RoomJoined struct {
	RoomID      string        `json:"roomId"`
	Members     []Participant `json:"members"`
	IsHost      bool          `json:"isHost"`
	Participant Participant   `json:"participant"`
	Chat        []ChatMessage `json:"chat,omitempty"`
	Version     uint64        `json:"version"`
}

type UserJoined struct {
	Participant Participant `json:"participant"`
}

type UserLeft struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsHost      bool   `json:"isHost"`
}

// ParticipantsUpdated is a full roster snapshot. Version increases by one for
// every membership change of the room.
type ParticipantsUpdated struct {
	RoomID  string        `json:"roomId"`
	Members []Participant `json:"members"`
	Version uint64        `json:"version"`
}

// RelayRequest is the client side of offer, answer and candidate.
type RelayRequest struct {
	To      string          `json:"to"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

// Relayed is what the target of a RelayRequest receives.
type Relayed struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// SessionDescription is an SDP offer or answer. Session identifies the
// transport instance that produced it.
type SessionDescription struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
	Session string `json:"session,omitempty"`
}

// Candidate is a trickled ICE candidate. Session identifies the transport
// instance that gathered it.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
	Session          string  `json:"session,omitempty"`
}

type ChatRequest struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

type ChatMessage struct {
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	IsHost     bool      `json:"isHost"`
}

type VideoStateRequest struct {
	RoomID   string `json:"roomId"`
	VideoOff bool   `json:"videoOff"`
}

type VideoStateChanged struct {
	SenderID string `json:"senderId"`
	VideoOff bool   `json:"videoOff"`
}

type SpeakingRequest struct {
	RoomID   string `json:"roomId"`
	Speaking bool   `json:"speaking"`
}

type UserSpeaking struct {
	SenderID string `json:"senderId"`
	Speaking bool   `json:"speaking"`
}

// ErrorPayload represents error messages from the server.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
