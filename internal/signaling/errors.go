package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed     = errors.New("malformed message")
	ErrUnknownType   = errors.New("unknown message type")
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotMember     = errors.New("not a member of the room")
	ErrAlreadyInRoom = errors.New("already in a room")
	ErrJoinBlocked   = errors.New("join request was denied")
	ErrNotHost       = errors.New("only the host can do that")
	ErrStale         = errors.New("stale request")
)

// Kind classifies an Error by who gets told about it.
type Kind int

const (
	// KindProtocol errors are reported to the sender.
	KindProtocol Kind = iota
	// KindAdmission errors are reported to the sender.
	KindAdmission
	// KindRace errors come from requests that lost a race with another
	// change to the room. They are dropped.
	KindRace
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAdmission:
		return "admission"
	case KindRace:
		return "race"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func protocolError(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

func admissionError(op string, err error) *Error {
	return &Error{Kind: KindAdmission, Op: op, Err: err}
}

func raceError(op string, err error) *Error {
	return &Error{Kind: KindRace, Op: op, Err: err}
}

// Reported reports whether err should be sent back to the requester.
func Reported(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind != KindRace
	}
	return err != nil
}

// Code returns the machine-readable code sent in error payloads.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrAlreadyInRoom):
		return "already_in_room"
	case errors.Is(err, ErrJoinBlocked):
		return "join_blocked"
	case errors.Is(err, ErrNotHost):
		return "not_host"
	default:
		return "internal"
	}
}
