package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid negotiation transition")
	ErrStalled           = errors.New("negotiation stalled")
	ErrTransportFailed   = errors.New("transport failed")
	ErrNoTransport       = errors.New("no transport")
	ErrClosed            = errors.New("negotiation closed")
)

// Error records the operation and remote peer a negotiation failure belongs
// to.
type Error struct {
	Op   string
	Peer string
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}
