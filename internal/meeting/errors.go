package meeting

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is reported through OnError when the relay connection
	// ends while the meeting is active.
	ErrChannelClosed = errors.New("signaling channel closed")

	ErrInvalidOptions = errors.New("invalid meeting options")
)

// Error describes a failure delivered to OnError.
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

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func newPeerError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}
