// Package transport wraps the bidirectional socket used by a chat session.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// EventSink receives the lifecycle signals of one connection.
// Implementations must not block for long; events arrive from the connection's goroutines.
type EventSink interface {
	OnOpen()
	OnMessage(frame string)
	OnClose()
	OnError(err error)
}

// Conn is a handle to exactly one underlying socket.
type Conn interface {
	// Send writes one text frame. It fails with ErrNotConnected unless the socket is open.
	Send(text string) error
	// Close is idempotent. OnClose fires at most once per handle.
	Close() error
}

// Dialer opens connections. Dial returns as soon as the attempt has started;
// the outcome is reported through sink.
type Dialer interface {
	Dial(ctx context.Context, target Target, sink EventSink) (Conn, error)
}

// ErrNotConnected is matched by every NotConnectedError.
var ErrNotConnected = errors.New("transport: not connected")

// ErrInvalidTarget is returned when a connection URL cannot be built.
var ErrInvalidTarget = errors.New("transport: invalid target")

// NotConnectedError reports a send attempted outside the open state.
type NotConnectedError struct {
	State string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("transport: not connected (state %s)", e.State)
}

func (e *NotConnectedError) Is(target error) bool {
	return target == ErrNotConnected
}
