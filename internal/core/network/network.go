package network

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Message is one inbound delivery: the channel it arrived on and its raw bytes.
type Message struct {
	Channel string
	Payload []byte
}

// Conn is a single transport connection to a pub/sub system.
//
// Every listener returned by Listen receives every message on every channel
// the connection is subscribed to. Subscribe is idempotent per connection.
type Conn interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Listen() (<-chan Message, func())
	Duplicate() (Conn, error)
	Close() error
}

// TransportError wraps a failure of the underlying pub/sub system.
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %q: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op, channel string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Channel: channel, Err: err}
}
