// Package ipc provides the transport handle the coordinator and resource
// proxies exchange messages through.
//
// A Transport is passed explicitly to every component that sends or
// receives. Two implementations exist: Hub endpoints (in-memory mailboxes,
// used by tests and by in-process proxies) and UnixEndpoint (unix datagram
// sockets, used between processes).
package ipc

import (
	"context"
	"errors"
)

// Address names a mailbox. For Hub endpoints it is an arbitrary string, for
// unix endpoints it is a socket path.
type Address string

// ErrUnreachable is returned by Send when the destination does not exist.
var ErrUnreachable = errors.New("destination unreachable")

// ErrClosed is returned by operations on a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

// Sender is the send half of a Transport.
type Sender interface {
	// Send attempts a non-blocking send. It returns false with a nil error
	// when the destination is full and the caller should retry later.
	// ErrUnreachable means the destination is gone.
	Send(to Address, payload []byte) (bool, error)
}

// Transport sends to other addresses and receives on its own address.
type Transport interface {
	Sender

	// Address returns the endpoint's own address.
	Address() Address

	// Receive blocks until a payload arrives or ctx is done.
	Receive(ctx context.Context) ([]byte, error)

	// TryReceive returns the next payload without blocking.
	TryReceive() ([]byte, bool, error)

	// Close releases the endpoint.
	Close() error
}

// SendBlocking retries Send until it succeeds, fails or ctx is done.
// It is meant for proxies and admin clients, never for the coordinator loop.
func SendBlocking(ctx context.Context, s Sender, to Address, payload []byte) error {
	for {
		ok, err := s.Send(to, payload)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := pause(ctx); err != nil {
			return err
		}
	}
}

// Process is a handle to a peer process: its pid and the address it
// receives on.
type Process struct {
	PID     int     `msgpack:"pid" json:"pid"`
	Address Address `msgpack:"address" json:"address"`
}

// IsZero reports whether p is the zero handle.
func (p Process) IsZero() bool {
	return p.PID == 0 && p.Address == ""
}
