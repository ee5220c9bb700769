package ipc

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MaxDatagram bounds the size of one message on a unix endpoint.
const MaxDatagram = 64 * 1024

const (
	sendWindow = time.Millisecond
	pollWindow = 100 * time.Millisecond
)

// UnixEndpoint is a Transport over an unconnected unix datagram socket.
//
// A full receive buffer at the destination shows up as a write timeout and
// is reported as backpressure. A missing socket file or a socket nobody
// reads from is reported as ErrUnreachable.
type UnixEndpoint struct {
	conn *net.UnixConn
	addr Address
	buf  []byte
}

var _ Transport = (*UnixEndpoint)(nil)

// ListenUnix binds a datagram socket at path, removing a stale socket file
// left behind by a previous process.
func ListenUnix(path string) (*UnixEndpoint, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale socket %s", path)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", path)
	}
	return &UnixEndpoint{
		conn: conn,
		addr: Address(path),
		buf:  make([]byte, MaxDatagram),
	}, nil
}

// Address implements Transport.
func (u *UnixEndpoint) Address() Address {
	return u.addr
}

// Send implements Sender.
func (u *UnixEndpoint) Send(to Address, payload []byte) (bool, error) {
	if len(payload) > MaxDatagram {
		return false, errors.Errorf("payload of %d bytes exceeds %d", len(payload), MaxDatagram)
	}
	if err := u.conn.SetWriteDeadline(time.Now().Add(sendWindow)); err != nil {
		return false, errors.Wrap(err, "set write deadline")
	}
	_, err := u.conn.WriteToUnix(payload, &net.UnixAddr{Name: string(to), Net: "unixgram"})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOBUFS):
		return false, nil
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ECONNREFUSED):
		return false, errors.Wrapf(ErrUnreachable, "send to %s", to)
	}
	return false, errors.Wrapf(err, "send to %s", to)
}

// Receive implements Transport. The socket is polled in short windows so a
// cancelled ctx is noticed without closing the socket.
func (u *UnixEndpoint) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, ok, err := u.read(pollWindow)
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
	}
}

// TryReceive implements Transport.
func (u *UnixEndpoint) TryReceive() ([]byte, bool, error) {
	return u.read(time.Microsecond)
}

func (u *UnixEndpoint) read(window time.Duration) ([]byte, bool, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return nil, false, errors.Wrap(err, "set read deadline")
	}
	n, _, err := u.conn.ReadFromUnix(u.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, false, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, false, ErrClosed
		}
		return nil, false, errors.Wrap(err, "receive")
	}
	payload := make([]byte, n)
	copy(payload, u.buf[:n])
	return payload, true, nil
}

// Close closes the socket and removes its file.
func (u *UnixEndpoint) Close() error {
	err := u.conn.Close()
	_ = os.Remove(string(u.addr))
	return err
}
