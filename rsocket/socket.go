//go:build linux

// Package rsocket owns the non-blocking IPv4 TCP file descriptor: creation,
// option toggles, bind/listen/accept4, and exactly-once close. It is the
// single owner of the fd it wraps and is not safe to copy.
package rsocket

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/reactorcore/tcpreactor/netaddr"
)

// Sentinel errors WriteDirect normalizes the raw errno to, so callers above
// this package never need to know about golang.org/x/sys/unix directly.
var (
	ErrWouldBlock = errors.New("rsocket: write would block")
	ErrPipe       = errors.New("rsocket: broken pipe")
	ErrConnReset  = errors.New("rsocket: connection reset by peer")
)

// Socket exclusively owns one file descriptor. Its zero value is not usable;
// construct one with NewStream or New.
type Socket struct {
	fd     int
	closed bool
}

// New wraps an already-open fd. Used by Accept to wrap the descriptor
// returned by accept4.
func New(fd int) *Socket { return &Socket{fd: fd} }

// NewStream creates a non-blocking, close-on-exec IPv4 TCP socket, matching
// the flags the reactor uses for every listening and connected fd.
func NewStream() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("rsocket: socket: %w", err)
	}
	return &Socket{fd: fd}, nil
}

// FD returns the underlying file descriptor. The returned value is only
// valid for as long as the Socket is not closed.
func (s *Socket) FD() int { return s.fd }

// Bind binds the socket to addr.
func (s *Socket) Bind(addr netaddr.Address) error {
	if err := unix.Bind(s.fd, addr.ToSockaddr()); err != nil {
		return fmt.Errorf("rsocket: bind %s: %w", addr, err)
	}
	return nil
}

// Listen marks the socket as listening with the given backlog.
func (s *Socket) Listen(backlog int) error {
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("rsocket: listen: %w", err)
	}
	return nil
}

// Accept accepts one pending connection with SOCK_NONBLOCK|SOCK_CLOEXEC set
// on the returned fd, returning the peer address alongside it.
func (s *Socket) Accept() (*Socket, netaddr.Address, error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, netaddr.Address{}, err
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(nfd)
		return nil, netaddr.Address{}, fmt.Errorf("rsocket: accept4 returned non-IPv4 peer address")
	}
	return New(nfd), netaddr.FromSockaddr(inet4), nil
}

// LocalAddr performs getsockname on the socket.
func (s *Socket) LocalAddr() (netaddr.Address, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netaddr.Address{}, fmt.Errorf("rsocket: getsockname: %w", err)
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netaddr.Address{}, fmt.Errorf("rsocket: getsockname returned non-IPv4 address")
	}
	return netaddr.FromSockaddr(inet4), nil
}

// WriteDirect performs a single non-blocking write(2) of data, normalizing
// EAGAIN/EPIPE/ECONNRESET to the package's sentinel errors so callers can
// branch on them without importing unix themselves.
func (s *Socket) WriteDirect(data []byte) (int, error) {
	n, err := unix.Write(s.fd, data)
	if err == nil {
		return n, nil
	}
	switch err {
	case unix.EAGAIN:
		return 0, ErrWouldBlock
	case unix.EPIPE:
		return 0, ErrPipe
	case unix.ECONNRESET:
		return 0, ErrConnReset
	default:
		return 0, fmt.Errorf("rsocket: write: %w", err)
	}
}

// SetReuseAddr toggles SO_REUSEADDR.
func (s *Socket) SetReuseAddr(on bool) error {
	return s.setOpt(unix.SOL_SOCKET, unix.SO_REUSEADDR, on)
}

// SetReusePort toggles SO_REUSEPORT.
func (s *Socket) SetReusePort(on bool) error {
	return s.setOpt(unix.SOL_SOCKET, unix.SO_REUSEPORT, on)
}

// SetTCPNoDelay toggles TCP_NODELAY.
func (s *Socket) SetTCPNoDelay(on bool) error {
	return s.setOpt(unix.IPPROTO_TCP, unix.TCP_NODELAY, on)
}

// SetKeepAlive toggles SO_KEEPALIVE.
func (s *Socket) SetKeepAlive(on bool) error {
	return s.setOpt(unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

func (s *Socket) setOpt(level, name int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(s.fd, level, name, v); err != nil {
		return fmt.Errorf("rsocket: setsockopt(%d,%d): %w", level, name, err)
	}
	return nil
}

// SOError reads and clears the socket's pending SO_ERROR, the diagnostic the
// reactor consults when a Channel reports the error bit.
func (s *Socket) SOError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("rsocket: getsockopt(SO_ERROR): %w", err)
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// ShutdownWrite half-closes the write side of the connection.
func (s *Socket) ShutdownWrite() error {
	if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
		return fmt.Errorf("rsocket: shutdown(WR): %w", err)
	}
	return nil
}

// Close closes the fd exactly once; subsequent calls are no-ops.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
