//go:build linux

// Package acceptor owns the listening socket and the Channel that watches
// it on the main EventLoop, handing off each accepted connection via a
// user-supplied callback.
package acceptor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/reactorcore/tcpreactor/channel"
	"github.com/reactorcore/tcpreactor/loop"
	"github.com/reactorcore/tcpreactor/netaddr"
	"github.com/reactorcore/tcpreactor/rlog"
	"github.com/reactorcore/tcpreactor/rsocket"
)

// listenBacklog matches the spec's fixed backlog of 1024.
const listenBacklog = 1024

// NewConnectionCallback is invoked with the accepted fd and the peer's
// address. If unset, Acceptor closes every accepted fd immediately.
type NewConnectionCallback func(fd int, peer netaddr.Address)

// Acceptor owns a non-blocking listening socket and drives it from the
// given EventLoop (conventionally the server's main loop).
type Acceptor struct {
	loop      *loop.EventLoop
	sock      *rsocket.Socket
	channel   *channel.Channel
	log       rlog.Logger
	listening bool

	NewConnection NewConnectionCallback
}

// New creates the listening socket, binds it to addr, and registers its
// Channel on loop. SO_REUSEADDR is always set; reusePort toggles SO_REUSEPORT.
func New(l *loop.EventLoop, addr netaddr.Address, reusePort bool, logger rlog.Logger) (*Acceptor, error) {
	if logger == nil {
		logger = rlog.Default
	}
	sock, err := rsocket.NewStream()
	if err != nil {
		return nil, err
	}
	if err := sock.SetReuseAddr(true); err != nil {
		sock.Close()
		return nil, err
	}
	if reusePort {
		if err := sock.SetReusePort(true); err != nil {
			sock.Close()
			return nil, err
		}
	}
	if err := sock.Bind(addr); err != nil {
		sock.Close()
		return nil, err
	}

	a := &Acceptor{loop: l, sock: sock, log: logger}
	a.channel = channel.New(l, sock.FD())
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// LocalAddr performs getsockname on the listening socket, useful when the
// caller bound to port 0 and needs to learn the kernel-assigned port.
func (a *Acceptor) LocalAddr() (netaddr.Address, error) {
	return a.sock.LocalAddr()
}

// Listen marks the socket listening and enables read interest on the main loop.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()
	a.listening = true
	if err := a.sock.Listen(listenBacklog); err != nil {
		return err
	}
	a.channel.EnableReading()
	return nil
}

func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoopThread()
	peerSock, peer, err := a.sock.Accept()
	if err == nil {
		if a.NewConnection != nil {
			a.NewConnection(peerSock.FD(), peer)
		} else {
			peerSock.Close()
		}
		return
	}
	switch err {
	case unix.EAGAIN:
		// No connection actually pending; the listening fd is
		// level-triggered so the next Wait will report it again if one arrives.
	case unix.EMFILE:
		// FD exhaustion is a likely real cause and is worth a distinct log
		// line; the caller must raise RLIMIT_NOFILE, this library does not
		// implement the fd-reserve trick.
		a.log.Errorf("acceptor: accept4 EMFILE, too many open files")
	default:
		a.log.Errorf("acceptor: accept4: %v", err)
	}
}
