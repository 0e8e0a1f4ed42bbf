//go:build linux

// Package tcpconn implements the per-connection state machine: input and
// output Buffers, the four-state lifecycle, high-water-mark backpressure,
// and the send/shutdown protocol. Every TcpConnection is driven by exactly
// one EventLoop; user callbacks run on that loop's own goroutine.
package tcpconn

import (
	"sync/atomic"
	"time"

	"github.com/reactorcore/tcpreactor/buffer"
	"github.com/reactorcore/tcpreactor/channel"
	"github.com/reactorcore/tcpreactor/loop"
	"github.com/reactorcore/tcpreactor/netaddr"
	"github.com/reactorcore/tcpreactor/rlog"
	"github.com/reactorcore/tcpreactor/rsocket"
)

// State is the connection's position in Connecting -> Connected ->
// (Disconnecting?) -> Disconnected. No state is ever revisited.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DefaultHighWaterMark is the outstanding-output-bytes threshold above which
// HighWaterMarkCallback fires, matching the spec's 64 MiB default.
const DefaultHighWaterMark = 64 * 1024 * 1024

// ConnectionCallback is invoked on both establishment and teardown; the
// caller distinguishes via conn.IsConnected().
type ConnectionCallback func(c *TcpConnection)

// MessageCallback is invoked with input bytes already on the connection's
// input buffer; it retrieves what it can use and leaves the residue for the
// next invocation.
type MessageCallback func(c *TcpConnection, input *buffer.Buffer, receiveTime time.Time)

// WriteCompleteCallback fires once the output buffer fully drains.
type WriteCompleteCallback func(c *TcpConnection)

// HighWaterMarkCallback fires at most once per crossing of the threshold.
type HighWaterMarkCallback func(c *TcpConnection, outstandingBytes int)

// CloseCallback is invoked by handleClose after the connection callback.
// TcpServer installs its own removal bookkeeping in this slot, so a
// connection created by a TcpServer has no separate user close hook.
type CloseCallback func(c *TcpConnection)

// TcpConnection is shared by the server's connection map and, transiently,
// by in-flight callbacks; its Channel holds a weak tie back to it so a
// callback in flight during a concurrent close still observes a live
// connection.
type TcpConnection struct {
	loop *loop.EventLoop
	name string
	log  rlog.Logger

	sock    *rsocket.Socket
	channel *channel.Channel

	localAddr netaddr.Address
	peerAddr  netaddr.Address

	state     atomic.Int32
	destroyed atomic.Bool

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	highWaterMark int

	ConnectionCb    ConnectionCallback
	MessageCb       MessageCallback
	WriteCompleteCb WriteCompleteCallback
	HighWaterMarkCb HighWaterMarkCallback
	CloseCb         CloseCallback
}

// New constructs a TcpConnection in StateConnecting, owning sock and a
// Channel registered on l. The caller must still call ConnectEstablished on
// l's own goroutine before any I/O happens.
func New(l *loop.EventLoop, name string, sock *rsocket.Socket, localAddr, peerAddr netaddr.Address, logger rlog.Logger) *TcpConnection {
	if logger == nil {
		logger = rlog.Default
	}
	c := &TcpConnection{
		loop:          l,
		name:          name,
		log:           logger,
		sock:          sock,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   buffer.New(),
		outputBuffer:  buffer.New(),
		highWaterMark: DefaultHighWaterMark,
	}
	c.state.Store(int32(StateConnecting))
	c.channel = channel.New(l, sock.FD())
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	return c
}

// Name returns the connection's map key, "<server>-<ip:port>#<id>".
func (c *TcpConnection) Name() string { return c.name }

// Loop returns the EventLoop this connection is pinned to.
func (c *TcpConnection) Loop() *loop.EventLoop { return c.loop }

// LocalAddr returns the local endpoint.
func (c *TcpConnection) LocalAddr() netaddr.Address { return c.localAddr }

// PeerAddr returns the remote endpoint.
func (c *TcpConnection) PeerAddr() netaddr.Address { return c.peerAddr }

func (c *TcpConnection) currentState() State { return State(c.state.Load()) }

// IsConnected reports whether the connection is currently in StateConnected.
func (c *TcpConnection) IsConnected() bool { return c.currentState() == StateConnected }

// SetHighWaterMark overrides the default 64MiB outstanding-output threshold.
func (c *TcpConnection) SetHighWaterMark(n int) { c.highWaterMark = n }

// tie adapts TcpConnection to channel.Tie: Upgrade fails once the
// connection has been logically destroyed, even though the Go object itself
// remains reachable until every goroutine holding it lets go.
type tie struct{ c *TcpConnection }

func (t tie) Upgrade() (interface{}, bool) {
	if t.c.destroyed.Load() {
		return nil, false
	}
	return t.c, true
}

// ConnectEstablished transitions Connecting -> Connected, installs the tie,
// enables reading, and invokes the user connection callback. Must run on
// the connection's own loop.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if c.currentState() != StateConnecting {
		c.log.Errorf("tcpconn: %s ConnectEstablished from state %s", c.name, c.currentState())
		return
	}
	c.state.Store(int32(StateConnected))
	c.channel.SetTie(tie{c})
	c.channel.EnableReading()
	if c.ConnectionCb != nil {
		c.ConnectionCb(c)
	}
}

// ConnectDestroyed is the terminal call, invoked exactly once, that removes
// the Channel from its Poller. If the connection was still Connected it is
// first force-transitioned to Disconnected and the user connection callback
// fires once more so the caller can distinguish up/down via IsConnected().
func (c *TcpConnection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.currentState() == StateConnected {
		c.state.Store(int32(StateDisconnected))
		c.channel.DisableAll()
		if c.ConnectionCb != nil {
			c.ConnectionCb(c)
		}
	}
	c.channel.Remove()
	c.destroyed.Store(true)
}

func (c *TcpConnection) handleRead(ts time.Time) {
	c.loop.AssertInLoopThread()
	n, err := c.inputBuffer.ReadFD(c.sock.FD())
	switch {
	case n > 0:
		if c.MessageCb != nil {
			c.MessageCb(c, c.inputBuffer, ts)
		}
	case n == 0:
		c.handleClose()
	default:
		c.log.Errorf("tcpconn: %s read: %v", c.name, err)
		c.handleError()
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		c.log.Warnf("tcpconn: %s spurious write event in state %s", c.name, c.currentState())
		return
	}
	n, err := c.outputBuffer.WriteFD(c.sock.FD())
	if err != nil {
		c.log.Errorf("tcpconn: %s write: %v", c.name, err)
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.WriteCompleteCb != nil {
			c.loop.QueueInLoop(func() { c.WriteCompleteCb(c) })
		}
		if c.currentState() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose transitions to Disconnected, fires the user connection
// callback, then the injected close callback (which triggers the server's
// map removal and deferred ConnectDestroyed).
func (c *TcpConnection) handleClose() {
	c.loop.AssertInLoopThread()
	c.state.Store(int32(StateDisconnected))
	c.channel.DisableAll()

	if c.ConnectionCb != nil {
		c.ConnectionCb(c)
	}
	if c.CloseCb != nil {
		c.CloseCb(c)
	}
}

func (c *TcpConnection) handleError() {
	err := c.sock.SOError()
	c.log.Errorf("tcpconn: %s SO_ERROR: %v", c.name, err)
}

// Send copies data when called off the connection's loop thread, since the
// caller's storage need not outlive the hop; on the loop thread it writes
// directly without a copy.
func (c *TcpConnection) Send(data []byte) {
	if c.currentState() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	c.loop.QueueInLoop(func() { c.sendInLoop(owned) })
}

// SendString is a convenience wrapper around Send.
func (c *TcpConnection) SendString(s string) { c.Send([]byte(s)) }

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if c.currentState() == StateDisconnected {
		c.log.Warnf("tcpconn: %s send on disconnected connection, dropped", c.name)
		return
	}

	remaining := data
	faultError := false
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := c.sock.WriteDirect(remaining)
		switch {
		case err == nil:
			remaining = remaining[n:]
			if len(remaining) == 0 && c.WriteCompleteCb != nil {
				c.loop.QueueInLoop(func() { c.WriteCompleteCb(c) })
			}
		case isEWouldBlock(err):
			// Treat as zero written; fall through to buffering below.
		case isPeerGone(err):
			faultError = true
		default:
			c.log.Errorf("tcpconn: %s write: %v", c.name, err)
		}
	}

	if !faultError && len(remaining) > 0 {
		oldLen := c.outputBuffer.ReadableBytes()
		newLen := oldLen + len(remaining)
		if oldLen < c.highWaterMark && newLen >= c.highWaterMark && c.HighWaterMarkCb != nil {
			c.loop.QueueInLoop(func() { c.HighWaterMarkCb(c, newLen) })
		}
		c.outputBuffer.Append(remaining)
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown half-closes the write side once the output buffer drains,
// transitioning Connected -> Disconnecting immediately.
func (c *TcpConnection) Shutdown() {
	if c.currentState() != StateConnected {
		return
	}
	c.state.Store(int32(StateDisconnecting))
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		if err := c.sock.ShutdownWrite(); err != nil {
			c.log.Errorf("tcpconn: %s shutdown write: %v", c.name, err)
		}
	}
	// If the channel is still writing, handleWrite's drain path will call
	// shutdownInLoop again once the output buffer empties.
}

func isEWouldBlock(err error) bool {
	return err == rsocket.ErrWouldBlock
}

func isPeerGone(err error) bool {
	return err == rsocket.ErrPipe || err == rsocket.ErrConnReset
}
