//go:build linux

// Package channel implements the registration of one file descriptor's
// readiness interest and the dispatch of readiness events to typed
// callbacks. A Channel is mutated only by its owning EventLoop's thread.
package channel

import (
	"time"

	"golang.org/x/sys/unix"
)

// Events is a bitmask of epoll-style readiness bits.
type Events uint32

const (
	EventNone  Events = 0
	EventRead  Events = unix.EPOLLIN | unix.EPOLLPRI
	EventWrite Events = unix.EPOLLOUT
)

// PollerState is the tri-state a Channel occupies in its Poller's bookkeeping.
type PollerState int

const (
	StateNew PollerState = iota
	StateAdded
	StateDeleted
)

// EventLoop is the minimal surface Channel needs from its owning loop, kept
// as an interface so this package has no import cycle with package loop.
type EventLoop interface {
	UpdateChannel(c *Channel)
	RemoveChannel(c *Channel)
	AssertInLoopThread()
}

// Tie is the weak back-reference a Channel uses to extend its logical
// owner's lifetime across one HandleEvent call. Upgrade returns a strong
// reference and a bool reporting whether the owner is still alive.
type Tie interface {
	Upgrade() (strong interface{}, ok bool)
}

// ReadCallback is invoked when the fd is readable, carrying the poll return
// timestamp so message callbacks downstream can reason about latency.
type ReadCallback func(ts time.Time)

// Channel owns the four readiness callbacks and interest mask for one fd.
// It does not own the fd itself.
type Channel struct {
	loop  EventLoop
	fd    int
	state PollerState

	interest Events
	revents  Events

	readCallback  ReadCallback
	writeCallback func()
	closeCallback func()
	errorCallback func()

	tie       Tie
	tied      bool
	eventHandling bool
}

// New registers a Channel for fd on loop. The Channel starts with an empty
// interest mask and must be enabled explicitly.
func New(loop EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, state: StateNew}
}

// FD returns the watched file descriptor.
func (c *Channel) FD() int { return c.fd }

// State returns the Channel's current PollerState.
func (c *Channel) State() PollerState { return c.state }

// SetState is called by the owning Poller to record registration progress.
func (c *Channel) SetState(s PollerState) { c.state = s }

// Interest returns the currently requested interest mask.
func (c *Channel) Interest() Events { return c.interest }

// SetRevents stores the most recent readiness mask; called by the Poller
// immediately before HandleEvent.
func (c *Channel) SetRevents(ev Events) { c.revents = ev }

// SetTie installs a weak back-reference used to keep a logical owner alive
// for the duration of callback dispatch.
func (c *Channel) SetTie(t Tie) {
	c.tie = t
	c.tied = true
}

// SetReadCallback installs the readiness-to-read handler.
func (c *Channel) SetReadCallback(cb ReadCallback) { c.readCallback = cb }

// SetWriteCallback installs the readiness-to-write handler.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback installs the hangup handler.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback installs the error handler.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// EnableReading adds EventRead to the interest mask and pushes the update to the Poller.
func (c *Channel) EnableReading() {
	c.interest |= EventRead
	c.update()
}

// DisableReading removes EventRead from the interest mask.
func (c *Channel) DisableReading() {
	c.interest &^= EventRead
	c.update()
}

// EnableWriting adds EventWrite to the interest mask.
func (c *Channel) EnableWriting() {
	c.interest |= EventWrite
	c.update()
}

// DisableWriting removes EventWrite from the interest mask.
func (c *Channel) DisableWriting() {
	c.interest &^= EventWrite
	c.update()
}

// DisableAll clears the interest mask entirely.
func (c *Channel) DisableAll() {
	c.interest = EventNone
	c.update()
}

// IsWriting reports whether EventWrite is currently requested.
func (c *Channel) IsWriting() bool { return c.interest&EventWrite != 0 }

// IsReading reports whether EventRead is currently requested.
func (c *Channel) IsReading() bool { return c.interest&EventRead != 0 }

// IsNoneEvent reports whether the interest mask is empty.
func (c *Channel) IsNoneEvent() bool { return c.interest == EventNone }

func (c *Channel) update() {
	c.loop.AssertInLoopThread()
	c.loop.UpdateChannel(c)
}

// Remove deregisters the Channel from its Poller. The interest mask must be
// empty first; callers disable all interest before removing.
func (c *Channel) Remove() {
	c.loop.AssertInLoopThread()
	c.loop.RemoveChannel(c)
}

// HandleEvent dispatches the current revents to the appropriate callbacks in
// close → error → read → write order. If a tie is installed and its Upgrade
// reports the owner is gone, the event is silently dropped.
func (c *Channel) HandleEvent(ts time.Time) {
	if c.tied {
		if _, ok := c.tie.Upgrade(); !ok {
			return
		}
	}
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	ev := uint32(c.revents)
	if ev&unix.EPOLLHUP != 0 && ev&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if ev&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if ev&uint32(EventRead) != 0 {
		if c.readCallback != nil {
			c.readCallback(ts)
		}
	}
	if ev&uint32(EventWrite) != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
