//go:build linux

package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/reactorcore/tcpreactor/channel"
	"github.com/reactorcore/tcpreactor/rlog"
)

const initialEventCap = 16

// epollPoller is the Linux readiness multiplexer: an epoll fd plus the
// FD→Channel registry the spec requires every Added channel to appear in.
type epollPoller struct {
	epfd     int
	channels map[int]*channel.Channel
	events   []unix.EpollEvent
	log      rlog.Logger
}

func newEpollPoller(logger rlog.Logger) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &epollPoller{
		epfd:     epfd,
		channels: make(map[int]*channel.Channel),
		events:   make([]unix.EpollEvent, initialEventCap),
		log:      logger,
	}, nil
}

func (p *epollPoller) Wait(timeoutMs int) (time.Time, []*channel.Channel, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil, nil
		}
		p.log.Errorf("poller: epoll_wait: %v", err)
		return now, nil, nil
	}
	ready := make([]*channel.Channel, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		c, ok := p.channels[fd]
		if !ok {
			continue
		}
		c.SetRevents(channel.Events(p.events[i].Events))
		ready = append(ready, c)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, ready, nil
}

func (p *epollPoller) UpdateChannel(c *channel.Channel) error {
	fd := c.FD()
	switch c.State() {
	case channel.StateNew, channel.StateDeleted:
		isNew := c.State() == channel.StateNew
		if isNew {
			p.channels[fd] = c
		}
		c.SetState(channel.StateAdded)
		return p.ctl(unix.EPOLL_CTL_ADD, c)
	default:
		if c.IsNoneEvent() {
			c.SetState(channel.StateDeleted)
			return p.ctl(unix.EPOLL_CTL_DEL, c)
		}
		return p.ctl(unix.EPOLL_CTL_MOD, c)
	}
}

func (p *epollPoller) RemoveChannel(c *channel.Channel) error {
	fd := c.FD()
	delete(p.channels, fd)
	if c.State() == channel.StateAdded {
		if err := p.ctl(unix.EPOLL_CTL_DEL, c); err != nil {
			return err
		}
	}
	c.SetState(channel.StateNew)
	return nil
}

func (p *epollPoller) HasChannel(c *channel.Channel) bool {
	existing, ok := p.channels[c.FD()]
	return ok && existing == c
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) ctl(op int, c *channel.Channel) error {
	ev := unix.EpollEvent{Events: uint32(c.Interest()), Fd: int32(c.FD())}
	if err := unix.EpollCtl(p.epfd, op, c.FD(), &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl(op=%d, fd=%d): %w", op, c.FD(), err)
	}
	return nil
}
