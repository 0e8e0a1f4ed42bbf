//go:build linux

package channel

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeLoop struct {
	updates int
	removed bool
}

func (f *fakeLoop) UpdateChannel(c *Channel)  { f.updates++ }
func (f *fakeLoop) RemoveChannel(c *Channel)  { f.removed = true }
func (f *fakeLoop) AssertInLoopThread()       {}

func TestEnableDisableInterest(t *testing.T) {
	fl := &fakeLoop{}
	c := New(fl, 3)
	if !c.IsNoneEvent() {
		t.Fatal("expected empty interest on construction")
	}
	c.EnableReading()
	if !c.IsReading() {
		t.Fatal("expected reading enabled")
	}
	c.EnableWriting()
	if !c.IsWriting() {
		t.Fatal("expected writing enabled")
	}
	c.DisableAll()
	if !c.IsNoneEvent() {
		t.Fatal("expected empty interest after DisableAll")
	}
	if fl.updates != 3 {
		t.Fatalf("updates = %d, want 3", fl.updates)
	}
}

func TestHandleEventDispatchOrder(t *testing.T) {
	fl := &fakeLoop{}
	c := New(fl, 3)
	var order []string
	c.SetCloseCallback(func() { order = append(order, "close") })
	c.SetErrorCallback(func() { order = append(order, "error") })
	c.SetReadCallback(func(time.Time) { order = append(order, "read") })
	c.SetWriteCallback(func() { order = append(order, "write") })

	c.SetRevents(Events(unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLIN | unix.EPOLLOUT))
	c.HandleEvent(time.Now())

	want := []string{"error", "read", "write"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want close suppressed by read bit: %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestHandleEventCloseWhenReadBitClear(t *testing.T) {
	fl := &fakeLoop{}
	c := New(fl, 3)
	closed := false
	c.SetCloseCallback(func() { closed = true })
	c.SetRevents(Events(unix.EPOLLHUP))
	c.HandleEvent(time.Now())
	if !closed {
		t.Fatal("expected close callback on hangup with no pending read")
	}
}

type fakeTie struct{ alive bool }

func (t *fakeTie) Upgrade() (interface{}, bool) {
	if t.alive {
		return t, true
	}
	return nil, false
}

func TestHandleEventDroppedWhenTieDead(t *testing.T) {
	fl := &fakeLoop{}
	c := New(fl, 3)
	called := false
	c.SetReadCallback(func(time.Time) { called = true })
	c.SetTie(&fakeTie{alive: false})
	c.SetRevents(EventRead)
	c.HandleEvent(time.Now())
	if called {
		t.Fatal("expected event to be dropped when tie owner is gone")
	}
}
