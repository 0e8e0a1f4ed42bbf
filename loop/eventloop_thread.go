package loop

import (
	"sync"

	"github.com/reactorcore/tcpreactor/rlog"
)

// EventLoopThread owns one Thread whose function constructs an EventLoop,
// hands it to an optional init callback, publishes the pointer, and then
// calls Run. StartLoop blocks until that EventLoop exists.
type EventLoopThread struct {
	thread *Thread
	initCb func(*EventLoop)

	mu   sync.Mutex
	cond *sync.Cond
	el   *EventLoop
}

// NewEventLoopThread constructs an EventLoopThread with the given name and
// optional init callback, invoked with the EventLoop pointer before it
// starts looping.
func NewEventLoopThread(name string, initCb func(*EventLoop)) *EventLoopThread {
	elt := &EventLoopThread{initCb: initCb}
	elt.cond = sync.NewCond(&elt.mu)
	elt.thread = NewThread(name, elt.threadFunc)
	return elt
}

// StartLoop starts the underlying Thread and blocks until its EventLoop has
// been constructed and published, returning a pointer to it.
func (elt *EventLoopThread) StartLoop() *EventLoop {
	elt.thread.Start()

	elt.mu.Lock()
	for elt.el == nil {
		elt.cond.Wait()
	}
	loop := elt.el
	elt.mu.Unlock()
	return loop
}

// Name returns the underlying Thread's name.
func (elt *EventLoopThread) Name() string { return elt.thread.Name() }

func (elt *EventLoopThread) threadFunc() {
	el, err := New(rlog.Default)
	if err != nil {
		rlog.Default.Fatalf("loop: EventLoopThread %s: %v", elt.thread.Name(), err)
		return
	}

	if elt.initCb != nil {
		elt.initCb(el)
	}

	elt.mu.Lock()
	elt.el = el
	elt.cond.Signal()
	elt.mu.Unlock()

	el.Run()

	elt.mu.Lock()
	elt.el = nil
	elt.mu.Unlock()
	el.Close()
}
