//go:build linux

// Package loop implements the per-goroutine reactor: a Poller, a cross-
// goroutine wakeup fd, and a mutex-guarded task queue. One EventLoop owns
// exactly one goroutine's worth of state; every Channel and Poller mutation
// happens only on that goroutine.
package loop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/reactorcore/tcpreactor/channel"
	"github.com/reactorcore/tcpreactor/poller"
	"github.com/reactorcore/tcpreactor/rlog"
)

// kPollTimeMs is the maximum time a single Wait call may block before the
// loop re-checks its quit flag and drains pending tasks.
const kPollTimeMs = 10000

// Task is a unit of work run on an EventLoop's own goroutine.
type Task func()

var (
	loopRegistryMu sync.Mutex
	loopRegistry   = map[uint64]*EventLoop{}
)

// EventLoop is the reactor core. Construct one per worker goroutine with
// New, then call Run on that same goroutine.
type EventLoop struct {
	log rlog.Logger

	creatorGID uint64
	looping    atomic.Bool
	quit       atomic.Bool
	callingPendingTasks atomic.Bool

	p poller.Poller

	wakeupFD      int
	wakeupChannel *channel.Channel

	taskMu  sync.Mutex
	pending *queue.Queue

	lastPollReturn time.Time

	activeChannels []*channel.Channel
}

// New constructs an EventLoop bound to the calling goroutine. Constructing a
// second EventLoop on the same goroutine before the first is Closed is a
// programmer error and panics, mirroring the spec's "fatal construction
// error" treatment of a duplicate per-thread singleton.
func New(logger rlog.Logger) (*EventLoop, error) {
	if logger == nil {
		logger = rlog.Default
	}
	gid := goroutineID()

	loopRegistryMu.Lock()
	if _, exists := loopRegistry[gid]; exists {
		loopRegistryMu.Unlock()
		panic(fmt.Sprintf("loop: EventLoop already exists in goroutine %d", gid))
	}

	p, err := poller.New(logger)
	if err != nil {
		loopRegistryMu.Unlock()
		return nil, fmt.Errorf("loop: %w", err)
	}
	wfd, err := newWakeupFD()
	if err != nil {
		p.Close()
		loopRegistryMu.Unlock()
		return nil, fmt.Errorf("loop: %w", err)
	}

	el := &EventLoop{
		log:        logger,
		creatorGID: gid,
		p:          p,
		wakeupFD:   wfd,
		pending:    queue.New(),
	}
	el.wakeupChannel = channel.New(el, wfd)
	el.wakeupChannel.SetReadCallback(el.handleWakeupRead)
	el.wakeupChannel.EnableReading()

	loopRegistry[gid] = el
	loopRegistryMu.Unlock()
	return el, nil
}

// IsInLoopThread reports whether the caller is running on this EventLoop's own goroutine.
func (el *EventLoop) IsInLoopThread() bool { return goroutineID() == el.creatorGID }

// AssertInLoopThread panics if the caller is not on the loop's own
// goroutine; it is the precondition every Poller/Channel mutation enforces.
func (el *EventLoop) AssertInLoopThread() {
	if !el.IsInLoopThread() {
		panic(fmt.Sprintf("loop: called from goroutine %d, owned by goroutine %d", goroutineID(), el.creatorGID))
	}
}

// UpdateChannel delegates to the Poller; callers must be on the loop thread.
func (el *EventLoop) UpdateChannel(c *channel.Channel) {
	el.AssertInLoopThread()
	if err := el.p.UpdateChannel(c); err != nil {
		el.log.Errorf("loop: UpdateChannel: %v", err)
	}
}

// RemoveChannel delegates to the Poller; callers must be on the loop thread.
func (el *EventLoop) RemoveChannel(c *channel.Channel) {
	el.AssertInLoopThread()
	if err := el.p.RemoveChannel(c); err != nil {
		el.log.Errorf("loop: RemoveChannel: %v", err)
	}
}

// HasChannel reports whether c is currently registered with this loop's Poller.
func (el *EventLoop) HasChannel(c *channel.Channel) bool {
	el.AssertInLoopThread()
	return el.p.HasChannel(c)
}

// Run executes the reactor loop until Quit is observed. It must be called
// from the goroutine that constructed this EventLoop.
func (el *EventLoop) Run() {
	el.AssertInLoopThread()
	el.looping.Store(true)
	el.quit.Store(false)
	el.log.Debugf("loop: starting on goroutine %d", el.creatorGID)

	for !el.quit.Load() {
		ts, ready, err := el.p.Wait(kPollTimeMs)
		if err != nil {
			el.log.Errorf("loop: poller wait: %v", err)
			continue
		}
		el.lastPollReturn = ts
		el.activeChannels = ready
		for _, c := range el.activeChannels {
			c.HandleEvent(el.lastPollReturn)
		}
		el.activeChannels = nil
		el.doPendingTasks()
	}

	el.looping.Store(false)
	el.log.Debugf("loop: stopped on goroutine %d", el.creatorGID)
}

// Quit requests the loop to stop. It is safe to call from any goroutine; if
// called off the loop thread it forces a wakeup so the loop unblocks
// promptly instead of waiting out the remainder of kPollTimeMs.
func (el *EventLoop) Quit() {
	el.quit.Store(true)
	if !el.IsInLoopThread() {
		el.Wakeup()
	}
}

// RunInLoop executes task immediately if called from the loop thread,
// otherwise defers it via QueueInLoop.
func (el *EventLoop) RunInLoop(task Task) {
	if el.IsInLoopThread() {
		task()
		return
	}
	el.QueueInLoop(task)
}

// QueueInLoop appends task to the pending queue under the task mutex, then
// forces a wakeup if the caller is off-thread or if the loop is currently
// draining pending tasks. The second condition matters: a task enqueued
// from inside another task must force one more wakeup, or the loop could
// block in poller.Wait for up to kPollTimeMs before servicing it.
func (el *EventLoop) QueueInLoop(task Task) {
	el.taskMu.Lock()
	el.pending.Add(task)
	el.taskMu.Unlock()

	if !el.IsInLoopThread() || el.callingPendingTasks.Load() {
		el.Wakeup()
	}
}

// doPendingTasks swaps the pending queue out under the mutex, then runs
// every task without holding it, so producers are never blocked behind
// task execution.
func (el *EventLoop) doPendingTasks() {
	el.callingPendingTasks.Store(true)
	defer el.callingPendingTasks.Store(false)

	el.taskMu.Lock()
	local := el.pending
	el.pending = queue.New()
	el.taskMu.Unlock()

	for local.Length() > 0 {
		task := local.Remove().(Task)
		task()
	}
}

// Wakeup writes one counter value to the wakeup fd so a blocked Wait call returns promptly.
func (el *EventLoop) Wakeup() {
	if err := wakeupWrite(el.wakeupFD); err != nil {
		el.log.Warnf("loop: wakeup write: %v", err)
	}
}

func (el *EventLoop) handleWakeupRead(time.Time) {
	if err := wakeupDrain(el.wakeupFD); err != nil {
		el.log.Warnf("loop: wakeup read: %v", err)
	}
}

// Close releases the Poller and wakeup fd and removes this EventLoop from
// the per-goroutine registry. Call it only after Run has returned.
func (el *EventLoop) Close() error {
	loopRegistryMu.Lock()
	delete(loopRegistry, el.creatorGID)
	loopRegistryMu.Unlock()

	if err := wakeupClose(el.wakeupFD); err != nil {
		el.log.Warnf("loop: wakeup close: %v", err)
	}
	return el.p.Close()
}
