package loop

import (
	"fmt"
	"sync/atomic"
)

// EventLoopThreadPool owns N EventLoopThreads and round-robins connection
// dispatch across their EventLoops. With N=0 it degenerates to running
// everything on the caller's own (base) loop.
type EventLoopThreadPool struct {
	name     string
	baseLoop *EventLoop

	threads []*EventLoopThread
	loops   []*EventLoop
	next    atomic.Uint64
}

// NewEventLoopThreadPool constructs a pool bound to baseLoop. Start must be
// called before GetNextLoop/GetAllLoops are meaningful.
func NewEventLoopThreadPool(baseLoop *EventLoop, name string) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, name: name}
}

// Start creates numThreads worker EventLoopThreads named "<name>0".."<name>N-1",
// invoking initCb with each new EventLoop (or, when numThreads is 0, once
// with baseLoop itself, so the server runs single-threaded on the caller's loop).
func (p *EventLoopThreadPool) Start(numThreads int, initCb func(*EventLoop)) {
	if numThreads <= 0 {
		if initCb != nil {
			initCb(p.baseLoop)
		}
		return
	}
	p.threads = make([]*EventLoopThread, numThreads)
	p.loops = make([]*EventLoop, numThreads)
	for i := 0; i < numThreads; i++ {
		name := fmt.Sprintf("%s%d", p.name, i)
		elt := NewEventLoopThread(name, initCb)
		p.threads[i] = elt
		p.loops[i] = elt.StartLoop()
	}
}

// GetNextLoop returns baseLoop when the pool has no worker threads,
// otherwise the next worker EventLoop in round-robin order.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	idx := p.next.Add(1) - 1
	return p.loops[idx%uint64(len(p.loops))]
}

// GetAllLoops returns every loop the pool dispatches to: [baseLoop] when
// there are no worker threads, otherwise the worker loops.
func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return p.loops
}

// Size returns the number of worker threads (0 means single-threaded on baseLoop).
func (p *EventLoopThreadPool) Size() int { return len(p.threads) }
