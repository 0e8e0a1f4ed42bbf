//go:build linux

// Package tcpserver wires an Acceptor, an EventLoopThreadPool, and the
// connection map together into the reactor's single user-facing entry
// point: bind once, set callbacks, Start, and let the pool's loops run
// connections.
package tcpserver

import (
	"fmt"
	"sync"

	"github.com/reactorcore/tcpreactor/acceptor"
	"github.com/reactorcore/tcpreactor/loop"
	"github.com/reactorcore/tcpreactor/netaddr"
	"github.com/reactorcore/tcpreactor/rlog"
	"github.com/reactorcore/tcpreactor/rsocket"
	"github.com/reactorcore/tcpreactor/tcpconn"
)

// Option configures a TcpServer at construction time.
type Option func(*TcpServer)

// WithReusePort sets SO_REUSEPORT on the listening socket, letting multiple
// processes (or multiple TcpServers within one) share the same port.
func WithReusePort(on bool) Option {
	return func(s *TcpServer) { s.reusePort = on }
}

// WithLogger overrides the default stdlib-backed logger.
func WithLogger(l rlog.Logger) Option {
	return func(s *TcpServer) { s.log = l }
}

// TcpServer owns the listening Acceptor and the thread pool its accepted
// connections are distributed across. Its own EventLoop (the one the
// caller constructed and passes in) is the Acceptor's home and, with zero
// worker threads, every connection's home too.
type TcpServer struct {
	loop     *loop.EventLoop
	name     string
	acceptor *acceptor.Acceptor
	pool     *loop.EventLoopThreadPool

	log       rlog.Logger
	reusePort bool
	poolSize  int
	started   bool

	mu       sync.Mutex
	conns    map[string]*tcpconn.TcpConnection
	nextConn int

	ConnectionCb    tcpconn.ConnectionCallback
	MessageCb       tcpconn.MessageCallback
	WriteCompleteCb tcpconn.WriteCompleteCallback
}

// New constructs a TcpServer named name, bound to listenAddr, driven by l.
// l must not yet be running; Start enables the Acceptor on it.
func New(l *loop.EventLoop, listenAddr netaddr.Address, name string, opts ...Option) (*TcpServer, error) {
	s := &TcpServer{
		loop:  l,
		name:  name,
		log:   rlog.Default,
		conns: make(map[string]*tcpconn.TcpConnection),
	}
	for _, opt := range opts {
		opt(s)
	}

	a, err := acceptor.New(l, listenAddr, s.reusePort, s.log)
	if err != nil {
		return nil, fmt.Errorf("tcpserver: %w", err)
	}
	a.NewConnection = s.newConnection
	s.acceptor = a
	s.pool = loop.NewEventLoopThreadPool(l, name+"-io-")
	return s, nil
}

// SetThreadNum configures the size of the I/O thread pool; call before Start.
// 0 (the default) runs every connection on the server's own loop.
func (s *TcpServer) SetThreadNum(n int) {
	s.poolSize = n
}

// Loop returns the EventLoop the Acceptor itself runs on.
func (s *TcpServer) Loop() *loop.EventLoop { return s.loop }

// ConnectionCount returns the number of connections currently tracked,
// including ones mid-handshake between accept and ConnectEstablished.
func (s *TcpServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Start idempotently starts the I/O thread pool (if configured) and
// enqueues Listen on the main loop, so it may be called from any goroutine
// regardless of whether the loop is already running.
func (s *TcpServer) Start() error {
	if s.started {
		return nil
	}
	s.started = true
	s.pool.Start(s.poolSize, nil)
	s.loop.RunInLoop(func() {
		if err := s.acceptor.Listen(); err != nil {
			s.log.Errorf("tcpserver: %s listen: %v", s.name, err)
		}
	})
	return nil
}

func (s *TcpServer) newConnection(fd int, peer netaddr.Address) {
	s.loop.AssertInLoopThread()
	connLoop := s.pool.GetNextLoop()

	sock := rsocket.New(fd)
	local, err := sock.LocalAddr()
	if err != nil {
		s.log.Errorf("tcpserver: %s getsockname on accepted fd: %v", s.name, err)
		local = netaddr.Address{}
	}

	s.mu.Lock()
	s.nextConn++
	name := fmt.Sprintf("%s-%s#%d", s.name, peer, s.nextConn)
	s.mu.Unlock()

	c := tcpconn.New(connLoop, name, sock, local, peer, s.log)
	c.ConnectionCb = s.ConnectionCb
	c.MessageCb = s.MessageCb
	c.WriteCompleteCb = s.WriteCompleteCb
	c.CloseCb = s.removeConnection

	s.mu.Lock()
	s.conns[name] = c
	s.mu.Unlock()

	connLoop.RunInLoop(c.ConnectEstablished)
}

// removeConnection drops c from the map and defers ConnectDestroyed to the
// end of this loop iteration via QueueInLoop, not RunInLoop, so any
// callback still unwinding on c's stack (handleClose itself) finishes
// before the Channel is torn out of the Poller.
func (s *TcpServer) removeConnection(c *tcpconn.TcpConnection) {
	s.mu.Lock()
	delete(s.conns, c.Name())
	s.mu.Unlock()

	c.Loop().QueueInLoop(func() {
		s.removeConnectionInLoop(c)
	})
}

func (s *TcpServer) removeConnectionInLoop(c *tcpconn.TcpConnection) {
	c.Loop().AssertInLoopThread()
	c.ConnectDestroyed()
}
