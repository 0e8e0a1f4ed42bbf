// Package poller wraps the readiness multiplexer behind a uniform interface
// so an EventLoop can wait for events, and update or remove a Channel's
// registration, without knowing which multiplexer implements it.
package poller

import (
	"os"
	"time"

	"github.com/reactorcore/tcpreactor/channel"
	"github.com/reactorcore/tcpreactor/rlog"
)

// Poller is the readiness multiplexer an EventLoop depends on. Every method
// is called only from the EventLoop's own thread.
type Poller interface {
	// Wait blocks for at most timeoutMs milliseconds and returns the
	// channels that became ready, stamped with the moment polling returned.
	Wait(timeoutMs int) (time.Time, []*channel.Channel, error)
	// UpdateChannel registers a new Channel or applies an interest-mask
	// change for one already registered.
	UpdateChannel(c *channel.Channel) error
	// RemoveChannel deregisters a Channel. Its interest mask must already be empty.
	RemoveChannel(c *channel.Channel) error
	// HasChannel reports whether c is the Channel currently registered at its fd.
	HasChannel(c *channel.Channel) bool
	// Close releases the multiplexer's own resources (e.g. the epoll fd).
	Close() error
}

// envUsePoll names the environment variable that would select a poll(2)
// backend if one were compiled in. This build only ships epoll, matching
// the spec's note that the poll backend is optional and may be elided; the
// variable is still consulted so a future poll implementation can be added
// without changing the selection call site.
const envUsePoll = "REACTOR_USE_POLL"

// New returns the platform's default Poller implementation. On Linux this
// is always the epoll backend; REACTOR_USE_POLL is observed but, absent a
// poll(2) implementation in this build, only produces a diagnostic.
func New(logger rlog.Logger) (Poller, error) {
	if logger == nil {
		logger = rlog.Default
	}
	if os.Getenv(envUsePoll) != "" {
		logger.Warnf("poller: %s is set but this build has no poll(2) backend; using epoll", envUsePoll)
	}
	return newEpollPoller(logger)
}
