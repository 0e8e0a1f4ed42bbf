package loop

import "runtime"

// goroutineID returns the current goroutine's id as printed by
// runtime.Stack. Go has no public API for this; the reactor needs it only
// to enforce that a Channel or Poller is never touched off its owning
// EventLoop's goroutine, matching the spec's per-thread ownership invariant.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
