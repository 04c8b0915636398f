package relay

import (
	"sync"
	"time"
)

// cancellableTimer wraps time.AfterFunc so that cancellation is observable
// before the next scheduling tick (Design Notes §9: "Timers"). stop() is
// idempotent and safe to call after the timer has already fired.
type cancellableTimer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func newCancellableTimer(d time.Duration, f func()) *cancellableTimer {
	ct := &cancellableTimer{}
	ct.t = time.AfterFunc(d, func() {
		ct.mu.Lock()
		stopped := ct.stopped
		ct.mu.Unlock()
		if !stopped {
			f()
		}
	})
	return ct
}

func (ct *cancellableTimer) stop() {
	ct.mu.Lock()
	ct.stopped = true
	ct.mu.Unlock()
	ct.t.Stop()
}
