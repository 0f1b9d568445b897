package shared

import (
	"sync"
	"time"
)

// Watchdog is the single timer abstraction behind the auto-idle and
// auto-page-advance fallbacks. Arming replaces any pending expiry; a stale
// expiry firing after a re-arm or disarm is a no-op (generation check).
type Watchdog struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewWatchdog() *Watchdog {
	return &Watchdog{}
}

func (w *Watchdog) Arm(d time.Duration, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		live := w.gen == gen
		if live {
			w.timer = nil
		}
		w.mu.Unlock()
		if live {
			fn()
		}
	})
}

func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

// Armed reports whether an expiry is still pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}
