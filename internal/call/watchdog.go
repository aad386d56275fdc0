package call

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Watchdog bounds the ringing phase. It fires onExpire once unless cancelled
// first; Cancel may be called any number of times.
type Watchdog struct {
	timer *clock.Timer
	once  sync.Once
}

func StartWatchdog(clk clock.Clock, timeout time.Duration, onExpire func()) *Watchdog {
	return &Watchdog{
		timer: clk.AfterFunc(timeout, onExpire),
	}
}

// Cancel reports whether it stopped the timer before it fired.
func (w *Watchdog) Cancel() bool {
	if w == nil {
		return false
	}

	stopped := false

	w.once.Do(func() {
		stopped = w.timer.Stop()
	})

	return stopped
}
