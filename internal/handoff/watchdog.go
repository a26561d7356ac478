// internal/handoff/watchdog.go
package handoff

import (
	"sync"
	"time"
)

// HostWatchdog emulates the watchdog with a timer.
type HostWatchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	fired   chan struct{}
	once    sync.Once
}

func NewHostWatchdog() *HostWatchdog {
	return &HostWatchdog{fired: make(chan struct{})}
}

// Start arms the watchdog. Later calls are ignored, as on hardware.
func (w *HostWatchdog) Start(timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		return
	}
	w.timeout = timeout
	w.timer = time.AfterFunc(timeout, func() {
		w.once.Do(func() { close(w.fired) })
	})
}

func (w *HostWatchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		return
	}
	select {
	case <-w.fired:
		// too late
	default:
		w.timer.Reset(w.timeout)
	}
}

func (w *HostWatchdog) Expired() <-chan struct{} { return w.fired }

// Running reports whether Start has been called.
func (w *HostWatchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Release stops the timer. Only the simulated reboot calls it; it stands
// for the reset clearing the peripheral.
func (w *HostWatchdog) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
