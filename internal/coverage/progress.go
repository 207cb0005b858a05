package coverage

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// ProgressUpdater receives progress of a long-running operation
type ProgressUpdater interface {
	UpdateProgress(stage string, percent float64, message string)
}

// Throttle forwards progress to an updater at most once per every reports
// and once per interval. Forced reports always pass.
type Throttle struct {
	updater  ProgressUpdater
	clock    quartz.Clock
	every    int
	interval time.Duration

	mu      sync.Mutex
	pending int
	last    time.Time
	sent    bool
}

// NewThrottle wraps updater. A nil updater discards every report.
func NewThrottle(updater ProgressUpdater, clock quartz.Clock, every int, interval time.Duration) *Throttle {
	if every <= 0 {
		every = 1
	}
	return &Throttle{updater: updater, clock: clock, every: every, interval: interval}
}

// Report forwards the progress when due and reports whether it did
func (t *Throttle) Report(stage string, percent float64, message string, force bool) bool {
	if t == nil || t.updater == nil {
		return false
	}

	t.mu.Lock()
	t.pending++
	now := t.clock.Now()
	if !force && t.sent && (t.pending < t.every || now.Sub(t.last) < t.interval) {
		t.mu.Unlock()
		return false
	}
	t.pending = 0
	t.last = now
	t.sent = true
	t.mu.Unlock()

	t.updater.UpdateProgress(stage, percent, message)
	return true
}
