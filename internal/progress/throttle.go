package progress

import (
	"sync/atomic"
	"time"
)

// DefaultInterval is the minimum spacing of throttled progress updates.
const DefaultInterval = 250 * time.Millisecond

// Throttle limits how often progress callbacks fire.
type Throttle struct {
	interval time.Duration
	last     atomic.Int64
	now      func() time.Time
}

// NewThrottle allows at most one update per interval.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{interval: interval, now: time.Now}
}

// Allow reports whether an update may be emitted now.
func (t *Throttle) Allow() bool {
	now := t.now().UnixNano()
	prev := t.last.Load()
	if prev != 0 && now-prev < int64(t.interval) {
		return false
	}
	return t.last.CompareAndSwap(prev, now)
}
