package queue

import "time"

// Throttle decides when accumulated progress is written to the store. The
// first call always flushes; after that a flush is due once interval has
// passed since the previous one.
type Throttle struct {
	interval time.Duration
	last     time.Time
	flushed  bool
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

func (t *Throttle) ShouldFlush(now time.Time) bool {
	return !t.flushed || now.Sub(t.last) >= t.interval
}

func (t *Throttle) MarkFlushed(now time.Time) {
	t.last = now
	t.flushed = true
}
