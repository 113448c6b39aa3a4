package relay

import "time"

// SlidingWindow is a per-connection message rate limiter. It records the
// timestamp of each accepted message and rejects once the window holds
// limit entries. Owned by the connection's read loop, so no locking.
type SlidingWindow struct {
	limit  int
	window time.Duration
	times  []time.Time
}

// NewSlidingWindow creates a limiter allowing limit messages per window.
// A limit of 0 disables limiting.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		times:  make([]time.Time, 0, limit),
	}
}

// Allow records a message at now and reports whether it is within the
// window budget. Expired entries are pruned on each call.
func (w *SlidingWindow) Allow(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}

	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}
