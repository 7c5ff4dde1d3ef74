package validate

import (
	"sync"
	"time"
)

// Window is a sliding-window RateLimiter keyed by sender identity.
type Window struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	history map[string][]time.Time
	now     func() time.Time
}

// NewWindow allows max sends per sender within window. max <= 0 selects 10;
// window <= 0 selects 10s.
func NewWindow(max int, window time.Duration) *Window {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Window{
		max:     max,
		window:  window,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an attempt for senderID and reports whether it is within
// the window. A denied attempt is not recorded, so waiting out the hint is
// sufficient.
func (w *Window) Allow(senderID string) (retryAfter time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	recent := w.history[senderID][:0]
	for _, t := range w.history[senderID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= w.max {
		w.history[senderID] = recent
		return recent[0].Add(w.window).Sub(now), false
	}

	w.history[senderID] = append(recent, now)
	return 0, true
}
