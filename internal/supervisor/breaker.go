package supervisor

import "time"

// breaker limits worker restarts to max within window; once over the limit
// the supervisor sleeps backoff before trying again.
type breaker struct {
	max     int
	window  time.Duration
	backoff time.Duration

	restarts []time.Time
}

func newBreaker(max int, window, backoff time.Duration) *breaker {
	return &breaker{max: max, window: window, backoff: backoff}
}

// record notes one restart at the given time.
func (b *breaker) record(now time.Time) {
	b.restarts = append(b.restarts, now)
	b.prune(now)
}

// allow reports whether another restart fits inside the window.
func (b *breaker) allow(now time.Time) bool {
	b.prune(now)
	return len(b.restarts) <= b.max
}

// reset clears the restart history after a backoff sleep.
func (b *breaker) reset() {
	b.restarts = nil
}

func (b *breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.restarts[:0]
	for _, t := range b.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.restarts = kept
}
