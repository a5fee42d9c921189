package stream

import (
	"time"

	"github.com/jpillora/backoff"
)

// breaker tracks consecutive connection failures and produces the retry
// delay for each one. Once failures exceed the retry budget it opens and
// stays open until reset explicitly.
type breaker struct {
	delays     *backoff.Backoff
	failures   int
	maxRetries int
	grace      time.Duration
	open       bool
}

func newBreaker(min, max time.Duration, maxRetries int, grace time.Duration) *breaker {
	return &breaker{
		delays: &backoff.Backoff{
			Min:    min,
			Max:    max,
			Factor: 2,
		},
		maxRetries: maxRetries,
		grace:      grace,
	}
}

// failure records one failed attempt. It returns the delay before the
// next attempt, or open=true once the retry budget is exhausted.
func (b *breaker) failure() (time.Duration, bool) {
	b.failures++
	if b.failures > b.maxRetries {
		b.open = true
		return 0, true
	}
	return b.delays.Duration(), false
}

// connected is called when a session drops after being up for elapsed.
// Connections that held beyond the grace period count as recoveries and
// clear the failure streak; it reports whether the streak was cleared.
func (b *breaker) connected(elapsed time.Duration) bool {
	if elapsed >= b.grace {
		b.reset()
		return true
	}
	return false
}

func (b *breaker) reset() {
	b.failures = 0
	b.open = false
	b.delays.Reset()
}

func (b *breaker) isOpen() bool { return b.open }
