package session

import (
	"math/rand"
	"time"
)

// Backoff yields capped exponential delays for reconnect scheduling. Jitter
// spreads a fleet of sessions dropped by the same outage so they do not
// redial in lockstep. Not safe for concurrent use; each worker owns one.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
}

// Next returns the delay for the upcoming attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Base << uint(b.attempt)
	if d <= 0 || d > b.Cap {
		d = b.Cap
	}
	if b.attempt < 30 {
		b.attempt++
	}
	// +/-20% jitter
	return time.Duration(float64(d) * (1 + rand.Float64()*0.4 - 0.2))
}

// Reset returns the sequence to Base after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
