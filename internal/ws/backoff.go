package ws

import "time"

// Backoff computes exponential reconnect delays: base << attempt, capped at
// Max. The attempt counter resets whenever a connection opens successfully.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	return d
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
