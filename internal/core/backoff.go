package core

import "time"

// Backoff implements the engine's reconnect delay schedule: starts at
// 500ms, doubles on each consecutive failure, caps at 30s, and resets to
// the initial delay after a successful round-trip.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a Backoff with the engine's fixed schedule.
func NewBackoff() *Backoff {
	b := &Backoff{initial: 500 * time.Millisecond, max: 30 * time.Second}
	b.Reset()
	return b
}

// Next returns the next delay to wait and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the schedule to its initial delay, called after a
// successful round-trip ends a backoff sequence.
func (b *Backoff) Reset() {
	b.current = b.initial
}
