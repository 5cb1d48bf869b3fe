package transport

import "time"

// Backoff is the retry state of one connection attempt sequence. The delay
// starts at Initial and doubles after every retry, capped at Max when Max is
// positive. It holds no timers; the caller decides how to wait.
//
// A Backoff is not safe for concurrent use.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay. Zero means uncapped.
	Max time.Duration

	// Retries is the total retry budget.
	Retries int

	attempt int
	next    time.Duration
}

// NewBackoff returns a Backoff with a fresh budget.
func NewBackoff(initial, max time.Duration, retries int) *Backoff {
	return &Backoff{Initial: initial, Max: max, Retries: retries, next: initial}
}

// Next consumes one retry and returns the delay to wait before it. The second
// result is false once the budget is spent; the delay is then zero and the
// state does not change.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.Retries {
		return 0, false
	}
	if b.next <= 0 {
		b.next = b.Initial
	}
	d := b.next
	b.attempt++
	b.next *= 2
	if b.Max > 0 && b.next > b.Max {
		b.next = b.Max
	}
	return d, true
}

// Attempt returns how many retries have been consumed.
func (b *Backoff) Attempt() int { return b.attempt }

// Remaining returns how many retries are left in the budget.
func (b *Backoff) Remaining() int { return max(b.Retries-b.attempt, 0) }

// Reset restores the full budget and the initial delay.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.next = b.Initial
}
