package ble

import "time"

// Backoff produces reconnect delays of min(Base * 2^attempts, Max).
// Not safe for concurrent use; each Link owns one.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempts int
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := backoffDelay(b.attempts, b.Base, b.Max)
	b.attempts++
	return d
}

// Reset returns to Base after a successful connection.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }

// backoffDelay returns the reconnection delay for attempt n, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	// Past 2^30 the shift overflows long before reaching any sane cap.
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
