package ratelimit

import (
	"math/rand/v2"
	"time"
)

// MinDelay is the shortest pause allowed between two items of a job
const MinDelay = 100 * time.Millisecond

// Source returns a uniformly distributed value in [0, n)
type Source func(n int64) int64

// Delay returns the pause before the next item for the given per-minute rate.
// The base interval is 60s/rate; jitter adds a uniform whole-millisecond offset in
// [-jitter/2, +jitter/2], rounded toward zero on both sides.
func Delay(ratePerMinute, jitterMs int) time.Duration {
	return DelayWith(ratePerMinute, jitterMs, rand.Int64N)
}

// DelayWith is Delay with an explicit random source
func DelayWith(ratePerMinute, jitterMs int, src Source) time.Duration {
	if ratePerMinute <= 0 {
		ratePerMinute = 1
	}

	ms := int64(60000 / ratePerMinute)
	if jitterMs > 0 && src != nil {
		half := int64(jitterMs) / 2
		ms += src(2*half+1) - half
	}

	d := time.Duration(ms) * time.Millisecond
	if d < MinDelay {
		d = MinDelay
	}
	return d
}
