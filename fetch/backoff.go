package fetch

import (
	"math/rand/v2"
	"time"
)

// Backoff maps a 1-based attempt number to a wait before the next try.
type Backoff func(attempt int) time.Duration

// ExponentialBackoff doubles from base per attempt and caps at max. Jitter
// is drawn from the upper half of each window, so a burst of failed tasks
// spreads out while successive attempts still wait strictly longer (until
// the cap flattens the curve).
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				d = max
				break
			}
		}
		if d > max {
			d = max
		}
		half := d / 2
		if half <= 0 {
			return d
		}
		return half + time.Duration(rand.Int64N(int64(half))) + 1
	}
}
