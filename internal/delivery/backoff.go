package delivery

import (
	"math/rand"
	"time"
)

// retryDelay computes the wait before retry number attempt (1-based):
// exponential doubling from base, capped at max, with +/-30% jitter so
// recipients knocked back at the same moment do not retry in lockstep.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * jitter)
	if d > time.Duration(float64(max)*1.3) {
		d = max
	}
	return d
}
