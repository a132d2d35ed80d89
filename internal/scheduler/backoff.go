package scheduler

import (
	"math/rand"
	"time"
)

// NextDelay computes the exponential retry delay for a given retry count:
// base doubled per prior retry, capped, then jittered by +/- jitterPct so
// synchronized failures do not come back as a thundering herd.
func NextDelay(retryCount int, base, max time.Duration, jitterPct float64) time.Duration {
	if base <= 0 {
		base = time.Minute
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if max > 0 && delay > max {
		delay = max
	}

	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(delay) * j)
}
