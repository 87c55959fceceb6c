package connection

import (
	"math/rand"
	"time"
)

// backoffDelay returns the reconnect delay for the given attempt:
// min(cap, base * 2^attempt), with ±jitterFrac of random jitter so a
// fleet of clients does not reconnect in lockstep. It is a pure
// function of its inputs; rng supplies the jitter source and may be
// nil (or jitterFrac zero) for a deterministic schedule.
func backoffDelay(attempt int, base, ceiling time.Duration, jitterFrac float64, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			d = ceiling
			break
		}
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}

	if jitterFrac > 0 && rng != nil {
		// Scale by a factor in [1-jitterFrac, 1+jitterFrac].
		d = time.Duration(float64(d) * (1 + jitterFrac*(2*rng.Float64()-1)))
	}

	if d < 0 {
		d = 0
	}
	return d
}
