package redis

import (
	"math/rand/v2"
	"time"
)

const jitter = 0.25 // ±25%

// constantBackoff retries at a fixed interval with random jitter so that
// waiters for one pipeline do not poll Redis in lockstep.
type constantBackoff struct {
	backoff time.Duration
}

func (b *constantBackoff) NextBackoff() time.Duration {
	factor := 1 + jitter*(2*(rand.Float64()-0.5))
	return time.Duration(float64(b.backoff) * factor)
}
