package pubsub

import (
	"math/rand"
	"time"

	"github.com/canstream/canstream/server/internal/config"
)

// backoff implements truncated exponential backoff with ±25% jitter.
// Multiplier 1 gives a fixed interval.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	current    time.Duration
}

func newBackoff(p config.RetryConfig) *backoff {
	if p.Initial <= 0 {
		p.Initial = config.DefaultRetryInitial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return &backoff{initial: p.Initial, max: p.Max, multiplier: p.Multiplier, current: p.Initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * b.multiplier)
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}
