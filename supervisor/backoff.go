package supervisor

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// DefaultBackoffMin is the first reconnect delay.
	DefaultBackoffMin = time.Second
	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 30 * time.Second
)

// newReconnectBackoff returns a deterministic doubling backoff from min to
// max that never gives up.
func newReconnectBackoff(min, max time.Duration) *backoff.ExponentialBackOff {
	if min <= 0 {
		min = DefaultBackoffMin
	}
	if max < min {
		max = min
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
