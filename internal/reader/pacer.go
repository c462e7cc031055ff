package reader

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultPollInitial = time.Millisecond
	defaultPollMax     = 25 * time.Millisecond
)

// newPacer returns the sleep schedule between empty polls: initial, doubling
// up to maxInterval, never giving up. The caller resets it whenever data arrives.
func newPacer(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.MaxInterval = maxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
