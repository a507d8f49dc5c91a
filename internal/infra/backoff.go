package infra

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// CalculateBackoff returns the reconnect delay for the given retry count:
// exponential from 500ms, capped at 30s, with up to 20% jitter.
func CalculateBackoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 10 {
		retry = 10
	}
	delay := backoffBase << uint(retry)
	if delay > backoffMax {
		delay = backoffMax
	}
	jitter := time.Duration(rand.Int64N(int64(delay) / 5))
	return delay + jitter
}
