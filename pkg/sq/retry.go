package sq

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RNRDelay returns how long to wait before the next retry attempt after an
// RNR NAK, given how many times this request has already been RNR'd. §5
// forbids a background per-QP timer goroutine, so handleAck blocks on this
// synchronously, within the same call stack that processes the rest of the
// QP's traffic, rather than arming a timer.
func RNRDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 500 * time.Millisecond
	b.Reset()

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
