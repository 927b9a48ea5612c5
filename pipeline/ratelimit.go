package pipeline

import (
	"sync/atomic"
	"time"
)

// RateLimiter holds the two process-wide, atomically-shared rate-limit
// fields a RATE_LIMIT_REQ protocol message updates (spec.md 4.D), and
// the rate_limit_tx helper transports call after placing bytes on the
// wire.
type RateLimiter struct {
	delayMS        atomic.Uint32
	throughputKbps atomic.Uint32
	lastCallNanos  atomic.Int64

	// Now defaults to time.Now; overridable in tests.
	Now func() time.Time
	// Sleep defaults to time.Sleep; overridable in tests so rate-limit
	// assertions don't need to burn wall-clock time.
	Sleep func(time.Duration)
}

// NewRateLimiter returns a ready-to-use RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{Now: time.Now, Sleep: time.Sleep}
}

// SetDelay records a fixed post-transmit delay request, consumed once by
// the next Apply call.
func (r *RateLimiter) SetDelay(ms uint32) { r.delayMS.Store(ms) }

// SetThroughput records a throughput cap request in kbps, consumed once
// by the next Apply call.
func (r *RateLimiter) SetThroughput(kbps uint32) { r.throughputKbps.Store(kbps) }

// Reset clears both shared fields without sleeping.
func (r *RateLimiter) Reset() {
	r.delayMS.Store(0)
	r.throughputKbps.Store(0)
}

// Apply is rate_limit_tx: it reads and atomically clears the two shared
// fields and optionally sleeps. A pending delay request takes priority
// over a pending throughput request (spec.md does not define precedence
// for both arriving between calls; in practice a device only ever
// configures one at a time). bytesSent is the size of the frame that was
// just placed on the wire.
func (r *RateLimiter) Apply(bytesSent int) {
	delay := r.delayMS.Swap(0)
	throughput := r.throughputKbps.Swap(0)
	now := r.Now()

	switch {
	case delay > 0:
		r.Sleep(time.Duration(delay) * time.Millisecond)
	case throughput > 0:
		want := time.Duration(bytesSent) * 8 * time.Second / time.Duration(throughput) / 1000
		prev := r.lastCallNanos.Load()
		if prev != 0 {
			elapsed := now.Sub(time.Unix(0, prev))
			if remaining := want - elapsed; remaining > 0 {
				r.Sleep(remaining)
			}
		}
	}

	r.lastCallNanos.Store(now.UnixNano())
}
