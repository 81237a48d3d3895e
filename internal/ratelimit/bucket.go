// Package ratelimit paces inbound signaling messages. The gateway gives each
// WebSocket connection one Bucket and charges it per decoded frame; a
// connection that overdraws is closed with a policy-violation close code.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so buckets can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall-clock implementation used outside tests.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Bucket is a per-connection message budget: a client may burst up to Burst
// messages, then is held to PerSecond sustained. Allowance is tracked in
// nanosecond-messages (one message = 1e9 units) so refill math stays in
// integers with no float drift.
type Bucket struct {
	mu    sync.Mutex
	clock Clock

	burst     int64 // messages the bucket can hold
	perSecond int64 // sustained refill rate

	allowance int64 // nanosecond-messages currently stored
	last      time.Time
}

const nanosPerMessage = int64(time.Second)

// NewBucket returns a full bucket. A burst or rate of zero (or less) yields a
// bucket that rejects every message, which the gateway's config validation
// rules out for real servers but tests rely on.
func NewBucket(clock Clock, burst, perSecond int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 0 {
		burst = 0
	}
	if perSecond < 0 {
		perSecond = 0
	}
	return &Bucket{
		clock:     clock,
		burst:     burst,
		perSecond: perSecond,
		allowance: saturatingMessages(burst),
		last:      clock.Now(),
	}
}

// Allow charges one message against the budget and reports whether it fit.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.allowance < nanosPerMessage {
		return false
	}
	b.allowance -= nanosPerMessage
	return true
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// A clock step backwards must not mint allowance; re-anchor and wait.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.perSecond <= 0 || b.burst <= 0 {
		return
	}

	full := saturatingMessages(b.burst)
	if b.allowance >= full {
		b.allowance = full
		return
	}

	// perSecond messages/sec is perSecond units/ns in the fixed-point
	// representation. Clamp before multiplying so a long-idle connection
	// cannot overflow into a negative allowance.
	need := full - b.allowance
	if elapsed >= need/b.perSecond {
		b.allowance = full
		return
	}
	b.allowance += elapsed * b.perSecond
}

func saturatingMessages(n int64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if n <= 0 {
		return 0
	}
	if n > maxInt64/nanosPerMessage {
		return maxInt64
	}
	return n * nanosPerMessage
}
