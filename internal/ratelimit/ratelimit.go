// Package ratelimit implements the per-client token-bucket rate limiter
// that gates client-to-broker traffic in the proxy.
package ratelimit

import (
	"sync"
	"time"
)

// Policy configures a single client's bucket. A zero BlockDuration means
// "deny and discard, never enter a blocked state."
type Policy struct {
	RefillRatePerSec float64
	BurstCapacity    int
	BlockDuration    time.Duration
}

// DefaultPolicy returns the policy applied to any fingerprint without an
// explicit override.
func DefaultPolicy(refillRatePerSec float64, burstCapacity int, blockDuration time.Duration) Policy {
	return Policy{
		RefillRatePerSec: refillRatePerSec,
		BurstCapacity:    burstCapacity,
		BlockDuration:    blockDuration,
	}
}

// bucket is per-fingerprint rate-limiter state. lastRefill's zero value
// denotes "never touched."
type bucket struct {
	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	isBlocked    bool
	blockedUntil time.Time
}

// Sink matches the proxy's narrow metrics interface so the limiter has no
// direct Prometheus dependency. The Limiter stores the sink it is given but
// sends it no updates; allow/deny counts are reported by Stats.
type Sink interface {
	IncrementCounter(name string)
	SetGauge(name string, value float64)
}

type nopSink struct{}

func (nopSink) IncrementCounter(string)  {}
func (nopSink) SetGauge(string, float64) {}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Limiter is the thread-safe fingerprint-to-bucket rate limiter described
// by the proxy's core rate-limiting contract.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	overrides map[string]Policy
	def      Policy
	clock    Clock
	sink     Sink

	countersMu   sync.Mutex
	allowedCount int64
	blockedCount int64
}

// New builds a Limiter with the given default policy. A nil sink is
// replaced by a no-op sink; a nil clock uses time.Now.
func New(defaultPolicy Policy, sink Sink, clock Clock) *Limiter {
	if sink == nil {
		sink = nopSink{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		buckets:   make(map[string]*bucket),
		overrides: make(map[string]Policy),
		def:       defaultPolicy,
		clock:     clock,
		sink:      sink,
	}
}

// fingerprint resolves the rate-limiter lookup key: the client ID if
// non-empty, otherwise the peer IP.
func fingerprint(ip, clientID string) string {
	if clientID != "" {
		return clientID
	}
	return ip
}

// Allow applies the single-decision algorithm (refill, block check, token
// consumption) for the client identified by (ip, clientID) and returns
// whether one data unit may pass.
func (l *Limiter) Allow(ip, clientID string) bool {
	fp := fingerprint(ip, clientID)
	policy := l.policyFor(fp)
	b := l.bucketFor(fp)

	now := l.clock()

	b.mu.Lock()
	allowed := decide(b, policy, now)
	b.mu.Unlock()

	if allowed {
		l.countersMu.Lock()
		l.allowedCount++
		l.countersMu.Unlock()
	} else {
		l.countersMu.Lock()
		l.blockedCount++
		l.countersMu.Unlock()
	}
	return allowed
}

// decide runs the refill -> block-check -> consume algorithm on an
// already-locked bucket and returns the allow/deny decision.
func decide(b *bucket, policy Policy, now time.Time) bool {
	// 1. Refill.
	if b.lastRefill.IsZero() {
		b.tokens = float64(policy.BurstCapacity)
		b.lastRefill = now
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * policy.RefillRatePerSec
			if b.tokens > float64(policy.BurstCapacity) {
				b.tokens = float64(policy.BurstCapacity)
			}
		}
		b.lastRefill = now
	}

	// 2. Block check.
	if b.isBlocked {
		if now.Before(b.blockedUntil) {
			return false
		}
		b.isBlocked = false
	}

	// 3. Token consumption.
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	if policy.BlockDuration > 0 {
		b.isBlocked = true
		b.blockedUntil = now.Add(policy.BlockDuration)
	}
	return false
}

// bucketFor returns the bucket for fp, allocating it lazily on first use.
func (l *Limiter) bucketFor(fp string) *bucket {
	l.mu.Lock()
	b, ok := l.buckets[fp]
	if !ok {
		b = &bucket{}
		l.buckets[fp] = b
	}
	l.mu.Unlock()
	return b
}

// policyFor returns the effective policy for fingerprint fp: the override
// installed under that fingerprint if one exists, else the default. fp is
// the same lookup key Allow uses for buckets, so an override installed by
// client ID applies to that client ID's fingerprint, and an override
// installed by peer IP applies to anonymous clients from that IP.
func (l *Limiter) policyFor(fp string) Policy {
	l.mu.Lock()
	p, ok := l.overrides[fp]
	l.mu.Unlock()
	if ok {
		return p
	}
	return l.defaultPolicy()
}

func (l *Limiter) defaultPolicy() Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.def
}

// SetClientPolicy installs or replaces the policy override for fingerprint
// fp (a client ID, or a peer IP to target anonymous clients from that
// address). It does not create or reset a bucket.
func (l *Limiter) SetClientPolicy(fp string, policy Policy) {
	l.mu.Lock()
	l.overrides[fp] = policy
	l.mu.Unlock()
}

// ClientPolicy returns the effective policy for fingerprint fp and whether
// an override is installed.
func (l *Limiter) ClientPolicy(fp string) (Policy, bool) {
	l.mu.Lock()
	p, ok := l.overrides[fp]
	l.mu.Unlock()
	if ok {
		return p, true
	}
	return l.defaultPolicy(), false
}

// CleanupExpired removes any bucket whose last refill is more than one
// hour before the current time. Idempotent.
func (l *Limiter) CleanupExpired() {
	cutoff := l.clock().Add(-time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()
	for fp, b := range l.buckets {
		b.mu.Lock()
		stale := !b.lastRefill.IsZero() && b.lastRefill.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, fp)
		}
	}
}

// Stats is the snapshot returned by Stats().
type Stats struct {
	TotalBuckets   int
	BlockedBuckets int
	AllowedCount   int64
	BlockedCount   int64
}

// Stats returns a point-in-time snapshot of limiter state.
func (l *Limiter) Stats() Stats {
	now := l.clock()

	l.mu.Lock()
	total := len(l.buckets)
	blocked := 0
	for _, b := range l.buckets {
		b.mu.Lock()
		if b.isBlocked && now.Before(b.blockedUntil) {
			blocked++
		}
		b.mu.Unlock()
	}
	l.mu.Unlock()

	l.countersMu.Lock()
	allowed := l.allowedCount
	blockedCount := l.blockedCount
	l.countersMu.Unlock()

	return Stats{
		TotalBuckets:   total,
		BlockedBuckets: blocked,
		AllowedCount:   allowed,
		BlockedCount:   blockedCount,
	}
}
