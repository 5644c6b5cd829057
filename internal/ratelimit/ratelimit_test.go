package ratelimit

import (
	"testing"
	"time"
)

func scenarioPolicy() Policy {
	return Policy{RefillRatePerSec: 2.0, BurstCapacity: 3, BlockDuration: time.Second}
}

// fakeClock lets tests advance monotonic time deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(policy Policy) (*Limiter, *fakeClock) {
	fc := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(policy, nil, fc.Now)
	return l, fc
}

func TestAllowBurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(scenarioPolicy())

	for i := 0; i < 3; i++ {
		if !l.Allow("1.1.1.1", "c") {
			t.Fatalf("allow #%d: expected allow", i+1)
		}
	}

	if l.Allow("1.1.1.1", "c") {
		t.Fatal("4th allow: expected deny")
	}

	stats := l.Stats()
	if stats.AllowedCount != 3 {
		t.Errorf("AllowedCount = %d, want 3", stats.AllowedCount)
	}
	if stats.BlockedCount != 1 {
		t.Errorf("BlockedCount = %d, want 1", stats.BlockedCount)
	}
	if stats.BlockedBuckets != 1 {
		t.Errorf("BlockedBuckets = %d, want 1", stats.BlockedBuckets)
	}
}

func TestBlockWindowExpiry(t *testing.T) {
	l, fc := newTestLimiter(scenarioPolicy())

	for i := 0; i < 4; i++ {
		l.Allow("1.1.1.1", "c")
	}

	fc.Advance(500 * time.Millisecond)
	if l.Allow("1.1.1.1", "c") {
		t.Fatal("5th allow at +500ms: expected deny, still blocked")
	}

	fc.Advance(600 * time.Millisecond) // total +1100ms since block entry
	if !l.Allow("1.1.1.1", "c") {
		t.Fatal("6th allow at +1100ms: expected allow, block window elapsed")
	}
}

func TestIndependentFingerprints(t *testing.T) {
	l, _ := newTestLimiter(scenarioPolicy())

	for i := 0; i < 3; i++ {
		if !l.Allow("1.1.1.1", "a") {
			t.Fatalf("fingerprint a allow #%d: expected allow", i+1)
		}
	}
	for i := 0; i < 3; i++ {
		if !l.Allow("2.2.2.2", "b") {
			t.Fatalf("fingerprint b allow #%d: expected allow", i+1)
		}
	}

	stats := l.Stats()
	if stats.AllowedCount != 6 {
		t.Errorf("AllowedCount = %d, want 6", stats.AllowedCount)
	}
	if stats.TotalBuckets != 2 {
		t.Errorf("TotalBuckets = %d, want 2", stats.TotalBuckets)
	}
}

func TestSetClientPolicyDoesNotResetBucket(t *testing.T) {
	l, fc := newTestLimiter(scenarioPolicy())

	for i := 0; i < 4; i++ {
		l.Allow("1.1.1.1", "c")
	}

	fc.Advance(1100 * time.Millisecond)

	l.SetClientPolicy("c", Policy{RefillRatePerSec: 2.0, BurstCapacity: 5, BlockDuration: time.Second})

	if tokens := l.buckets["c"].tokens; tokens != 0 {
		t.Fatalf("tokens after policy override = %v, want 0 (bucket untouched)", tokens)
	}

	if !l.Allow("1.1.1.1", "c") {
		t.Fatal("allow after policy override: expected allow once block window elapsed")
	}
}

func TestSetClientPolicyByIPAppliesToAnonymousClient(t *testing.T) {
	l, _ := newTestLimiter(scenarioPolicy())

	l.SetClientPolicy("9.9.9.9", Policy{RefillRatePerSec: 1.0, BurstCapacity: 1, BlockDuration: time.Second})

	if !l.Allow("9.9.9.9", "") {
		t.Fatal("1st allow: expected allow under 1-token burst override")
	}
	if l.Allow("9.9.9.9", "") {
		t.Fatal("2nd allow: expected deny, override burst capacity is 1")
	}
}

func TestFingerprintFallsBackToIP(t *testing.T) {
	l, _ := newTestLimiter(scenarioPolicy())

	if !l.Allow("3.3.3.3", "") {
		t.Fatal("expected allow for anonymous client")
	}

	stats := l.Stats()
	if stats.TotalBuckets != 1 {
		t.Errorf("TotalBuckets = %d, want 1", stats.TotalBuckets)
	}
	if _, ok := l.buckets["3.3.3.3"]; !ok {
		t.Errorf("expected bucket keyed by peer IP 3.3.3.3")
	}
}

func TestCleanupExpiredIsIdempotent(t *testing.T) {
	l, fc := newTestLimiter(scenarioPolicy())

	l.Allow("1.1.1.1", "c")
	fc.Advance(2 * time.Hour)

	l.CleanupExpired()
	stats := l.Stats()
	if stats.TotalBuckets != 0 {
		t.Fatalf("TotalBuckets after first cleanup = %d, want 0", stats.TotalBuckets)
	}

	l.CleanupExpired()
	stats = l.Stats()
	if stats.TotalBuckets != 0 {
		t.Fatalf("TotalBuckets after second cleanup = %d, want 0", stats.TotalBuckets)
	}
}

func TestNeverBlocksWithZeroBlockDuration(t *testing.T) {
	l, _ := newTestLimiter(Policy{RefillRatePerSec: 1.0, BurstCapacity: 1, BlockDuration: 0})

	l.Allow("1.1.1.1", "c")
	l.Allow("1.1.1.1", "c") // denied, but must not enter blocked state

	stats := l.Stats()
	if stats.BlockedBuckets != 0 {
		t.Errorf("BlockedBuckets = %d, want 0 with zero block duration", stats.BlockedBuckets)
	}
}

func TestBucketsNeverExceedCapacity(t *testing.T) {
	l, fc := newTestLimiter(scenarioPolicy())

	l.Allow("1.1.1.1", "c")
	fc.Advance(10 * time.Hour) // plenty of refill time
	if !l.Allow("1.1.1.1", "c") {
		t.Fatal("expected allow after long refill window")
	}

	stats := l.Stats()
	if stats.AllowedCount != 2 {
		t.Errorf("AllowedCount = %d, want 2", stats.AllowedCount)
	}
	// Refill is clamped to BurstCapacity (3); one token was then consumed.
	if tokens := l.buckets["c"].tokens; tokens != 2 {
		t.Errorf("tokens = %v, want 2 (capacity 3 minus one consumed)", tokens)
	}
}

func TestNoEntryForUntouchedFingerprint(t *testing.T) {
	l, _ := newTestLimiter(scenarioPolicy())

	stats := l.Stats()
	if stats.TotalBuckets != 0 {
		t.Errorf("TotalBuckets = %d, want 0 before any Allow call", stats.TotalBuckets)
	}
}
