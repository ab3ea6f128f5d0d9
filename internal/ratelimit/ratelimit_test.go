package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(rate float64, capacity int) (*TokenBucket, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	tb := NewTokenBucket(rate, capacity)
	tb.now = clock.now
	tb.lastRefill = clock.t
	return tb, clock
}

func TestTokenBucket(t *testing.T) {
	bucket, clock := newTestBucket(2, 5) // 2 tokens per second, capacity of 5

	// Initial tokens should be at capacity
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial spawn %d to be allowed", i)
		}
	}

	if bucket.Allow() {
		t.Error("Expected spawn to be denied when bucket is empty")
	}

	clock.advance(time.Second)

	// Should have 2 tokens available now
	if !bucket.Allow() {
		t.Error("Expected spawn to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second spawn to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third spawn to be denied")
	}
}

func TestTokenBucketFractionalRate(t *testing.T) {
	bucket, clock := newTestBucket(0.5, 1) // one spawn every two seconds

	if !bucket.Allow() {
		t.Fatal("Expected first spawn to be allowed")
	}
	clock.advance(time.Second)
	if bucket.Allow() {
		t.Error("Expected spawn to be denied after half a token")
	}
	clock.advance(time.Second)
	if !bucket.Allow() {
		t.Error("Expected spawn to be allowed once a full token accrued")
	}
}

func TestTokenBucketCapsRefill(t *testing.T) {
	bucket, clock := newTestBucket(100, 3)
	for bucket.Allow() {
	}
	clock.advance(time.Hour)

	allowed := 0
	for bucket.Allow() {
		allowed++
	}
	if allowed != 3 {
		t.Errorf("Expected refill to stop at capacity 3, got %d", allowed)
	}
}

func TestTokenBucketMinimumCapacity(t *testing.T) {
	bucket, _ := newTestBucket(1, 0)
	if !bucket.Allow() {
		t.Error("Expected a zero capacity to be raised to one")
	}
}
