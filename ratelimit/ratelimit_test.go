package ratelimit_test

import (
	"testing"
	"time"
)

// endOfMonth and quotaKey are unexported, and Limiter/QuotaKeeper need a
// live Redis; no test in this module exercises them (integration_test.go
// holds only a skipped placeholder). This test checks the minute-bucket
// arithmetic alone. Invariants a Redis-backed test would assert:
//   - Check() increments the bucket for (project, floor(now/60s)) exactly once.
//   - Remaining never goes negative.
//   - Record() only runs after a successful response, never at admission.
func TestRateLimitWindowBoundary(t *testing.T) {
	now := time.Now().UTC()
	bucket := now.Unix() / 60
	next := time.Unix((bucket+1)*60, 0).UTC()
	if !next.After(now) {
		t.Fatal("expected reset time to be in the future")
	}
	if next.Sub(now) > 60*time.Second {
		t.Fatal("expected reset time within one minute of now")
	}
}
