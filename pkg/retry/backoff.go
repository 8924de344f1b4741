// Package retry computes bounded exponential backoff with deterministic jitter.
//
// Jitter is derived from a caller-supplied key (a purchase reference, an RPC
// method) so that concurrent callers spread out while any single caller's
// schedule is reproducible in tests.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"time"
)

// BackoffPolicy bounds a retry schedule. MaxAttempts <= 0 means unbounded;
// callers then stop on their own deadline.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultLedgerPolicy is used for transient ledger failures.
var DefaultLedgerPolicy = BackoffPolicy{BaseMs: 250, MaxMs: 10_000, MaxJitterMs: 250}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(key string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && (delay > policy.MaxMs || delay < 0) {
		delay = policy.MaxMs
	}
	return time.Duration(delay+Jitter(key, attempt, policy)) * time.Millisecond
}

// Jitter returns a deterministic value in [0, MaxJitterMs).
func Jitter(key string, attempt int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(key + ":" + strconv.Itoa(attempt)))
	return int64(binary.BigEndian.Uint64(sum[:8]) % uint64(policy.MaxJitterMs))
}

// Exhausted reports whether attempt is past the policy's attempt budget.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
