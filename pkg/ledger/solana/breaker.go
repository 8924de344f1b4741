package solana

import (
	"sync"
	"time"
)

// breaker stops calls to an RPC node after threshold consecutive transient
// failures. Once resetTimeout has passed it lets a single trial call through;
// the trial's result closes or re-opens it.
type breaker struct {
	mu           sync.Mutex
	failures     int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	trialing      bool
	now          func() time.Time
}

func newBreaker(threshold int, resetTimeout time.Duration) *breaker {
	return &breaker{threshold: threshold, resetTimeout: resetTimeout, now: time.Now}
}

func (b *breaker) open() bool {
	return b.failures >= b.threshold
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open() {
		return true
	}
	if b.trialing || b.now().Sub(b.lastFailure) <= b.resetTimeout {
		return false
	}
	b.trialing = true
	return true
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialing = false
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	b.trialing = false
}

// release returns an unused trial slot without recording an outcome.
func (b *breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialing = false
}
