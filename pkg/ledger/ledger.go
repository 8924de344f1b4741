// Package ledger defines the read-only view of the payment ledger that the
// watcher polls. The ledger is an external oracle: it is never written to.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnavailable marks a transient failure. Callers retry it until their own
// deadline; every other error is permanent.
var ErrUnavailable = errors.New("ledger: unavailable")

// Transfer is one confirmed value transfer as seen on the ledger.
type Transfer struct {
	Signature        string
	Destination      string
	AmountMinorUnits uint64
	Memo             string
	Slot             uint64
	BlockTime        time.Time
}

// Oracle lists recent confirmed transfers to a receiver, newest first.
type Oracle interface {
	RecentTransfers(ctx context.Context, receiver string, limit int) ([]Transfer, error)
}

// Memory is an in-process Oracle for tests and dev mode.
type Memory struct {
	mu        sync.Mutex
	transfers []Transfer
	failures  int
	calls     int
	slot      uint64
}

func NewMemory() *Memory {
	return &Memory{}
}

// Post records a transfer and returns it as stored. Slot and BlockTime are
// assigned when zero.
func (m *Memory) Post(t Transfer) Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slot++
	if t.Slot == 0 {
		t.Slot = m.slot
	}
	if t.BlockTime.IsZero() {
		t.BlockTime = time.Now()
	}
	m.transfers = append(m.transfers, t)
	return t
}

// FailNext makes the next n calls return ErrUnavailable. A negative n fails
// every call until FailNext(0).
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// Calls returns how many times RecentTransfers has been invoked.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) RecentTransfers(ctx context.Context, receiver string, limit int) ([]Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.failures != 0 {
		if m.failures > 0 {
			m.failures--
		}
		return nil, ErrUnavailable
	}

	var out []Transfer
	for _, t := range m.transfers {
		if t.Destination == receiver {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Slot > out[j].Slot })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Observe wraps o so that every failed query is reported to onError before
// being returned unchanged.
func Observe(o Oracle, onError func(ctx context.Context, err error)) Oracle {
	return observed{o, onError}
}

type observed struct {
	Oracle
	onError func(context.Context, error)
}

func (o observed) RecentTransfers(ctx context.Context, receiver string, limit int) ([]Transfer, error) {
	out, err := o.Oracle.RecentTransfers(ctx, receiver, limit)
	if err != nil && ctx.Err() == nil {
		o.onError(ctx, err)
	}
	return out, err
}
