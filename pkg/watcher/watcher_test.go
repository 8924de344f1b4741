package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foxiles/pkg/ledger"
	"github.com/Mindburn-Labs/foxiles/pkg/retry"
)

const (
	recv   = "ReceiverWallet"
	amount = uint64(1_500_000)
	poll   = 40 * time.Millisecond
)

var fastBackoff = retry.BackoffPolicy{BaseMs: 5, MaxMs: 20}

func newWatcher(oracle ledger.Oracle, claims Claims) *Watcher {
	return New(oracle, claims, Config{PollInterval: poll, Backoff: fastBackoff})
}

func intent(deadline time.Duration) Intent {
	return Intent{
		Reference:                uuid.NewString(),
		ReceiverAddress:          recv,
		ExpectedAmountMinorUnits: amount,
		Deadline:                 time.Now().Add(deadline),
	}
}

func wait(t *testing.T, h *Handle) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestWatch_ConfirmsOnMatchingTransfer(t *testing.T) {
	l := ledger.NewMemory()
	w := newWatcher(l, nil)
	in := intent(2 * time.Second)

	start := time.Now()
	h, err := w.Watch(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, Watching, h.Current().State)

	time.Sleep(poll / 2)
	l.Post(ledger.Transfer{Signature: "sig-1", Destination: recv, AmountMinorUnits: amount, Memo: in.Reference})

	out := wait(t, h)
	elapsed := time.Since(start)

	assert.Equal(t, Confirmed, out.State)
	assert.True(t, out.Authentic())
	require.NotNil(t, out.Transfer)
	assert.Equal(t, "sig-1", out.Transfer.Signature)
	assert.GreaterOrEqual(t, elapsed, poll, "confirmed on the second poll")
	assert.Less(t, elapsed, 4*poll)
	assert.Zero(t, w.Active())
}

func TestWatch_ExpiresAtDeadline(t *testing.T) {
	l := ledger.NewMemory()
	w := newWatcher(l, nil)
	in := intent(200 * time.Millisecond)

	// Near misses that must never confirm.
	l.Post(ledger.Transfer{Signature: "a", Destination: recv, AmountMinorUnits: amount - 1, Memo: in.Reference})
	l.Post(ledger.Transfer{Signature: "b", Destination: recv, AmountMinorUnits: amount, Memo: uuid.NewString()})
	l.Post(ledger.Transfer{Signature: "c", Destination: "elsewhere", AmountMinorUnits: amount, Memo: in.Reference})

	h, err := w.Watch(context.Background(), in)
	require.NoError(t, err)
	out := wait(t, h)

	assert.Equal(t, Expired, out.State)
	assert.False(t, out.Authentic())
	assert.Nil(t, out.Transfer)
	assert.False(t, out.ResolvedAt.Before(in.Deadline))
	assert.Less(t, out.ResolvedAt.Sub(in.Deadline), 150*time.Millisecond)
}

func TestWatch_LedgerUnavailableAtDeadline(t *testing.T) {
	l := ledger.NewMemory()
	l.FailNext(-1)
	w := newWatcher(l, nil)

	h, err := w.Watch(context.Background(), intent(150*time.Millisecond))
	require.NoError(t, err)
	out := wait(t, h)

	assert.Equal(t, Errored, out.State)
	assert.Equal(t, ReasonLedgerUnavailable, out.Reason)
	assert.Greater(t, l.Calls(), 2, "transient failures are retried")
}

func TestWatch_RecoversFromTransientFailures(t *testing.T) {
	l := ledger.NewMemory()
	l.FailNext(3)
	w := newWatcher(l, nil)
	in := intent(2 * time.Second)
	l.Post(ledger.Transfer{Signature: "sig", Destination: recv, AmountMinorUnits: amount, Memo: in.Reference})

	h, err := w.Watch(context.Background(), in)
	require.NoError(t, err)
	out := wait(t, h)

	assert.Equal(t, Confirmed, out.State)
	assert.Equal(t, 4, l.Calls())
}

type brokenOracle struct{}

func (brokenOracle) RecentTransfers(context.Context, string, int) ([]ledger.Transfer, error) {
	return nil, errors.New("invalid receiver")
}

func TestWatch_PermanentLedgerError(t *testing.T) {
	w := newWatcher(brokenOracle{}, nil)
	h, err := w.Watch(context.Background(), intent(time.Second))
	require.NoError(t, err)
	out := wait(t, h)

	assert.Equal(t, Errored, out.State)
	assert.Equal(t, ReasonLedgerError, out.Reason)
}

func TestWatch_Cancel(t *testing.T) {
	w := newWatcher(ledger.NewMemory(), nil)
	h, err := w.Watch(context.Background(), intent(time.Minute))
	require.NoError(t, err)

	h.Cancel()
	out := wait(t, h)
	assert.Equal(t, Errored, out.State)
	assert.Equal(t, ReasonCancelled, out.Reason)

	// Cancelling a resolved watch changes nothing.
	h.Cancel()
	assert.Equal(t, ReasonCancelled, h.Current().Reason)
}

func TestWatch_ParentContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := newWatcher(ledger.NewMemory(), nil)
	h, err := w.Watch(ctx, intent(time.Minute))
	require.NoError(t, err)

	cancel()
	out := wait(t, h)
	assert.Equal(t, Errored, out.State)
	assert.Equal(t, ReasonCancelled, out.Reason)
}

// lateOracle only reports the matching transfer after the deadline has passed.
type lateOracle struct {
	intent Intent
}

func (o lateOracle) RecentTransfers(context.Context, string, int) ([]ledger.Transfer, error) {
	time.Sleep(time.Until(o.intent.Deadline) + 20*time.Millisecond)
	return []ledger.Transfer{{Signature: "late", Destination: recv, AmountMinorUnits: amount, Memo: o.intent.Reference}}, nil
}

func TestWatch_MatchAfterDeadlineNeverConfirms(t *testing.T) {
	in := intent(80 * time.Millisecond)
	claims := NewMemoryClaims()
	w := newWatcher(lateOracle{intent: in}, claims)

	h, err := w.Watch(context.Background(), in)
	require.NoError(t, err)
	out := wait(t, h)

	assert.Equal(t, Expired, out.State)
	won, err := claims.Claim(context.Background(), in.Reference, "other")
	require.NoError(t, err)
	assert.True(t, won, "an expired watch must not consume the claim")
}

func TestWatch_AtMostOnceConfirmation(t *testing.T) {
	l := ledger.NewMemory()
	claims := NewMemoryClaims()
	in := intent(2 * time.Second)
	l.Post(ledger.Transfer{Signature: "sig", Destination: recv, AmountMinorUnits: amount, Memo: in.Reference})

	// Separate watchers stand in for separate processes sharing one claim store.
	const n = 8
	handles := make([]*Handle, n)
	for i := range handles {
		h, err := newWatcher(l, claims).Watch(context.Background(), in)
		require.NoError(t, err)
		handles[i] = h
	}

	var confirmed int
	for _, h := range handles {
		out := wait(t, h)
		switch out.State {
		case Confirmed:
			confirmed++
		case Errored:
			assert.Equal(t, ReasonAlreadyClaimed, out.Reason)
		default:
			t.Fatalf("unexpected state %v", out.State)
		}
	}
	assert.Equal(t, 1, confirmed)
}

func TestWatch_RejectsDuplicateAndInvalid(t *testing.T) {
	w := newWatcher(ledger.NewMemory(), nil)
	in := intent(time.Minute)

	h, err := w.Watch(context.Background(), in)
	require.NoError(t, err)
	defer h.Cancel()

	_, err = w.Watch(context.Background(), in)
	assert.ErrorIs(t, err, ErrDuplicate)

	got, ok := w.Lookup(in.Reference)
	assert.True(t, ok)
	assert.Same(t, h, got)

	for _, bad := range []Intent{
		{ReceiverAddress: recv, ExpectedAmountMinorUnits: 1, Deadline: time.Now()},
		{Reference: "r", ExpectedAmountMinorUnits: 1, Deadline: time.Now()},
		{Reference: "r", ReceiverAddress: recv, Deadline: time.Now()},
		{Reference: "r", ReceiverAddress: recv, ExpectedAmountMinorUnits: 1},
	} {
		_, err := w.Watch(context.Background(), bad)
		assert.ErrorIs(t, err, ErrInvalidIntent)
	}
}

func TestWatch_OnResolveCalledOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []Outcome
	)
	w := New(ledger.NewMemory(), nil, Config{
		PollInterval: poll,
		OnResolve: func(o Outcome) {
			mu.Lock()
			calls = append(calls, o)
			mu.Unlock()
		},
	})
	h, err := w.Watch(context.Background(), intent(60*time.Millisecond))
	require.NoError(t, err)
	wait(t, h)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, Expired, calls[0].State)
}

func TestOutcome_ForgedIsNotAuthentic(t *testing.T) {
	forged := Outcome{Reference: "r", State: Confirmed, Transfer: &ledger.Transfer{Signature: "s"}}
	assert.False(t, forged.Authentic())
}

func TestMatch(t *testing.T) {
	in := Intent{Reference: "café-ref", ReceiverAddress: recv, ExpectedAmountMinorUnits: 10}
	transfers := []ledger.Transfer{
		{Signature: "over", Destination: recv, AmountMinorUnits: 11, Memo: in.Reference},
		{Signature: "nfd", Destination: recv, AmountMinorUnits: 10, Memo: "  cafe\u0301-ref\n"},
		{Signature: "second", Destination: recv, AmountMinorUnits: 10, Memo: in.Reference},
	}

	got, ok := Match(transfers, in)
	require.True(t, ok)
	assert.Equal(t, "nfd", got.Signature, "memo compared after NFC and trimming; first match wins")

	_, ok = Match(transfers[:1], in)
	assert.False(t, ok, "overpayment is not an exact amount")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "confirmed", Confirmed.String())
	assert.Equal(t, "expired", Expired.String())
	assert.True(t, Errored.Terminal())
	assert.False(t, Watching.Terminal())
}
