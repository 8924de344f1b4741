package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RecentTransfers(t *testing.T) {
	m := NewMemory()
	m.Post(Transfer{Signature: "a", Destination: "recv", AmountMinorUnits: 1})
	m.Post(Transfer{Signature: "b", Destination: "other", AmountMinorUnits: 2})
	m.Post(Transfer{Signature: "c", Destination: "recv", AmountMinorUnits: 3})
	m.Post(Transfer{Signature: "d", Destination: "recv", AmountMinorUnits: 4})

	got, err := m.RecentTransfers(context.Background(), "recv", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].Signature, "newest first")
	assert.Equal(t, "c", got[1].Signature)
	assert.False(t, got[0].BlockTime.IsZero())
}

func TestMemory_FailNext(t *testing.T) {
	m := NewMemory()
	m.FailNext(2)
	ctx := context.Background()

	_, err := m.RecentTransfers(ctx, "recv", 10)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = m.RecentTransfers(ctx, "recv", 10)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = m.RecentTransfers(ctx, "recv", 10)
	assert.NoError(t, err)
	assert.Equal(t, 3, m.Calls())

	m.FailNext(-1)
	for i := 0; i < 5; i++ {
		_, err = m.RecentTransfers(ctx, "recv", 10)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().RecentTransfers(ctx, "recv", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestObserve_ReportsFailures(t *testing.T) {
	m := NewMemory()
	var seen []error
	o := Observe(m, func(_ context.Context, err error) { seen = append(seen, err) })

	m.FailNext(1)
	_, err := o.RecentTransfers(context.Background(), "recv", 10)
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = o.RecentTransfers(context.Background(), "recv", 10)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.ErrorIs(t, seen[0], ErrUnavailable)
}
