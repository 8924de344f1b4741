package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "foxiles", cfg.ServiceName)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRate)
	require.False(t, cfg.Enabled)
}

func TestDisabledProviderIsUsable(t *testing.T) {
	p := Disabled()
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx := context.Background()
	p.RecordWatchOutcome(ctx, "confirmed", "")
	p.RecordWatchOutcome(ctx, "errored", "cancelled")
	p.RecordRelease(ctx, "destroyed", "fingerprint_mismatch")
	p.RecordLedgerError(ctx, true)

	ctx, done := p.TrackOperation(ctx, "release", attribute.String("route", "/v1/release"))
	require.NotNil(t, ctx)
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(context.Background()))
}
