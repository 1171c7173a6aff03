package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vramdispatch/dispatcher/internal/ratelimit"
)

func TestAdmissionLimiterBurstsThenPaces(t *testing.T) {
	l := ratelimit.New(10, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "llama3"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "llama3"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAdmissionLimiterIsPerModel(t *testing.T) {
	l := ratelimit.New(1, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "llama3"))
	require.NoError(t, l.Wait(ctx, "mistral"))
}

func TestAdmissionLimiterDisabledWhenRateNonPositive(t *testing.T) {
	l := ratelimit.New(0, 1)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "llama3"))
	}
}

func TestAdmissionLimiterRespectsContextCancel(t *testing.T) {
	l := ratelimit.New(1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.Wait(ctx, "llama3"))
	cancel()
	err := l.Wait(ctx, "llama3")
	require.Error(t, err)
}
