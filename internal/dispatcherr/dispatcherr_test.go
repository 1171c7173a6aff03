package dispatcherr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vramdispatch/dispatcher/internal/dispatcherr"
)

func TestRetryableByKind(t *testing.T) {
	cases := []struct {
		kind      dispatcherr.Kind
		retryable bool
	}{
		{dispatcherr.Transient, true},
		{dispatcherr.Capacity, true},
		{dispatcherr.Permanent, false},
		{dispatcherr.Unexpected, false},
	}
	for _, c := range cases {
		err := dispatcherr.New(c.kind, "reason", "message", nil)
		require.Equal(t, c.retryable, err.Retryable(), "kind %s", c.kind)
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := dispatcherr.New(dispatcherr.Transient, "cs_unreachable", "coordination store unavailable", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "connection refused")
	require.Contains(t, err.Error(), "cs_unreachable")
}

func TestErrorWithoutCause(t *testing.T) {
	err := dispatcherr.New(dispatcherr.Permanent, "model_oversized", "model exceeds total VRAM", nil)

	require.Nil(t, err.Unwrap())
	require.Equal(t, "model_oversized: model exceeds total VRAM", err.Error())
}
