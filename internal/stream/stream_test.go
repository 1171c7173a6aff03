package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRelayPublishThenSubscribeReceivesInOrder(t *testing.T) {
	client := newFakeClient()
	relay := New(client, "test-sink")

	ctx, cancelCtx := context.WithTimeout(context.Background(), time.Second)
	defer cancelCtx()

	out, cancel, err := relay.Subscribe(ctx, "chan-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, relay.Publish(ctx, "chan-1", "hel"))
	require.NoError(t, relay.Publish(ctx, "chan-1", "lo"))
	require.NoError(t, relay.Publish(ctx, "chan-1", SentinelDoneForTest))

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-out:
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for relayed chunk")
		}
	}
	require.Equal(t, []string{"hel", "lo", SentinelDoneForTest}, got)
}

// SentinelDoneForTest mirrors orchestrator.SentinelDone so that this
// package's tests do not import the orchestrator package; Relay satisfies
// orchestrator.Publisher implicitly and neither package imports the other.
const SentinelDoneForTest = "[DONE]"
