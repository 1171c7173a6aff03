// Package stream implements the Streaming Relay from spec.md §4.5: content
// chunks and `[DONE]`/`[ERROR: ...]` sentinels published onto a per-request
// Channel(channel_id) and consumed by whatever is polling the HTTP response.
// It is grounded on features/stream/pulse's Sink/Subscriber pair, narrowed
// from that package's typed runtime.Event envelope down to the single
// `content string` payload this system relays, and giving each channel_id
// its own Pulse stream instead of a per-session multiplexed one.
package stream

import (
	"context"
	"fmt"

	"github.com/vramdispatch/dispatcher/internal/pulseclient"
)

const eventName = "chunk"

// Relay publishes chunks onto a channel_id's Pulse stream and lets consumers
// subscribe to them. It implements orchestrator.Publisher.
type Relay struct {
	client   pulseclient.Client
	sinkName string
}

// New constructs a Relay. sinkName names the Pulse consumer group every
// subscriber joins; a fixed name is fine here because each channel_id gets
// its own stream, so there is exactly one logical consumer per channel.
func New(client pulseclient.Client, sinkName string) *Relay {
	if sinkName == "" {
		sinkName = "dispatcher"
	}
	return &Relay{client: client, sinkName: sinkName}
}

func streamName(channelID string) string {
	return fmt.Sprintf("channel/%s", channelID)
}

// Publish appends content to channelID's stream. The Orchestrator calls this
// once per non-empty chat chunk, then again with the `[DONE]`/`[ERROR: ...]`
// sentinel (spec.md §4.4 steps 4 and 7).
func (r *Relay) Publish(ctx context.Context, channelID, content string) error {
	s, err := r.client.Stream(streamName(channelID))
	if err != nil {
		return fmt.Errorf("stream: open %s: %w", channelID, err)
	}
	if _, err := s.Add(ctx, eventName, []byte(content)); err != nil {
		return fmt.Errorf("stream: publish on %s: %w", channelID, err)
	}
	return nil
}

// Subscribe opens a consumer group on channelID's stream and returns a
// channel of content frames (raw text, including the terminal sentinel) plus
// a cancel function that releases the sink. Callers should stop reading once
// they observe the `[DONE]` sentinel (spec.md §4.5).
func (r *Relay) Subscribe(ctx context.Context, channelID string) (<-chan string, context.CancelFunc, error) {
	s, err := r.client.Stream(streamName(channelID))
	if err != nil {
		return nil, nil, fmt.Errorf("stream: open %s: %w", channelID, err)
	}
	sink, err := s.NewSink(ctx, r.sinkName)
	if err != nil {
		return nil, nil, fmt.Errorf("stream: new sink on %s: %w", channelID, err)
	}

	out := make(chan string, 32)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, out)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, cancelFunc, nil
}

func consume(ctx context.Context, sink pulseclient.Sink, out chan<- string) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			select {
			case out <- string(evt.Payload):
			case <-ctx.Done():
				return
			}
			_ = sink.Ack(ctx, evt)
		}
	}
}
