package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultChannel is the Redis pub/sub channel events are published on.
const DefaultChannel = "flowcore:events"

// RedisBus is a Bus backed by Redis pub/sub. Every subscriber listens on the
// shared channel and filters locally.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	buffer  int

	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewRedisBus creates a RedisBus over an existing client.
func NewRedisBus(client redis.UniversalClient, channel string, buffer int) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &RedisBus{client: client, channel: channel, buffer: buffer}, nil
}

// Publish serializes the event in structured CloudEvent form and publishes it.
func (b *RedisBus) Publish(ctx context.Context, event *schema.CloudEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeCommunication, "publish event %s: %s", event.Type, err.Error()).WithCause(err)
	}
	return nil
}

// Subscribe confirms the Redis subscription before returning so no event
// published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, filter Filter) (<-chan *schema.CloudEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, schema.NewErrorf(schema.ErrCodeCommunication, "confirm subscription: %s", err.Error()).WithCause(err)
	}

	out := make(chan *schema.CloudEvent, b.buffer)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event schema.CloudEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				if !filter.Match(&event) {
					continue
				}
				select {
				case out <- &event:
				default:
					b.dropped.Add(1)
				}
			}
		}
	}()

	return out, cancel, nil
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *RedisBus) Dropped() uint64 { return b.dropped.Load() }

// Wait blocks until every subscription goroutine has exited.
func (b *RedisBus) Wait() { b.wg.Wait() }

var _ Bus = (*RedisBus)(nil)
