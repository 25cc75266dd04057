package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

type subscriber struct {
	ch     chan *schema.CloudEvent
	filter Filter
}

// MemoryBus is an in-process Bus implementation using channels.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	buffer  int
}

// NewMemoryBus creates a MemoryBus. A non-positive buffer uses DefaultBufferSize.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &MemoryBus{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (b *MemoryBus) Publish(ctx context.Context, event *schema.CloudEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned channel is closed
// when the cancel func is called or ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter) (<-chan *schema.CloudEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := b.seq.Add(1)
	ch := make(chan *schema.CloudEvent, b.buffer)

	b.mu.Lock()
	b.subs[id] = &subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of active subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

var _ Bus = (*MemoryBus)(nil)
