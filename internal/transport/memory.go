package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("transport: bus closed")

// MemoryBus is an in-process loopback bus. Delivery is synchronous and
// in subscription order; handlers receive their own copy of the payload.
// Used by tests and single-process deployments.
type MemoryBus struct {
	mu     sync.RWMutex
	closed bool
	nextID int
	subs   map[string]map[int]Handler
}

// NewMemoryBus returns an empty loopback bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]Handler)}
}

// Publish delivers data to every subscriber of topic. The publisher's own
// subscriptions are included; callers that sign and apply locally before
// publishing must tolerate the echo (replay protection handles it).
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		h(ctx, topic, buf)
	}
	return nil
}

// Subscribe registers handler for topic.
func (b *MemoryBus) Subscribe(topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}, nil
}

// Close drops all subscriptions. Further publishes fail with ErrBusClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]Handler)
	return nil
}
