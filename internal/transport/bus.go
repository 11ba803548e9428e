// Package transport moves signed envelopes between peers. The bus is
// topic-oriented and payload-agnostic: callers publish raw envelope bytes
// and every subscriber on the topic receives a copy.
package transport

import "context"

// Handler processes one message received on a topic. Returning an error is
// informational only; the bus never redelivers.
type Handler func(ctx context.Context, topic string, data []byte)

// Bus is the peer-to-peer message fabric.
type Bus interface {
	// Publish sends data to every current subscriber of topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe registers handler for topic and returns an unsubscribe func.
	Subscribe(topic string, handler Handler) (func(), error)
	Close() error
}
