package transport

import (
	"context"
	"sync"
)

// FeedItem is one retained gossip message.
type FeedItem struct {
	Topic string
	Data  []byte
}

// SnapshotFeed serves recently seen gossip for catch-up replay. Items may be
// stale or duplicated; callers replay them with nonce checking disabled.
type SnapshotFeed interface {
	FetchSnapshot(ctx context.Context) ([]FeedItem, error)
}

// Peer identifies a discovered mesh participant.
type Peer struct {
	PeerID string
	Addrs  []string
}

// Discovery advertises and finds peers under a rendezvous namespace.
type Discovery interface {
	Advertise(ctx context.Context, ns string, ttlMs int64) error
	Discover(ctx context.Context, ns string, limit int) ([]Peer, error)
}

// NoopDiscovery satisfies Discovery for single-node and test deployments.
type NoopDiscovery struct{}

func (NoopDiscovery) Advertise(context.Context, string, int64) error { return nil }

func (NoopDiscovery) Discover(context.Context, string, int) ([]Peer, error) { return nil, nil }

const feedCachePerTopic = 256

// FeedCache retains the newest messages per subscribed topic and serves them
// as a snapshot feed.
type FeedCache struct {
	bus Bus

	mu     sync.Mutex
	unsubs []func()
	items  map[string][][]byte
	order  []string
}

// NewFeedCache subscribes to topics on bus and starts retaining.
func NewFeedCache(bus Bus, topics []string) (*FeedCache, error) {
	cache := &FeedCache{
		bus:   bus,
		items: make(map[string][][]byte),
		order: append([]string(nil), topics...),
	}
	for _, topic := range topics {
		topic := topic
		unsub, err := bus.Subscribe(topic, func(_ context.Context, _ string, data []byte) {
			cache.retain(topic, data)
		})
		if err != nil {
			cache.Close()
			return nil, err
		}
		cache.unsubs = append(cache.unsubs, unsub)
	}
	return cache, nil
}

func (c *FeedCache) retain(topic string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.items[topic]
	buf = append(buf, data)
	if len(buf) > feedCachePerTopic {
		buf = buf[len(buf)-feedCachePerTopic:]
	}
	c.items[topic] = buf
}

// FetchSnapshot returns retained messages in topic declaration order, oldest
// first within a topic.
func (c *FeedCache) FetchSnapshot(_ context.Context) ([]FeedItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []FeedItem
	for _, topic := range c.order {
		for _, data := range c.items[topic] {
			copied := make([]byte, len(data))
			copy(copied, data)
			out = append(out, FeedItem{Topic: topic, Data: copied})
		}
	}
	return out, nil
}

// Close unsubscribes and drops retained messages.
func (c *FeedCache) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.items = make(map[string][][]byte)
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}
