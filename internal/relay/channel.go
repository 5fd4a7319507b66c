package relay

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Channel is a content-agnostic broadcast channel scoped to one document.
// Subscribe must not return before the subscription is live: a message
// published by anyone after Subscribe returns is guaranteed to be
// delivered. This lets the provider issue its sync-request immediately,
// with no settle delay.
type Channel interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// ChannelName scopes a broadcast channel to one document.
func ChannelName(documentID string) string {
	return "doc-" + documentID
}

// RedisChannel is a Channel over Redis pub/sub.
type RedisChannel struct {
	client *redis.Client
	name   string
	pubsub *redis.PubSub
}

func NewRedisChannel(client *redis.Client, documentID string) *RedisChannel {
	return &RedisChannel{
		client: client,
		name:   ChannelName(documentID),
	}
}

func (ch *RedisChannel) Publish(ctx context.Context, data []byte) error {
	return ch.client.Publish(ctx, ch.name, data).Err()
}

func (ch *RedisChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := ch.client.Subscribe(ctx, ch.name)
	// Receive blocks until Redis acknowledges the subscription, so anything
	// published after this point reaches us.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	ch.pubsub = pubsub

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return out, nil
}

func (ch *RedisChannel) Close() error {
	if ch.pubsub != nil {
		return ch.pubsub.Close()
	}
	return nil
}

// MemoryBroker fans messages out between in-process channels. It stands in
// for Redis in tests and single-process deployments.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string][]*MemoryChannel
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*MemoryChannel)}
}

// Channel returns a new endpoint on the named broadcast channel.
func (b *MemoryBroker) Channel(name string) *MemoryChannel {
	return &MemoryChannel{broker: b, name: name}
}

type MemoryChannel struct {
	broker *MemoryBroker
	name   string
	out    chan []byte
	closed bool
	mu     sync.Mutex
}

func (ch *MemoryChannel) Publish(ctx context.Context, data []byte) error {
	b := ch.broker
	b.mu.Lock()
	subs := append([]*MemoryChannel(nil), b.subs[ch.name]...)
	b.mu.Unlock()
	for _, sub := range subs {
		// Delivery includes the publisher's own endpoint, like Redis;
		// subscribers filter by sender id.
		sub.deliver(data)
	}
	return nil
}

func (ch *MemoryChannel) deliver(data []byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.out == nil {
		return
	}
	select {
	case ch.out <- data:
	default:
	}
}

func (ch *MemoryChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch.mu.Lock()
	ch.out = make(chan []byte, 256)
	ch.mu.Unlock()

	b := ch.broker
	b.mu.Lock()
	b.subs[ch.name] = append(b.subs[ch.name], ch)
	b.mu.Unlock()
	return ch.out, nil
}

func (ch *MemoryChannel) Close() error {
	b := ch.broker
	b.mu.Lock()
	subs := b.subs[ch.name]
	for i, sub := range subs {
		if sub == ch {
			b.subs[ch.name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		ch.closed = true
		if ch.out != nil {
			close(ch.out)
		}
	}
	return nil
}
