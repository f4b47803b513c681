package notify

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

// Notifier pushes a payload to everyone subscribed to a topic. The escrow and
// dispute flows never talk to a transport directly; they enqueue outbox rows
// and the relay publishes through this interface.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// RedisBroadcaster fans out over Redis pub/sub; realtime frontends subscribe
// to the same channels.
type RedisBroadcaster struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBroadcaster(rdb *redis.Client, prefix string) *RedisBroadcaster {
	if prefix == "" {
		prefix = "courierpay"
	}
	return &RedisBroadcaster{rdb: rdb, prefix: prefix}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, b.prefix+":"+topic, payload).Err()
}

// LogNotifier prints messages instead of delivering them. Used in tests and
// when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) Publish(_ context.Context, topic string, payload []byte) error {
	log.Printf("notify: %s %s", topic, payload)
	return nil
}
