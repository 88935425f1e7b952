package pgstore

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"canvas-chat/internal/store"
)

const channelPrefix = "canvas-chat:"

// RedisNotifier fans change signals out across replicas over Redis pub/sub.
type RedisNotifier struct {
	rdb *redis.Client
}

// NewRedisNotifier wraps a Redis client.
func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

// Publish announces a change on topic.
func (n *RedisNotifier) Publish(ctx context.Context, topic string) error {
	return n.rdb.Publish(ctx, channelPrefix+topic, "changed").Err()
}

// Subscribe listens for changes on topic.
func (n *RedisNotifier) Subscribe(ctx context.Context, topic string) (<-chan struct{}, store.Unsubscribe, error) {
	pubsub := n.rdb.Subscribe(ctx, channelPrefix+topic)
	// Wait for the subscription to be confirmed so no publish after this call is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	signals := make(chan struct{}, 1)
	go func() {
		for range pubsub.Channel() {
			select {
			case signals <- struct{}{}:
			default:
			}
		}
	}()

	var once sync.Once
	return signals, func() {
		once.Do(func() { pubsub.Close() })
	}, nil
}
