package xframe

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub carries bus frames over Redis pub/sub channels.
type RedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

// ConnectRedis builds a client from a redis:// URL or a host:port address
// and checks it with PING.
func ConnectRedis(ctx context.Context, redisURL string) (*RedisPubSub, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisPubSub(client), nil
}

func (b *RedisPubSub) Client() *redis.Client { return b.client }

func (b *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe returns once Redis has confirmed the subscription; handler then
// runs on a dedicated goroutine for each message in arrival order.
func (b *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) (Subscription, error) {
	if handler == nil {
		return noopSubscription{}, nil
	}

	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	msgs := ps.Channel()
	go func() {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (b *RedisPubSub) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}
