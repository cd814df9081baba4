package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbocsi/devrelay/proto"
	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // channel prefix, e.g. "devrelay:user:"
}

// RedisBus uses Redis PUBLISH/SUBSCRIBE. Each topic gets its own PubSub connection,
// which the Topics multiplexer keeps to one per topic per process.
type RedisBus struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBus(ctx context.Context, opts RedisOptions) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %v", ErrBusUnavailable, opts.Addr, err)
	}
	return &RedisBus{rdb: rdb, prefix: opts.Prefix}, nil
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, env proto.Envelope) error {
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %v", ErrBusUnavailable, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	channel := b.channel(topic)
	ps := b.rdb.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so nothing published after we return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: redis subscribe %s: %v", ErrBusUnavailable, channel, err)
	}
	slog.Debug("Subscribing", "topic", topic, "driver", "redis", "channel", channel)

	go func() {
		for msg := range ps.Channel() {
			env, err := proto.Decode([]byte(msg.Payload))
			if err != nil {
				slog.Warn("Discarding undecodable bus message", "channel", msg.Channel, "error", err)
				continue
			}
			h(env)
		}
	}()
	return &redisSub{ps: ps, topic: topic}, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

type redisSub struct {
	ps    *redis.PubSub
	topic string
}

func (s *redisSub) Unsubscribe() error {
	slog.Debug("Unsubscribing", "topic", s.topic, "driver", "redis")
	return s.ps.Close()
}
