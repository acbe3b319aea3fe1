package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisBus carries events over Redis PUBLISH/SUBSCRIBE. Events published
// while nobody subscribes are lost, which suits frames and transcript
// fragments that are stale by the time anyone could replay them.
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBus connects and pings Redis.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return &RedisBus{client: client, subs: make(map[string]*redis.PubSub)}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe replaces any existing subscription to channel. It returns
// once Redis has confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[channel]; ok {
		old.Close()
		delete(b.subs, channel)
	}

	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	b.subs[channel] = sub

	out := make(chan *Event, eventBuffer)
	go forwardRedis(ctx, sub, out)
	return out, nil
}

func (b *RedisBus) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	delete(b.subs, channel)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Close()
}

// Close drops every subscription and the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for channel, sub := range b.subs {
		sub.Close()
		delete(b.subs, channel)
	}
	b.mu.Unlock()

	return b.client.Close()
}

func forwardRedis(ctx context.Context, sub *redis.PubSub, out chan<- *Event) {
	defer close(out)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldChannel, msg.Channel).Msg("dropping undecodable redis event")
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}
