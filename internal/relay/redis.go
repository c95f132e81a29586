package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps the relay in Redis and announces changes on a pub/sub
// channel, so previews served by another process see them too.
type RedisStorage struct {
	client   *redis.Client
	channel  string
	maxValue int
}

type RedisOptions struct {
	// Channel is the pub/sub channel for change events.
	Channel string
	// MaxValueBytes rejects larger values with ErrQuotaExceeded. Zero or
	// less is unlimited.
	MaxValueBytes int
}

func NewRedisStorage(redisURL string, opts RedisOptions) (*RedisStorage, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStorageWithClient(client, opts), nil
}

func NewRedisStorageWithClient(client *redis.Client, opts RedisOptions) *RedisStorage {
	if opts.Channel == "" {
		opts.Channel = "relay:events"
	}
	return &RedisStorage{client: client, channel: opts.Channel, maxValue: opts.MaxValueBytes}
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStorage) Set(ctx context.Context, key, value string) error {
	if s.maxValue > 0 && len(value) > s.maxValue {
		return fmt.Errorf("%w: value for %q is %d of %d bytes", ErrQuotaExceeded, key, len(value), s.maxValue)
	}

	old, exists, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if exists && old == value {
		return nil
	}
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return s.publish(ctx, Event{Key: key, Value: value})
}

func (s *RedisStorage) Remove(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	if n == 0 {
		return nil
	}
	return s.publish(ctx, Event{Key: key, Deleted: true})
}

func (s *RedisStorage) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %q: %w", ev.Key, err)
	}
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (s *RedisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := globEscaper.Replace(prefix) + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", prefix, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Subscribe returns once the subscription is confirmed, so no change made
// after it returns is missed.
func (s *RedisStorage) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", s.channel, err)
	}

	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					relayLogger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed relay event")
					continue
				}
				offer(out, ev)
			}
		}
	}()
	return out, nil
}
