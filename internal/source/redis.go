package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rebeliceyang/vizconn/internal/log"
	"github.com/rebeliceyang/vizconn/internal/models"
)

const defaultRedisTimeout = 5 * time.Second

// RedisSource keeps each section in a Redis hash and announces changes on a
// pub/sub channel. Writers must go through Put and Remove for subscribers to
// hear about their changes.
type RedisSource struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisSource connects to the Redis server at url
// (redis://[:password@]host:port/db)
func NewRedisSource(url, prefix string) (*RedisSource, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if prefix == "" {
		prefix = "vizconn"
	}
	return &RedisSource{client: client, prefix: prefix, timeout: defaultRedisTimeout}, nil
}

func (r *RedisSource) hashKey(section string) string {
	return r.prefix + ":" + section
}

func (r *RedisSource) channel(section string) string {
	return r.prefix + ":" + section + ":changes"
}

// Entries lists a section's entries ordered by key
func (r *RedisSource) Entries(section string) ([]models.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	values, err := r.client.HGetAll(ctx, r.hashKey(section)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read section %s: %w", section, err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]models.Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, models.Entry{Key: k, Value: values[k]})
	}
	return entries, nil
}

// Subscribe listens on the section's change channel. It returns once the
// subscription is confirmed by the server.
func (r *RedisSource) Subscribe(section string, fn func(models.Change)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscriber must not be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ps := r.client.Subscribe(ctx, r.channel(section))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel(section), err)
	}

	go func() {
		for msg := range ps.Channel() {
			var ch models.Change
			if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
				log.Warn("ignoring malformed change message", "channel", msg.Channel, "error", err)
				continue
			}
			fn(ch)
		}
	}()

	return func() {
		if err := ps.Close(); err != nil {
			log.Debug("redis subscription close", "error", err)
		}
	}, nil
}

// Get returns the value stored under key
func (r *RedisSource) Get(ctx context.Context, section, key string) (string, error) {
	v, err := r.client.HGet(ctx, r.hashKey(section), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s/%s: %w", section, key, ErrNotFound)
	}
	return v, err
}

// Put stores value and publishes the change if the value differs
func (r *RedisSource) Put(ctx context.Context, section, key, value string) error {
	old, err := r.client.HGet(ctx, r.hashKey(section), key).Result()
	var ch models.Change
	switch {
	case errors.Is(err, redis.Nil):
		ch = models.NewAdd(key, value)
	case err != nil:
		return fmt.Errorf("failed to read %s/%s: %w", section, key, err)
	case old == value:
		return nil
	default:
		ch = models.NewUpdate(key, old, value)
	}

	return r.apply(ctx, section, ch, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, r.hashKey(section), key, value)
	})
}

// Remove deletes key and publishes the change if it existed
func (r *RedisSource) Remove(ctx context.Context, section, key string) error {
	old, err := r.client.HGet(ctx, r.hashKey(section), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", section, key, err)
	}

	return r.apply(ctx, section, models.NewRemove(key, old), func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, r.hashKey(section), key)
	})
}

func (r *RedisSource) apply(ctx context.Context, section string, ch models.Change, write func(redis.Pipeliner)) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		write(pipe)
		pipe.Publish(ctx, r.channel(section), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", section, ch.Key, err)
	}
	return nil
}

// Close releases the client
func (r *RedisSource) Close() error {
	return r.client.Close()
}
