package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures RedisEphemeral.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys of one client installation.
	Prefix string
	// TTL bounds how long an untouched key lives. Reads and writes both
	// restart it.
	TTL time.Duration
}

// RedisEphemeral is session-scoped storage shared by client processes on
// one machine. A key expires once it has been neither read nor written for
// TTL, which plays the role of the session end.
type RedisEphemeral struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisEphemeral connects to Redis and verifies the connection.
func NewRedisEphemeral(ctx context.Context, opts RedisOptions) (*RedisEphemeral, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "gophmarket:session:"
	}
	return &RedisEphemeral{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisEphemeral) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.GetEx(ctx, r.prefix+key, r.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisEphemeral) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisEphemeral) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (r *RedisEphemeral) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

func (r *RedisEphemeral) Close() error {
	return r.client.Close()
}
