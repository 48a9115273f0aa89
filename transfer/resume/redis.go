package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkstream/transfer"
	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the checkpoint keys.
const DefaultRedisPrefix = "chunkstream:checkpoint:"

// RedisRecorder shares checkpoints between processes through Redis.
type RedisRecorder struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisRecorder stores checkpoints under prefix+key. A zero ttl keeps them until deleted.
func NewRedisRecorder(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRecorder {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRecorder{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisRecorderFromURL connects to a redis:// URL and verifies the connection.
func NewRedisRecorderFromURL(ctx context.Context, rawURL string, ttl time.Duration) (*RedisRecorder, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opt.Addr, err)
	}
	return NewRedisRecorder(client, "", ttl), nil
}

// Close closes the underlying client.
func (r *RedisRecorder) Close() error {
	return r.client.Close()
}

// Load ...
func (r *RedisRecorder) Load(ctx context.Context, key string) (transfer.Checkpoint, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return transfer.Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return transfer.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}

	var cp transfer.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return transfer.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Save ...
func (r *RedisRecorder) Save(ctx context.Context, key string, cp transfer.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// Delete ...
func (r *RedisRecorder) Delete(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n == 0 {
		return ErrNoCheckpoint
	}
	return nil
}
