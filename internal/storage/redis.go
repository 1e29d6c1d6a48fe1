// Package storage provides Redis and PostgreSQL clients for the pool's
// ephemeral and persistent state.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/viddhana/sv2pool/internal/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient wraps Redis operations for the pool. Share replay-guard keys
// and per-downstream heartbeat keys expire after their configured TTL; the
// online-downstream set and the per-downstream accepted-share counters
// carry no TTL. No per-share record is kept, so it is never a share ledger.
type RedisClient struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

// NewRedisClient creates a new Redis client.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &RedisClient{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("redis"),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// key generates a prefixed key.
func (r *RedisClient) key(parts ...string) string {
	key := r.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// CheckShareReplay checks whether a share with this (channel, job,
// sequence_number) key has already been submitted, and reserves the key if
// not. Keyed on the SV2 identity triple instead of the SV1
// worker/extranonce2 pair, since extended channels have no worker identity.
func (r *RedisClient) CheckShareReplay(ctx context.Context, channelID, jobID, sequenceNumber uint32) (bool, error) {
	key := r.key("share", fmt.Sprintf("%d:%d:%d", channelID, jobID, sequenceNumber))

	// SetNX atomically checks and sets.
	reserved, err := r.client.SetNX(ctx, key, 1, r.cfg.ShareReplayTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check share replay: %w", err)
	}

	// If reserved is false, the key already existed: this is a replay.
	return !reserved, nil
}

// AddOnlineDownstream adds a downstream connection id to the online set.
func (r *RedisClient) AddOnlineDownstream(ctx context.Context, downstreamID string) error {
	key := r.key("downstreams", "online")

	if _, err := r.client.SAdd(ctx, key, downstreamID).Result(); err != nil {
		return fmt.Errorf("failed to add online downstream: %w", err)
	}

	heartbeatKey := r.key("downstream", downstreamID, "heartbeat")
	_, err := r.client.Set(ctx, heartbeatKey, time.Now().Unix(), r.cfg.OnlineTTL).Result()
	return err
}

// RemoveOnlineDownstream removes a downstream connection id from the online set.
func (r *RedisClient) RemoveOnlineDownstream(ctx context.Context, downstreamID string) error {
	key := r.key("downstreams", "online")

	if _, err := r.client.SRem(ctx, key, downstreamID).Result(); err != nil {
		return fmt.Errorf("failed to remove online downstream: %w", err)
	}

	heartbeatKey := r.key("downstream", downstreamID, "heartbeat")
	r.client.Del(ctx, heartbeatKey)

	return nil
}

// GetOnlineDownstreams returns all online downstream connection ids.
func (r *RedisClient) GetOnlineDownstreams(ctx context.Context) ([]string, error) {
	key := r.key("downstreams", "online")

	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online downstreams: %w", err)
	}

	return ids, nil
}

// GetOnlineDownstreamCount returns the number of online downstream connections.
func (r *RedisClient) GetOnlineDownstreamCount(ctx context.Context) (int64, error) {
	key := r.key("downstreams", "online")

	count, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get online downstream count: %w", err)
	}

	return count, nil
}

// IncrementAcceptedShares increments a per-downstream accepted-share counter.
func (r *RedisClient) IncrementAcceptedShares(ctx context.Context, downstreamID string) error {
	key := r.key("downstream", downstreamID, "accepted_shares")
	_, err := r.client.Incr(ctx, key).Result()
	return err
}

// Publish publishes a message to a channel.
func (r *RedisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return r.client.Publish(ctx, r.key(channel), message).Err()
}

// Subscribe subscribes to a channel.
func (r *RedisClient) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.client.Subscribe(ctx, r.key(channel))
}
