// Package infra provides concrete infrastructure adapters: the go-redis
// client behind the bus's storage and broker interfaces, and the optional
// Cloud Pub/Sub export bridge.
//
// If Redis is unreachable at startup, main.go falls back to the in-memory
// store and local transport.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 behind the minimal interfaces the event
// store (bus.RedisClient) and broker transport (bus.RedisPubSubClient)
// expect.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects and pings. Returns the connection error so the
// caller can decide whether to fall back to in-memory backends.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// bus.RedisClient implementation (event store)
// =============================================================================

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := a.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (a *GoRedisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return a.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (a *GoRedisAdapter) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return a.rdb.ZRangeByScore(ctx, key, by).Result()
}

func (a *GoRedisAdapter) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.rdb.ZRange(ctx, key, start, stop).Result()
}

func (a *GoRedisAdapter) ZRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.ZRem(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) ZCard(ctx context.Context, key string) (int64, error) {
	return a.rdb.ZCard(ctx, key).Result()
}

// =============================================================================
// bus.RedisPubSubClient implementation (broker transport)
// =============================================================================

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on an exact channel. Returns
// an unsubscribe function.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// PSubscribe registers a handler for a channel glob, delivering the matched
// channel name alongside each payload.
func (a *GoRedisAdapter) PSubscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (func(), error) {
	sub := a.rdb.PSubscribe(ctx, pattern)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("psubscribe to %s: %w", pattern, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
