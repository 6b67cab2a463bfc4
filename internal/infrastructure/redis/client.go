package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrKeyNotFound = stderrors.New("key not found")

// RedisClient defines the operations the services need: idempotency keys,
// short-TTL balance locks and the action throttle.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

type Client struct {
	client *redis.Client
}

func NewClient(addr string) *Client {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("failed to connect to Redis", "addr", addr, "error", err)
		panic(err)
	}

	slog.Info("connected to Redis", "addr", addr)
	return &Client{client: client}
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, expiration).Result()
}

func (c *Client) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Throttle is the keyed last-action store: one SETNX key per account and
// action, evicted by TTL. Allow reports false while a previous action for
// the same key is still inside the interval.
type Throttle struct {
	client   RedisClient
	interval time.Duration
}

func NewThrottle(client RedisClient, interval time.Duration) *Throttle {
	return &Throttle{client: client, interval: interval}
}

func (t *Throttle) Allow(ctx context.Context, action string, accountID int64) (bool, error) {
	if t.interval <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("throttle:%s:%d", action, accountID)
	ok, err := t.client.SetNX(ctx, key, time.Now().Unix(), t.interval)
	if err != nil {
		// Throttling is advisory; never block the flow on a cache failure.
		slog.Error("throttle check failed, allowing request", "key", key, "error", err)
		return true, nil
	}
	return ok, nil
}
