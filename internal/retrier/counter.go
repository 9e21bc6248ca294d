package retrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// HourCounter tracks retries performed per campaign per clock hour, so the
// hourly cap holds across engine replicas.
type HourCounter interface {
	Incr(ctx context.Context, campaignID string, at time.Time) (int, error)
	Count(ctx context.Context, campaignID string, at time.Time) (int, error)
}

func hourKey(campaignID string, at time.Time) string {
	return fmt.Sprintf("zapblast:retries:%s:%s", campaignID, at.UTC().Format("2006010215"))
}

// RedisCounter is the multi-replica HourCounter.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, campaignID string, at time.Time) (int, error) {
	key := hourKey(campaignID, at)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (c *RedisCounter) Count(ctx context.Context, campaignID string, at time.Time) (int, error) {
	n, err := c.client.Get(ctx, hourKey(campaignID, at)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// MemCounter is the single-process HourCounter used in tests and dev mode.
type MemCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemCounter() *MemCounter {
	return &MemCounter{counts: make(map[string]int)}
}

func (c *MemCounter) Incr(ctx context.Context, campaignID string, at time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := hourKey(campaignID, at)
	c.counts[key]++
	return c.counts[key], nil
}

func (c *MemCounter) Count(ctx context.Context, campaignID string, at time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[hourKey(campaignID, at)], nil
}
