// Package redis stores monthly audit counters.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"siteaudit/internal/ports"
)

var ErrEmptyURL = errors.New("redis url is required")

const (
	connectionTimeout = 5 * time.Second
	// counterGrace keeps a month's counter around briefly after it rolls over.
	counterGrace = 7 * 24 * time.Hour
)

// NewClient parses a redis:// URL and verifies the connection.
func NewClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, ErrEmptyURL
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// UsageCounter counts audits per caller per calendar month (UTC).
type UsageCounter struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ ports.UsageCounter = (*UsageCounter)(nil)

func NewUsageCounter(client redis.UniversalClient) *UsageCounter {
	return &UsageCounter{client: client, now: time.Now}
}

func (c *UsageCounter) key(callerID string) string {
	return usageKey(callerID, c.now())
}

func usageKey(callerID string, at time.Time) string {
	return fmt.Sprintf("usage:%s:%s", callerID, at.UTC().Format("2006-01"))
}

// monthEnd is the first instant of the month after t.
func monthEnd(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

func (c *UsageCounter) Used(ctx context.Context, callerID string) (int, error) {
	v, err := c.client.Get(ctx, c.key(callerID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse usage %q: %w", v, err)
	}
	return n, nil
}

// Increment bumps the caller's counter for the current month and returns the
// new value.
func (c *UsageCounter) Increment(ctx context.Context, callerID string) (int, error) {
	now := c.now()
	key := usageKey(callerID, now)

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, monthEnd(now).Add(counterGrace))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return int(incr.Val()), nil
}
