// Package analytics keeps per-automation run counters in Redis, bucketed
// by hour.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "opsflow:a"

	DefaultRetention = 7 * 24 * time.Hour
)

type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, window: time.Hour, retention: DefaultRetention}
}

// WithRetention sets the TTL of each counter key.
func (s *RedisSink) WithRetention(d time.Duration) *RedisSink {
	if d > 0 {
		s.retention = d
	}
	return s
}

// RecordRun increments the counter of code/status for the bucket holding at.
func (s *RedisSink) RecordRun(ctx context.Context, code, status string, at time.Time) error {
	key := buildKey(code, status, at, s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Count returns the counter of code/status for the bucket holding at;
// a missing key counts as zero.
func (s *RedisSink) Count(ctx context.Context, code, status string, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(code, status, at, s.window)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func buildKey(code, status string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, code, status, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case 24 * time.Hour:
		return t.Format("20060102")
	default:
		return t.Format("2006010215")
	}
}
