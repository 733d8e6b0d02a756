package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey     = "opsflow:retries"
	defaultPollInterval = 5 * time.Second
	defaultClaimBatch   = 20
)

// Job is the durable delayed-retry entry.
type Job struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	NotBefore time.Time `json:"not_before"`
	Source    string    `json:"source"`
}

func encodeJob(j Job) (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJob(raw string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return Job{}, err
	}
	if j.Code == "" {
		return Job{}, fmt.Errorf("retry job without code")
	}
	return j, nil
}

// RedisConfig configures a RedisScheduler.
type RedisConfig struct {
	Key          string
	PollInterval time.Duration
	ClaimBatch   int
}

// RedisScheduler persists delayed retries in a sorted set scored by their
// not-before time in unix milliseconds. Run polls for due entries and
// claims each with ZREM, so every entry is invoked by exactly one poller
// even when several processes share the set.
type RedisScheduler struct {
	client  *redis.Client
	cfg     RedisConfig
	clock   func() time.Time
	metrics MetricsSink // optional, nil = disabled

	mu      sync.Mutex
	invoker Invoker
}

func NewRedisScheduler(client *redis.Client, cfg RedisConfig) *RedisScheduler {
	if cfg.Key == "" {
		cfg.Key = defaultRedisKey
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = defaultClaimBatch
	}
	return &RedisScheduler{
		client: client,
		cfg:    cfg,
		clock:  time.Now,
	}
}

// Bind sets the invoker used for due retries.
func (s *RedisScheduler) Bind(inv Invoker) *RedisScheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoker = inv
	return s
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *RedisScheduler) WithMetrics(sink MetricsSink) *RedisScheduler {
	s.metrics = sink
	return s
}

func (s *RedisScheduler) ScheduleRetry(ctx context.Context, code string, delay time.Duration) error {
	if err := validateDelay(delay); err != nil {
		return err
	}

	job := Job{
		ID:        uuid.NewString(),
		Code:      code,
		NotBefore: s.clock().UTC().Add(delay),
		Source:    SourceRetry,
	}
	member, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode retry: %w", err)
	}

	if err := s.client.ZAdd(ctx, s.cfg.Key, redis.Z{
		Score:  float64(job.NotBefore.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RetryScheduled(code)
	}
	log.Printf("retry: code=%s scheduled in %ds (redis, not_before=%s)",
		code, roundedSeconds(delay), job.NotBefore.Format(time.RFC3339))
	return nil
}

// Run polls for due retries until ctx is cancelled.
func (s *RedisScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	log.Printf("retry: redis poller started (key=%s, interval=%s)", s.cfg.Key, s.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Println("retry: redis poller stopped")
			return
		case <-ticker.C:
			if n, err := s.poll(ctx); err != nil {
				log.Printf("retry: poll error: %v", err)
			} else if n > 0 {
				log.Printf("retry: processed %d due retries", n)
			}
		}
	}
}

func (s *RedisScheduler) poll(ctx context.Context) (int, error) {
	s.mu.Lock()
	inv := s.invoker
	s.mu.Unlock()
	if inv == nil {
		return 0, ErrNotBound
	}

	now := s.clock().UTC()
	members, err := s.client.ZRangeByScore(ctx, s.cfg.Key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(s.cfg.ClaimBatch),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	processed := 0
	for _, raw := range members {
		if ctx.Err() != nil {
			return processed, nil
		}

		removed, err := s.client.ZRem(ctx, s.cfg.Key, raw).Result()
		if err != nil {
			return processed, fmt.Errorf("redis zrem: %w", err)
		}
		if removed == 0 {
			// claimed by another poller
			continue
		}

		job, err := decodeJob(raw)
		if err != nil {
			log.Printf("retry: discarding malformed entry %q: %v", raw, err)
			continue
		}

		fire(inv, s.metrics, job.Code)
		processed++
	}
	return processed, nil
}
