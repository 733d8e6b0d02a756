package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/opsflow/internal/testutil"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestJobEncoding(t *testing.T) {
	in := Job{
		ID:        "6f1c",
		Code:      "dropbox-sync",
		NotBefore: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Source:    SourceRetry,
	}
	raw, err := encodeJob(in)
	require.NoError(t, err)
	assert.Contains(t, raw, `"source":"retry"`)

	out, err := decodeJob(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Code, out.Code)
	assert.True(t, in.NotBefore.Equal(out.NotBefore))
}

func TestDecodeJob_Malformed(t *testing.T) {
	_, err := decodeJob("not json")
	assert.Error(t, err)

	_, err = decodeJob(`{"id":"1"}`)
	assert.Error(t, err)
}

func TestRedisScheduler_ValidatesBeforeWriting(t *testing.T) {
	// nil client: validation must fail before any redis call is attempted
	s := NewRedisScheduler(nil, RedisConfig{})
	err := s.ScheduleRetry(context.Background(), "dropbox-sync", 0)
	assert.ErrorIs(t, err, ErrInvalidDelay)
}

func TestRedisScheduler_Defaults(t *testing.T) {
	s := NewRedisScheduler(nil, RedisConfig{})
	assert.Equal(t, defaultRedisKey, s.cfg.Key)
	assert.Equal(t, defaultPollInterval, s.cfg.PollInterval)
	assert.Equal(t, defaultClaimBatch, s.cfg.ClaimBatch)
}

func TestRedisScheduler_PollRequiresInvoker(t *testing.T) {
	s := NewRedisScheduler(nil, RedisConfig{})
	_, err := s.poll(context.Background())
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestRedisScheduler_StoresJobScoredByNotBefore(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := testutil.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	metrics := &recordingMetrics{}
	s := NewRedisScheduler(client, RedisConfig{Key: "test:retries"}).WithMetrics(metrics)
	s.clock = clock.Now

	require.NoError(t, s.ScheduleRetry(context.Background(), "dropbox-sync", 15*time.Minute))

	members, err := mr.ZMembers("test:retries")
	require.NoError(t, err)
	require.Len(t, members, 1)

	score, err := mr.ZScore("test:retries", members[0])
	require.NoError(t, err)
	want := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	assert.Equal(t, float64(want.UnixMilli()), score)

	job, err := decodeJob(members[0])
	require.NoError(t, err)
	assert.Equal(t, "dropbox-sync", job.Code)
	assert.Equal(t, SourceRetry, job.Source)
	assert.True(t, job.NotBefore.Equal(want))
	assert.Equal(t, []string{"dropbox-sync"}, metrics.scheduled)
}

func TestRedisScheduler_FiresOnlyAfterNotBefore(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := testutil.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	inv := &recordingInvoker{}
	metrics := &recordingMetrics{}
	s := NewRedisScheduler(client, RedisConfig{Key: "test:retries"}).Bind(inv).WithMetrics(metrics)
	s.clock = clock.Now
	ctx := context.Background()

	require.NoError(t, s.ScheduleRetry(ctx, "dropbox-sync", 15*time.Minute))

	clock.Advance(14 * time.Minute)
	n, err := s.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due yet")
	assert.Empty(t, inv.codes)

	clock.Advance(time.Minute)
	n, err = s.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"dropbox-sync"}, inv.codes)
	assert.Equal(t, []error{nil}, metrics.fired)

	members, _ := mr.ZMembers("test:retries")
	assert.Empty(t, members, "claimed entry is removed")

	n, err = s.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, inv.codes, 1, "fires once")
}

func TestRedisScheduler_SkipsMalformedEntries(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := testutil.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	inv := &recordingInvoker{}
	s := NewRedisScheduler(client, RedisConfig{Key: "test:retries"}).Bind(inv)
	s.clock = clock.Now
	ctx := context.Background()

	due := float64(clock.Now().Add(-time.Minute).UnixMilli())
	_, err := mr.ZAdd("test:retries", due, "not json")
	require.NoError(t, err)
	_, err = mr.ZAdd("test:retries", due, `{"id":"x"}`)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleRetry(ctx, "caption-generation", time.Second))
	clock.Advance(time.Second)

	n, err := s.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"caption-generation"}, inv.codes)

	members, _ := mr.ZMembers("test:retries")
	assert.Empty(t, members, "malformed entries are discarded")
}

func TestRedisScheduler_ConcurrentPollersClaimOnce(t *testing.T) {
	_, client := newTestRedis(t)
	clock := testutil.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	inv := &recordingInvoker{}
	ctx := context.Background()

	var pollers []*RedisScheduler
	for i := 0; i < 2; i++ {
		s := NewRedisScheduler(client, RedisConfig{Key: "test:retries"}).Bind(inv)
		s.clock = clock.Now
		pollers = append(pollers, s)
	}

	for _, code := range []string{"dropbox-sync", "caption-generation", "post-scheduling"} {
		require.NoError(t, pollers[0].ScheduleRetry(ctx, code, time.Minute))
	}
	clock.Advance(time.Minute)

	var wg sync.WaitGroup
	counts := make([]int, len(pollers))
	for i, s := range pollers {
		wg.Add(1)
		go func(i int, s *RedisScheduler) {
			defer wg.Done()
			n, err := s.poll(ctx)
			assert.NoError(t, err)
			counts[i] = n
		}(i, s)
	}
	wg.Wait()

	assert.Equal(t, 3, counts[0]+counts[1])
	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.ElementsMatch(t, []string{"dropbox-sync", "caption-generation", "post-scheduling"}, inv.codes)
}

func TestRedisScheduler_ScheduleErrorWhenRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisScheduler(client, RedisConfig{})
	mr.Close()

	err := s.ScheduleRetry(context.Background(), "dropbox-sync", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis zadd")
}
