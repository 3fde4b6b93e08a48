package review

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker shares the review rate between instances. Each bucket is a
// hash with total and review counters that expires once it leaves the window.
type RedisTracker struct {
	client     *redis.Client
	prefix     string
	bucketSize time.Duration
	n          int
	now        func() time.Time
}

// NewRedisTracker covers window with n buckets stored under prefix.
func NewRedisTracker(client *redis.Client, prefix string, window time.Duration, n int) *RedisTracker {
	if n <= 0 {
		n = 60
	}
	size := window / time.Duration(n)
	if size <= 0 {
		size = time.Second
	}
	if prefix == "" {
		prefix = "mathgrader:review"
	}
	return &RedisTracker{client: client, prefix: prefix, bucketSize: size, n: n, now: time.Now}
}

func (r *RedisTracker) bucketKey(idx int64) string {
	return fmt.Sprintf("%s:%d", r.prefix, idx)
}

func (r *RedisTracker) index(t time.Time) int64 {
	return t.UnixNano() / int64(r.bucketSize)
}

func (r *RedisTracker) Record(ctx context.Context, needsReview bool) error {
	key := r.bucketKey(r.index(r.now()))
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	if needsReview {
		pipe.HIncrBy(ctx, key, "review", 1)
	}
	pipe.Expire(ctx, key, r.bucketSize*time.Duration(r.n+1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record review outcome: %w", err)
	}
	return nil
}

func (r *RedisTracker) Stats(ctx context.Context) (Stats, error) {
	cur := r.index(r.now())
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, r.n)
	for i := range r.n {
		cmds[i] = pipe.HGetAll(ctx, r.bucketKey(cur-int64(i)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("read review buckets: %w", err)
	}

	st := Stats{Window: r.bucketSize * time.Duration(r.n)}
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			continue
		}
		total, _ := strconv.ParseInt(fields["total"], 10, 64)
		review, _ := strconv.ParseInt(fields["review"], 10, 64)
		st.Total += total
		st.NeedsReview += review
	}
	st.computeRate()
	return st, nil
}
