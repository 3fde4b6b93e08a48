package review

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRedisTracker(t *testing.T, c *clock) *RedisTracker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	tr := NewRedisTracker(client, "test:review", time.Minute, 6)
	tr.now = c.now
	return tr
}

func newTestMemoryTracker(c *clock) *MemoryTracker {
	tr := NewMemoryTracker(time.Minute, 6)
	tr.now = c.now
	return tr
}

func TestTrackers(t *testing.T) {
	impls := map[string]func(t *testing.T, c *clock) Tracker{
		"memory": func(_ *testing.T, c *clock) Tracker { return newTestMemoryTracker(c) },
		"redis":  func(t *testing.T, c *clock) Tracker { return newTestRedisTracker(t, c) },
	}
	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			tr := mk(t, c)

			st, err := tr.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if st.Total != 0 || st.Rate != 0 || st.Window != time.Minute {
				t.Errorf("empty stats = %+v", st)
			}

			for _, r := range []bool{true, false, false, true} {
				if err := tr.Record(ctx, r); err != nil {
					t.Fatalf("Record: %v", err)
				}
			}
			c.advance(25 * time.Second)
			if err := tr.Record(ctx, false); err != nil {
				t.Fatalf("Record: %v", err)
			}

			st, _ = tr.Stats(ctx)
			if st.Total != 5 || st.NeedsReview != 2 || st.Rate != 0.4 {
				t.Errorf("stats = %+v, want 2 of 5", st)
			}

			// The first four fall out of the one-minute window.
			c.advance(50 * time.Second)
			st, _ = tr.Stats(ctx)
			if st.Total != 1 || st.NeedsReview != 0 {
				t.Errorf("stats after window = %+v, want 0 of 1", st)
			}

			c.advance(time.Hour)
			st, _ = tr.Stats(ctx)
			if st.Total != 0 {
				t.Errorf("stats after an hour = %+v", st)
			}
		})
	}
}

func TestMemoryTrackerReusesSlots(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	tr := newTestMemoryTracker(c)

	_ = tr.Record(ctx, true)
	// Same ring slot, one full window later.
	c.advance(time.Minute)
	_ = tr.Record(ctx, false)

	st, _ := tr.Stats(ctx)
	if st.Total != 1 || st.NeedsReview != 0 {
		t.Errorf("stats = %+v, want the stale bucket cleared", st)
	}
}

func TestMonitorCheck(t *testing.T) {
	ctx := context.Background()
	tr := newTestMemoryTracker(newClock())
	var alerts []Stats
	m := NewMonitor(tr, time.Hour, 0.3, WithMinSamples(4), WithAlert(func(st Stats) { alerts = append(alerts, st) }))

	for _, r := range []bool{true, true, false} {
		_ = tr.Record(ctx, r)
	}
	if _, fired, _ := m.Check(ctx); fired {
		t.Error("alert fired below the minimum sample size")
	}
	_ = tr.Record(ctx, false)
	st, fired, err := m.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !fired || len(alerts) != 1 || st.Rate != 0.5 {
		t.Errorf("fired = %v alerts = %d rate = %v", fired, len(alerts), st.Rate)
	}
}

func TestMonitorStartStop(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker(time.Minute, 6)
	for range 10 {
		_ = tr.Record(ctx, true)
	}
	fired := make(chan Stats, 1)
	m := NewMonitor(tr, 5*time.Millisecond, 0.5, WithAlert(func(st Stats) {
		select {
		case fired <- st:
		default:
		}
	}))

	m.Start(ctx)
	m.Start(ctx)
	select {
	case st := <-fired:
		if st.Rate != 1 {
			t.Errorf("alert rate = %v, want 1", st.Rate)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never alerted")
	}
	m.Stop()
	m.Stop()
}
