// Package review tracks how often graded submissions are flagged for human
// review over a sliding window, and alerts when the rate climbs.
package review

import (
	"context"
	"sync"
	"time"
)

// Stats is the review rate over the tracker's window.
type Stats struct {
	Window      time.Duration `json:"window"`
	Total       int64         `json:"total"`
	NeedsReview int64         `json:"needs_review"`
	Rate        float64       `json:"rate"`
}

func (s *Stats) computeRate() {
	s.Rate = 0
	if s.Total > 0 {
		s.Rate = float64(s.NeedsReview) / float64(s.Total)
	}
}

// Tracker records review outcomes and reports the windowed rate.
type Tracker interface {
	Record(ctx context.Context, needsReview bool) error
	Stats(ctx context.Context) (Stats, error)
}

type bucket struct {
	index  int64
	total  int64
	review int64
}

// MemoryTracker is a time-bucketed ring buffer. Stale buckets are cleared
// lazily when they are next touched.
type MemoryTracker struct {
	mu         sync.Mutex
	bucketSize time.Duration
	buckets    []bucket
	now        func() time.Time
}

// NewMemoryTracker covers window with n buckets.
func NewMemoryTracker(window time.Duration, n int) *MemoryTracker {
	if n <= 0 {
		n = 60
	}
	size := window / time.Duration(n)
	if size <= 0 {
		size = time.Second
	}
	return &MemoryTracker{bucketSize: size, buckets: make([]bucket, n), now: time.Now}
}

func (m *MemoryTracker) slot(t time.Time) (int64, *bucket) {
	idx := t.UnixNano() / int64(m.bucketSize)
	b := &m.buckets[idx%int64(len(m.buckets))]
	if b.index != idx {
		*b = bucket{index: idx}
	}
	return idx, b
}

func (m *MemoryTracker) Record(_ context.Context, needsReview bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, b := m.slot(m.now())
	b.total++
	if needsReview {
		b.review++
	}
	return nil
}

func (m *MemoryTracker) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.now().UnixNano() / int64(m.bucketSize)
	oldest := cur - int64(len(m.buckets)) + 1
	st := Stats{Window: m.bucketSize * time.Duration(len(m.buckets))}
	for i := range m.buckets {
		b := &m.buckets[i]
		if b.index < oldest || b.index > cur {
			*b = bucket{}
			continue
		}
		st.Total += b.total
		st.NeedsReview += b.review
	}
	st.computeRate()
	return st, nil
}
