package review

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor periodically checks a tracker and alerts when the review rate
// exceeds a threshold.
type Monitor struct {
	tracker    Tracker
	interval   time.Duration
	threshold  float64
	minSamples int64
	alert      func(Stats)
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithAlert replaces the default alert, which logs a warning.
func WithAlert(fn func(Stats)) MonitorOption {
	return func(m *Monitor) { m.alert = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithMinSamples suppresses alerts until the window holds n results.
func WithMinSamples(n int64) MonitorOption {
	return func(m *Monitor) { m.minSamples = n }
}

// NewMonitor creates a monitor that checks every interval.
func NewMonitor(t Tracker, interval time.Duration, threshold float64, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		tracker:    t,
		interval:   interval,
		threshold:  threshold,
		minSamples: 10,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.alert == nil {
		m.alert = func(st Stats) {
			m.logger.Warn("review rate above threshold",
				"rate", st.Rate, "threshold", threshold, "needs_review", st.NeedsReview, "total", st.Total, "window", st.Window)
		}
	}
	return m
}

// Check reads the current stats and alerts if they cross the threshold.
func (m *Monitor) Check(ctx context.Context) (Stats, bool, error) {
	st, err := m.tracker.Stats(ctx)
	if err != nil {
		return st, false, err
	}
	if st.Total < m.minSamples || st.Rate <= m.threshold {
		return st, false, nil
	}
	m.alert(st)
	return st, true, nil
}

// Start runs checks in the background until Stop or ctx is done. Starting a
// running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("review rate check failed", "error", err)
			}
		}
	}
}

// Stop halts the background checks and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
