package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pavelanni/mathgrader/internal/ledger"
	"github.com/pavelanni/mathgrader/internal/model"
)

var (
	// ErrNotFound is returned for an unknown batch ID.
	ErrNotFound = errors.New("batch not found")
	// ErrEmpty is returned when starting a batch with no submissions.
	ErrEmpty = errors.New("batch has no submissions")
	// ErrBusy is returned when the user already has a running batch.
	ErrBusy = errors.New("a batch is already running for this user")
	// ErrNotEligible is returned when a submission cannot join a batch.
	ErrNotEligible = errors.New("submission cannot be batch graded")
)

// Options are per-batch switches.
type Options struct {
	GenerateFeedback bool `json:"generate_feedback"`
}

// Source looks up submissions before a batch is accepted.
type Source interface {
	GetSubmission(ctx context.Context, id string) (model.Submission, error)
}

type run struct {
	state  *State
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[chan Progress]struct{}
	closed bool
}

// Manager owns the running and finished batches of this process.
type Manager struct {
	runner *Runner
	source Source
	ledger *ledger.Ledger
	logger *slog.Logger

	mu     sync.Mutex
	runs   map[string]*run
	active map[string]string
	wg     sync.WaitGroup
}

// NewManager creates a Manager. A nil ledger disables charging.
func NewManager(r *Runner, src Source, l *ledger.Ledger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: r,
		source: src,
		ledger: l,
		logger: logger,
		runs:   make(map[string]*run),
		active: make(map[string]string),
	}
}

// Start reserves the cost of grading ids with one debit referenced by the new
// batch ID and launches the run in the background. The run outlives ctx; use
// Cancel to stop it.
func (m *Manager) Start(ctx context.Context, userID string, ids []string, opts Options) (string, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return "", ErrEmpty
	}
	for _, id := range ids {
		sub, err := m.source.GetSubmission(ctx, id)
		if err != nil {
			return "", fmt.Errorf("submission %s: %w", id, err)
		}
		if sub.UserID != userID || sub.Status != model.SubmissionPending {
			return "", fmt.Errorf("submission %s (%s): %w", id, sub.Status, ErrNotEligible)
		}
	}

	m.mu.Lock()
	if _, busy := m.active[userID]; busy {
		m.mu.Unlock()
		return "", ErrBusy
	}
	id := uuid.NewString()
	m.active[userID] = id
	m.mu.Unlock()

	var reserved int64
	if m.ledger != nil {
		err := m.ledger.EnsureSignupBonus(ctx, userID)
		if err == nil {
			reserved = ledger.CalculateCost(len(ids), opts.GenerateFeedback, m.ledger.Pricing())
		}
		if err == nil && reserved > 0 {
			_, err = m.ledger.Debit(ctx, userID, reserved, model.OpSubmissionDebit, id)
		}
		if err != nil {
			m.mu.Lock()
			delete(m.active, userID)
			m.mu.Unlock()
			return "", err
		}
	}

	st := NewState(id, userID, ids, reserved)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{state: st, done: make(chan struct{}), cancel: cancel, subs: make(map[chan Progress]struct{})}
	st.OnChange(r.publish)

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()

	m.logger.Info("batch started", "batch", id, "user", userID, "submissions", len(ids), "reserved", reserved)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		owed := m.runner.Run(runCtx, st)
		m.settle(runCtx, st, owed)
		m.mu.Lock()
		delete(m.active, userID)
		m.mu.Unlock()
		r.closeSubs()
		close(r.done)
	}()
	return id, nil
}

// settle refunds the owed submissions their share of the reservation.
func (m *Manager) settle(ctx context.Context, st *State, owed []string) {
	p := st.Progress()
	if m.ledger == nil || p.Reserved == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i, share := range ledger.RefundShares(p.Reserved, p.Total, len(owed)) {
		if share == 0 {
			st.AddRefund(0)
			continue
		}
		ref := st.ID() + ":" + owed[i]
		if _, err := m.ledger.Refund(ctx, st.UserID(), share, ref); err != nil {
			m.logger.Error("failed to refund batch item", "batch", st.ID(), "submission", owed[i], "amount", share, "error", err)
			continue
		}
		st.AddRefund(share)
	}
}

func (m *Manager) get(id string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Get returns the progress of a batch.
func (m *Manager) Get(id string) (Progress, error) {
	r, err := m.get(id)
	if err != nil {
		return Progress{}, err
	}
	return r.state.Progress(), nil
}

// Owner returns the user who started a batch.
func (m *Manager) Owner(id string) (string, error) {
	r, err := m.get(id)
	if err != nil {
		return "", err
	}
	return r.state.UserID(), nil
}

// Attempts returns how many times each submission of a batch was tried.
func (m *Manager) Attempts(id string) (map[string]int, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.state.Attempts(), nil
}

// Cancel stops a batch before its next submission. Cancelling a finished
// batch is a no-op.
func (m *Manager) Cancel(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	if r.state.Cancel() {
		m.logger.Info("batch cancel requested", "batch", id)
	}
	return nil
}

// Subscribe streams progress of a batch. The channel starts with the current
// progress and is closed when the batch finishes or unsubscribe is called.
// Slow readers miss intermediate updates but always see the latest one.
func (m *Manager) Subscribe(id string) (<-chan Progress, func(), error) {
	r, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Progress, 16)
	r.mu.Lock()
	defer r.mu.Unlock()
	ch <- r.state.Progress()
	if r.closed {
		close(ch)
		return ch, func() {}, nil
	}
	r.subs[ch] = struct{}{}
	return ch, func() { r.unsubscribe(ch) }, nil
}

// Wait blocks until the batch finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Progress, error) {
	r, err := m.get(id)
	if err != nil {
		return Progress{}, err
	}
	select {
	case <-r.done:
		return r.state.Progress(), nil
	case <-ctx.Done():
		return r.state.Progress(), ctx.Err()
	}
}

// Close cancels every running batch and waits for them to settle.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, r := range m.runs {
		r.state.Cancel()
		r.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (r *run) publish(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- p:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
}

func (r *run) unsubscribe(ch chan Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}

func (r *run) closeSubs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
