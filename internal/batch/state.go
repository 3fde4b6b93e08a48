// Package batch grades many submissions one after another with retry,
// cancellation and progress reporting.
package batch

import (
	"sync"
	"time"
)

// Status is the lifecycle of a batch run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Progress is a point-in-time view of a batch.
type Progress struct {
	BatchID     string        `json:"batch_id"`
	Status      Status        `json:"status"`
	Total       int           `json:"total"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	NeedsReview int           `json:"needs_review"`
	Remaining   int           `json:"remaining"`
	Dropped     int           `json:"dropped"`
	Current     string        `json:"current,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	ETA         time.Duration `json:"eta"`
	Reserved    int64         `json:"reserved"`
	Refunded    int64         `json:"refunded"`
	// UnrefundedItems counts owed items whose share of a discounted
	// reservation rounded down to zero tokens.
	UnrefundedItems int `json:"unrefunded_items"`
}

// Done reports whether the batch has stopped.
func (p Progress) Done() bool {
	return p.Status == StatusCompleted || p.Status == StatusCancelled
}

// State is the mutable record of one batch. All access goes through its
// methods; each change is pushed to the notify hook.
type State struct {
	mu sync.Mutex

	id       string
	userID   string
	status   Status
	queue    []string
	current  string
	total    int
	attempts map[string]int

	completed   []string
	failed      []string
	needsReview []string
	dropped     []string
	cancelled   bool

	startedAt  time.Time
	finishedAt time.Time
	reserved   int64
	refunded   int64
	zeroShares int

	notify func(Progress)
}

// NewState creates an idle batch over ids.
func NewState(id, userID string, ids []string, reserved int64) *State {
	return &State{
		id:       id,
		userID:   userID,
		status:   StatusIdle,
		queue:    append([]string(nil), ids...),
		total:    len(ids),
		attempts: make(map[string]int, len(ids)),
		reserved: reserved,
	}
}

// ID returns the batch ID.
func (s *State) ID() string { return s.id }

// UserID returns the owner of the batch.
func (s *State) UserID() string { return s.userID }

// OnChange sets the hook that receives a Progress after every change.
func (s *State) OnChange(fn func(Progress)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *State) changed() {
	p := s.progressLocked(time.Now())
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Begin marks the batch running.
func (s *State) Begin() {
	s.mu.Lock()
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.changed()
}

// Next pops the next submission. It returns false once the queue is empty or
// the batch was cancelled.
func (s *State) Next() (string, bool) {
	s.mu.Lock()
	if s.cancelled || len(s.queue) == 0 {
		s.current = ""
		s.mu.Unlock()
		return "", false
	}
	s.current, s.queue = s.queue[0], s.queue[1:]
	id := s.current
	s.changed()
	return id, true
}

// Attempt counts one grading attempt of id and returns the attempt number.
func (s *State) Attempt(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[id]++
	return s.attempts[id]
}

// Succeed records a successful grade.
func (s *State) Succeed(id string, needsReview bool) {
	s.mu.Lock()
	if needsReview {
		s.needsReview = append(s.needsReview, id)
	} else {
		s.completed = append(s.completed, id)
	}
	s.current = ""
	s.changed()
}

// Fail records a submission that could not be graded.
func (s *State) Fail(id string) {
	s.mu.Lock()
	s.failed = append(s.failed, id)
	s.current = ""
	s.changed()
}

// Cancel asks the run to stop before the next submission. It returns false
// when the batch has already finished.
func (s *State) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCompleted || s.status == StatusCancelled {
		return false
	}
	s.cancelled = true
	return true
}

// Finish marks the batch stopped, drops whatever is still queued and returns
// the submissions owed a refund: failed ones first, then dropped ones.
func (s *State) Finish() []string {
	s.mu.Lock()
	s.status = StatusCompleted
	if s.cancelled {
		s.status = StatusCancelled
	}
	s.current = ""
	s.finishedAt = time.Now()
	s.dropped = append(s.dropped, s.queue...)
	s.queue = nil
	owed := append(append([]string(nil), s.failed...), s.dropped...)
	s.changed()
	return owed
}

// AddRefund records a refunded amount. A zero amount records an owed item
// whose share rounded down to nothing.
func (s *State) AddRefund(n int64) {
	s.mu.Lock()
	if n == 0 {
		s.zeroShares++
	}
	s.refunded += n
	s.changed()
}

// Attempts returns a copy of the attempt counts.
func (s *State) Attempts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.attempts))
	for k, v := range s.attempts {
		out[k] = v
	}
	return out
}

// Progress returns the current view.
func (s *State) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked(time.Now())
}

func (s *State) progressLocked(now time.Time) Progress {
	p := Progress{
		BatchID:     s.id,
		Status:      s.status,
		Total:       s.total,
		Completed:   len(s.completed),
		Failed:      len(s.failed),
		NeedsReview: len(s.needsReview),
		Remaining:   len(s.queue),
		Dropped:     len(s.dropped),
		Current:     s.current,
		Reserved:    s.reserved,
		Refunded:    s.refunded,

		UnrefundedItems: s.zeroShares,
	}
	if s.current != "" {
		p.Remaining++
	}
	if s.startedAt.IsZero() {
		return p
	}
	end := now
	if !s.finishedAt.IsZero() {
		end = s.finishedAt
	}
	p.Elapsed = end.Sub(s.startedAt)
	processed := p.Completed + p.Failed + p.NeedsReview
	if processed > 0 && !p.Done() {
		p.ETA = p.Elapsed / time.Duration(processed) * time.Duration(p.Remaining)
	}
	return p
}
