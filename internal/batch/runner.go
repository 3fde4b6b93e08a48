package batch

import (
	"context"
	"log/slog"

	"github.com/pavelanni/mathgrader/internal/model"
)

// MaxAttempts is how many times one submission is tried.
const MaxAttempts = 2

// Grader grades and resets stored submissions.
type Grader interface {
	Grade(ctx context.Context, id string) (*model.GradingResult, error)
	ResetSubmission(ctx context.Context, id string) error
}

// Runner works through a batch strictly one submission at a time.
type Runner struct {
	grader Grader
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(g Grader, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{grader: g, logger: logger}
}

// Run processes st until its queue is empty or it is cancelled, then marks it
// finished and returns the submissions that were not graded: failed ones,
// then unattempted ones. A failed submission is reset and tried once more.
// Cancellation is checked before each new submission, never mid-grade.
func (r *Runner) Run(ctx context.Context, st *State) []string {
	st.Begin()
	for {
		if ctx.Err() != nil {
			st.Cancel()
		}
		id, ok := st.Next()
		if !ok {
			break
		}
		r.gradeOne(ctx, st, id)
	}
	owed := st.Finish()
	p := st.Progress()
	r.logger.Info("batch finished", "batch", st.ID(), "completed", p.Completed,
		"needs_review", p.NeedsReview, "failed", p.Failed, "dropped", p.Dropped, "status", p.Status)
	return owed
}

func (r *Runner) gradeOne(ctx context.Context, st *State, id string) {
	for {
		n := st.Attempt(id)
		if n > 1 {
			if err := r.grader.ResetSubmission(ctx, id); err != nil {
				r.logger.Warn("cannot reset for retry", "batch", st.ID(), "submission", id, "error", err)
				st.Fail(id)
				return
			}
		}
		res, err := r.grader.Grade(ctx, id)
		switch {
		case err != nil:
			r.logger.Warn("batch grade failed", "batch", st.ID(), "submission", id, "attempt", n, "error", err)
		case !res.Success:
			r.logger.Warn("batch grade failed", "batch", st.ID(), "submission", id, "attempt", n, "reason", res.Error)
		default:
			st.Succeed(id, res.NeedsReview)
			return
		}
		if n >= MaxAttempts || ctx.Err() != nil {
			st.Fail(id)
			return
		}
	}
}
