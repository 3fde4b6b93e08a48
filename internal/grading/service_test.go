package grading

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/mathgrader/internal/ledger"
	"github.com/pavelanni/mathgrader/internal/model"
	"github.com/pavelanni/mathgrader/internal/provider"
	"github.com/pavelanni/mathgrader/internal/store"
)

func newTestService(t *testing.T, solvers ...provider.Solver) (*Service, *store.Store, *ledger.Ledger) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	l := ledger.New(s)
	o := New(solvers, nil, testPrompts(t), WithRecorder(s))
	return NewService(s, o, l, nil), s, l
}

func createSubmission(t *testing.T, s *store.Store, opts model.GradingOptions) string {
	t.Helper()
	sub := model.Submission{
		UserID:  "u1",
		Image:   model.Image{Data: []byte{0xFF, 0xD8, 0xFF}, MIME: "image/jpeg"},
		Options: opts,
	}
	if err := s.CreateSubmission(context.Background(), &sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	return sub.ID
}

func grant(t *testing.T, l *ledger.Ledger, n int64) {
	t.Helper()
	if _, err := l.Grant(context.Background(), "u1", n, "test"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func TestGradeSubmissionCharges(t *testing.T) {
	ctx := context.Background()
	svc, s, l := newTestService(t, &fakeSolver{name: "p", reply: replyWith(twoQuestions)})
	grant(t, l, 5)
	id := createSubmission(t, s, model.GradingOptions{})

	res, err := svc.GradeSubmission(ctx, "u1", id)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: %s", res.Error)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 4 {
		t.Errorf("balance = %d, want 4", bal)
	}
	sub, _ := s.GetSubmission(ctx, id)
	if sub.Status != model.SubmissionCompleted || sub.Attempts != 1 || sub.Result == nil {
		t.Errorf("submission = %q attempts %d result %v", sub.Status, sub.Attempts, sub.Result != nil)
	}
	calls, _ := s.ProviderCalls(ctx, id)
	if len(calls) != 1 {
		t.Errorf("recorded %d provider calls, want 1", len(calls))
	}

	if _, err := svc.GradeSubmission(ctx, "u1", id); !errors.Is(err, ErrNotPending) {
		t.Errorf("regrade = %v, want ErrNotPending", err)
	}
}

func TestGradeSubmissionRefundsFailure(t *testing.T) {
	ctx := context.Background()
	failing := &fakeSolver{name: "p", reply: failWith(provider.Transient("p", errors.New("503")))}
	svc, s, l := newTestService(t, failing)
	grant(t, l, 3)
	id := createSubmission(t, s, model.GradingOptions{GenerateFeedback: true})

	res, err := svc.GradeSubmission(ctx, "u1", id)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if res.Success {
		t.Fatal("expected a failed run")
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 3 {
		t.Errorf("balance = %d, want 3 after refund", bal)
	}
	entries, _ := l.Entries(ctx, "u1")
	if err := ledger.Verify(entries); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if n := len(entries); n != 3 || entries[1].Amount != -2 || entries[2].Operation != model.OpRefund {
		t.Errorf("entries = %+v", entries)
	}

	// Reset and a second failed attempt refund under a new reference.
	if err := svc.ResetSubmission(ctx, id); err != nil {
		t.Fatalf("ResetSubmission: %v", err)
	}
	if _, err := svc.GradeSubmission(ctx, "u1", id); err != nil {
		t.Fatalf("second GradeSubmission: %v", err)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 3 {
		t.Errorf("balance = %d, want 3 after second refund", bal)
	}
}

// pairedReads holds the first two GetSubmission calls until both have read
// the row, so two requests see the same pending submission.
type pairedReads struct {
	*store.Store
	n    atomic.Int32
	both sync.WaitGroup
}

func newPairedReads(s *store.Store) *pairedReads {
	p := &pairedReads{Store: s}
	p.both.Add(2)
	return p
}

func (p *pairedReads) GetSubmission(ctx context.Context, id string) (model.Submission, error) {
	sub, err := p.Store.GetSubmission(ctx, id)
	if p.n.Add(1) <= 2 {
		p.both.Done()
		p.both.Wait()
	}
	return sub, err
}

func TestGradeSubmissionConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	slow := &fakeSolver{name: "p", reply: func(context.Context, provider.SolveRequest) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "", provider.Transient("p", errors.New("503"))
	}}
	l := ledger.New(s)
	svc := NewService(newPairedReads(s), New([]provider.Solver{slow}, nil, testPrompts(t)), l, nil)
	grant(t, l, 5)
	id := createSubmission(t, s, model.GradingOptions{})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.GradeSubmission(ctx, "u1", id)
		}()
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, store.ErrStatusConflict):
			conflicts++
		default:
			t.Errorf("GradeSubmission: %v", err)
		}
	}
	if conflicts != 1 {
		t.Errorf("conflicts = %d, want 1 (errors %v)", conflicts, errs)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 5 {
		t.Errorf("balance = %d, want 5 after both refunds", bal)
	}
	entries, _ := l.Entries(ctx, "u1")
	if err := ledger.Verify(entries); err != nil {
		t.Errorf("Verify: %v", err)
	}
	refs := map[string]bool{}
	for _, e := range entries {
		if e.Operation == model.OpRefund {
			refs[e.ReferenceID] = true
		}
	}
	if len(refs) != 2 {
		t.Errorf("refund references = %v, want two distinct", refs)
	}
}

func TestGradeSubmissionInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	solver := &fakeSolver{name: "p", reply: replyWith(twoQuestions)}
	svc, s, _ := newTestService(t, solver)
	id := createSubmission(t, s, model.GradingOptions{})

	_, err := svc.GradeSubmission(ctx, "u1", id)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("GradeSubmission() = %v, want ErrInsufficientBalance", err)
	}
	sub, _ := s.GetSubmission(ctx, id)
	if sub.Status != model.SubmissionPending {
		t.Errorf("status = %q, want pending", sub.Status)
	}
	if solver.calls() != 0 {
		t.Error("solver called without funds")
	}
}

func TestResetSubmission(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t, &fakeSolver{name: "p", reply: replyWith(twoQuestions)})
	id := createSubmission(t, s, model.GradingOptions{})

	if err := svc.ResetSubmission(ctx, id); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("reset pending = %v, want ErrNotRetryable", err)
	}
	if _, err := svc.Grade(ctx, id); err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if err := svc.ResetSubmission(ctx, id); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("reset completed = %v, want ErrNotRetryable", err)
	}
	if err := svc.ResetSubmission(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("reset missing = %v, want ErrNotFound", err)
	}
}

func TestFeedback(t *testing.T) {
	ctx := context.Background()
	reply := `{"readability_confidence": 0.9, "questions": [
	 {"number": 1, "problem": "9 + 3", "student_answer": "11", "correct_answer": "12", "is_correct": false, "points_awarded": 0, "confidence": 0.9},
	 {"number": 2, "problem": "1 + 1", "student_answer": "2", "correct_answer": "2", "is_correct": true, "points_awarded": 1, "confidence": 0.9}]}`
	svc, s, l := newTestService(t, &fakeSolver{name: "p", reply: feedbackAware(reply)})
	grant(t, l, 1)
	id := createSubmission(t, s, model.GradingOptions{})

	if _, err := svc.FeedbackStatus(ctx, id); !errors.Is(err, ErrNotGraded) {
		t.Errorf("FeedbackStatus before grading = %v, want ErrNotGraded", err)
	}
	if _, err := svc.Grade(ctx, id); err != nil {
		t.Fatalf("Grade: %v", err)
	}

	st, err := svc.FeedbackStatus(ctx, id)
	if err != nil {
		t.Fatalf("FeedbackStatus: %v", err)
	}
	if len(st.Missing) != 1 || st.Missing[0] != 1 || len(st.Explained) != 0 {
		t.Errorf("status = %+v", st)
	}

	res, err := svc.GenerateFeedback(ctx, "u1", id, "en")
	if err != nil {
		t.Fatalf("GenerateFeedback: %v", err)
	}
	if res.Questions[0].Explanation == "" {
		t.Error("expected an explanation")
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}

	st, _ = svc.FeedbackStatus(ctx, id)
	if len(st.Missing) != 0 || len(st.Explained) != 1 {
		t.Errorf("status after generation = %+v", st)
	}
	// Nothing left to explain: no charge, no error at zero balance.
	if _, err := svc.GenerateFeedback(ctx, "u1", id, "en"); err != nil {
		t.Errorf("second GenerateFeedback: %v", err)
	}
}

func TestGenerateFeedbackRefundsFailure(t *testing.T) {
	ctx := context.Background()
	reply := `{"readability_confidence": 0.9, "questions": [
	 {"number": 1, "problem": "9 + 3", "student_answer": "11", "correct_answer": "12", "is_correct": false, "points_awarded": 0, "confidence": 0.9}]}`
	broken := func(_ context.Context, req provider.SolveRequest) (string, error) {
		if req.Image == nil {
			return "{}", nil
		}
		return reply, nil
	}
	svc, s, l := newTestService(t, &fakeSolver{name: "p", reply: broken})
	grant(t, l, 2)
	id := createSubmission(t, s, model.GradingOptions{})
	if _, err := svc.Grade(ctx, id); err != nil {
		t.Fatalf("Grade: %v", err)
	}

	if _, err := svc.GenerateFeedback(ctx, "u1", id, ""); !errors.Is(err, ErrNoExplanation) {
		t.Fatalf("GenerateFeedback() = %v, want ErrNoExplanation", err)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 2 {
		t.Errorf("balance = %d, want 2 after refund", bal)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		res  *model.GradingResult
		want model.SubmissionStatus
	}{
		{nil, model.SubmissionFailed},
		{&model.GradingResult{Success: false}, model.SubmissionFailed},
		{&model.GradingResult{Success: true, NeedsReview: true}, model.SubmissionNeedsReview},
		{&model.GradingResult{Success: true}, model.SubmissionCompleted},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.res); got != tt.want {
			t.Errorf("StatusFor(%+v) = %q, want %q", tt.res, got, tt.want)
		}
	}
}
