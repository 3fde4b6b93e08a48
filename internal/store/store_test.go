package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/mathgrader/internal/ledger"
	"github.com/pavelanni/mathgrader/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestSubmission(t *testing.T, s *Store, userID string) model.Submission {
	t.Helper()
	sub := model.Submission{
		UserID:    userID,
		Image:     model.Image{Data: []byte{0xFF, 0xD8, 0xFF, 0xE0}, MIME: "image/jpeg"},
		AnswerKey: map[int]string{1: "4", 2: "x = 3"},
		Options:   model.GradingOptions{ExtractName: true},
	}
	if err := s.CreateSubmission(context.Background(), &sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	return sub
}

func TestSubmissionCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub := insertTestSubmission(t, s, "u1")
	if sub.ID == "" {
		t.Fatal("expected an assigned ID")
	}
	if sub.Status != model.SubmissionPending {
		t.Errorf("status = %q, want pending", sub.Status)
	}

	got, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.UserID != "u1" || got.Image.MIME != "image/jpeg" || len(got.Image.Data) != 4 {
		t.Errorf("got %+v", got)
	}
	if got.AnswerKey[2] != "x = 3" {
		t.Errorf("answer key = %v", got.AnswerKey)
	}
	if !got.Options.ExtractName || got.Options.GenerateFeedback {
		t.Errorf("options = %+v", got.Options)
	}
	if got.Result != nil {
		t.Errorf("expected no result, got %+v", got.Result)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at")
	}

	if _, err := s.GetSubmission(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSubmission(missing) = %v, want ErrNotFound", err)
	}
}

func TestListSubmissions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := insertTestSubmission(t, s, "u1")
	insertTestSubmission(t, s, "u1")
	insertTestSubmission(t, s, "u2")
	if err := s.TransitionSubmission(ctx, a.ID, model.SubmissionGrading, model.SubmissionPending); err != nil {
		t.Fatalf("TransitionSubmission: %v", err)
	}

	tests := []struct {
		name     string
		user     string
		statuses []model.SubmissionStatus
		want     int
	}{
		{"all", "", nil, 3},
		{"by user", "u1", nil, 2},
		{"by status", "", []model.SubmissionStatus{model.SubmissionPending}, 2},
		{"by user and status", "u1", []model.SubmissionStatus{model.SubmissionGrading}, 1},
		{"several statuses", "u1", []model.SubmissionStatus{model.SubmissionGrading, model.SubmissionPending}, 2},
		{"nobody", "u3", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListSubmissions(ctx, tt.user, tt.statuses...)
			if err != nil {
				t.Fatalf("ListSubmissions: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("ListSubmissions() returned %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestTransitionSubmission(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sub := insertTestSubmission(t, s, "u1")

	if err := s.TransitionSubmission(ctx, sub.ID, model.SubmissionGrading, model.SubmissionPending); err != nil {
		t.Fatalf("to grading: %v", err)
	}
	err := s.TransitionSubmission(ctx, sub.ID, model.SubmissionGrading, model.SubmissionPending)
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("second grading transition = %v, want ErrStatusConflict", err)
	}
	if err := s.TransitionSubmission(ctx, sub.ID, model.SubmissionFailed, model.SubmissionGrading); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if err := s.TransitionSubmission(ctx, sub.ID, model.SubmissionPending, model.SubmissionFailed); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := s.TransitionSubmission(ctx, sub.ID, model.SubmissionGrading, model.SubmissionPending); err != nil {
		t.Fatalf("regrade: %v", err)
	}

	got, _ := s.GetSubmission(ctx, sub.ID)
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
	if err := s.TransitionSubmission(ctx, "missing", model.SubmissionGrading); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing transition = %v, want ErrNotFound", err)
	}
}

func TestSaveResult(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sub := insertTestSubmission(t, s, "u1")

	res := &model.GradingResult{
		SubmissionID:  sub.ID,
		StudentName:   "Ann",
		TotalAwarded:  1,
		TotalPossible: 2,
		Percentage:    50,
		OCRProvider:   "mathpix",
		OCRConfidence: 0.91,
		AIProvider:    "openai",
		Difficulty:    model.DifficultyComplex,
		State:         model.StateNeedsReview,
		NeedsReview:   true,
		ReviewReason:  "verification_conflict",
		Success:       true,
		Questions: []model.QuestionResult{
			{Number: 1, VerificationMethod: model.VerifyNone},
			{Number: 2, VerificationMethod: model.VerifySymbolic, VerificationConflict: true, VerificationResult: "3"},
		},
	}
	if err := s.SaveResult(ctx, sub.ID, model.SubmissionNeedsReview, res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	got, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != model.SubmissionNeedsReview || !got.NeedsReview {
		t.Errorf("status = %q needs_review = %v", got.Status, got.NeedsReview)
	}
	if got.Difficulty != model.DifficultyComplex || got.OCRProvider != "mathpix" || got.OCRConfidence != 0.91 {
		t.Errorf("derived fields = %q %q %v", got.Difficulty, got.OCRProvider, got.OCRConfidence)
	}
	if got.VerificationMethod != model.VerifySymbolic {
		t.Errorf("verification method = %q, want symbolic", got.VerificationMethod)
	}
	if got.Result == nil || got.Result.StudentName != "Ann" || len(got.Result.Questions) != 2 {
		t.Fatalf("result = %+v", got.Result)
	}
	if !got.Result.Questions[1].VerificationConflict {
		t.Error("expected conflict on question 2")
	}
}

func TestLedgerStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bal, err := s.LedgerBalance(ctx, "u1")
	if err != nil || bal != 0 {
		t.Fatalf("LedgerBalance() = %d, %v, want 0", bal, err)
	}

	e, err := s.AppendLedgerEntry(ctx, model.LedgerEntry{UserID: "u1", Amount: 10, BalanceAfter: 10, Operation: model.OpAdminGrant})
	if err != nil {
		t.Fatalf("append grant: %v", err)
	}
	if e.Seq != 1 || e.CreatedAt.IsZero() {
		t.Errorf("entry = %+v, want seq 1 with timestamp", e)
	}

	_, err = s.AppendLedgerEntry(ctx, model.LedgerEntry{UserID: "u1", Amount: -3, BalanceAfter: 5, Operation: model.OpSubmissionDebit})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("stale append = %v, want ErrConflict", err)
	}

	if _, err := s.AppendLedgerEntry(ctx, model.LedgerEntry{UserID: "u1", Amount: 2, BalanceAfter: 12, Operation: model.OpRefund, ReferenceID: "b1:s1"}); err != nil {
		t.Fatalf("append refund: %v", err)
	}
	_, err = s.AppendLedgerEntry(ctx, model.LedgerEntry{UserID: "u1", Amount: 2, BalanceAfter: 14, Operation: model.OpRefund, ReferenceID: "b1:s1"})
	if !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Errorf("duplicate refund = %v, want ErrDuplicateReference", err)
	}

	entries, err := s.LedgerEntries(ctx, "u1")
	if err != nil {
		t.Fatalf("LedgerEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if err := ledger.Verify(entries); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if bal, _ := s.LedgerBalance(ctx, "u1"); bal != 12 {
		t.Errorf("LedgerBalance() = %d, want 12", bal)
	}
}

func TestLedgerOverStore(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(newTestStore(t), ledger.WithSignupBonus(3))

	if err := l.EnsureSignupBonus(ctx, "u1"); err != nil {
		t.Fatalf("EnsureSignupBonus: %v", err)
	}
	if _, err := l.Debit(ctx, "u1", 5, model.OpSubmissionDebit, "s1"); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("Debit(5) = %v, want ErrInsufficientBalance", err)
	}
	if _, err := l.Debit(ctx, "u1", 2, model.OpSubmissionDebit, "s1"); err != nil {
		t.Fatalf("Debit(2): %v", err)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 1 {
		t.Errorf("Balance() = %d, want 1", bal)
	}
}

func TestTelemetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	calls := []model.ProviderCall{
		{SubmissionID: "s1", Provider: "mathpix", Role: model.RoleOCR, Duration: 1200 * time.Millisecond, Success: true},
		{SubmissionID: "s1", Provider: "openai", Model: "gpt-4o", Role: model.RoleSolve, Duration: 3 * time.Second, ErrorKind: "transient"},
		{SubmissionID: "s2", Provider: "gemini", Role: model.RoleSolve, Success: true},
	}
	for _, c := range calls {
		if err := s.RecordProviderCall(ctx, c); err != nil {
			t.Fatalf("RecordProviderCall: %v", err)
		}
	}
	got, err := s.ProviderCalls(ctx, "s1")
	if err != nil {
		t.Fatalf("ProviderCalls: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d calls, want 2", len(got))
	}
	for _, c := range got {
		if c.Provider == "openai" && (c.Success || c.ErrorKind != "transient" || c.Duration != 3*time.Second) {
			t.Errorf("openai call = %+v", c)
		}
	}

	ev := model.GradingEvent{SubmissionID: "s1", Difficulty: model.DifficultyModerate, Success: true, NeedsReview: true, Latency: 4500 * time.Millisecond}
	if err := s.RecordGradingEvent(ctx, ev); err != nil {
		t.Fatalf("RecordGradingEvent: %v", err)
	}
	events, err := s.GradingEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("GradingEvents: %v", err)
	}
	if len(events) != 1 || !events[0].NeedsReview || events[0].Latency != ev.Latency {
		t.Errorf("events = %+v", events)
	}
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v, err := s.GetMetadata(ctx, "missing")
	if err != nil || v != "" {
		t.Errorf("GetMetadata(missing) = %q, %v", v, err)
	}
	if err := s.SetMetadata(ctx, "k", "a"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata(ctx, "k", "b"); err != nil {
		t.Fatalf("SetMetadata overwrite: %v", err)
	}
	if v, _ := s.GetMetadata(ctx, "k"); v != "b" {
		t.Errorf("GetMetadata(k) = %q, want b", v)
	}

	info := model.ExportInfo{ExportID: "e1", Assignment: "hw-3", Date: "2026-10-18", Count: 12}
	if err := s.SetExportInfo(ctx, info); err != nil {
		t.Fatalf("SetExportInfo: %v", err)
	}
	got, err := s.GetExportInfo(ctx)
	if err != nil {
		t.Fatalf("GetExportInfo: %v", err)
	}
	if got != info {
		t.Errorf("GetExportInfo() = %+v, want %+v", got, info)
	}
}

func TestExportResults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	graded := insertTestSubmission(t, s, "u1")
	insertTestSubmission(t, s, "u2") // never graded
	res := &model.GradingResult{
		StudentName: "Bo",
		Percentage:  75,
		AIProvider:  "openai",
		Questions:   []model.QuestionResult{{Number: 1, IsCorrect: true}},
	}
	if err := s.SaveResult(ctx, graded.ID, model.SubmissionCompleted, res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	results, err := s.ExportResults(ctx)
	if err != nil {
		t.Fatalf("ExportResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.SubmissionID != graded.ID || r.StudentName != "Bo" || r.Percentage != 75 || len(r.Questions) != 1 {
		t.Errorf("result = %+v", r)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
