package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/pavelanni/mathgrader/internal/ledger"
	"github.com/pavelanni/mathgrader/internal/model"
)

var (
	// ErrNotRetryable is returned when resetting a submission that has not failed.
	ErrNotRetryable = errors.New("only failed submissions can be reset")
	// ErrNotPending is returned when grading a submission that is not pending.
	ErrNotPending = errors.New("submission is not pending")
	// ErrNotGraded is returned for feedback on a submission without a result.
	ErrNotGraded = errors.New("submission has not been graded")
)

// SubmissionStore is the persistence the service needs.
type SubmissionStore interface {
	GetSubmission(ctx context.Context, id string) (model.Submission, error)
	TransitionSubmission(ctx context.Context, id string, to model.SubmissionStatus, from ...model.SubmissionStatus) error
	SaveResult(ctx context.Context, id string, status model.SubmissionStatus, res *model.GradingResult) error
}

// Service implements the submission-level operations.
type Service struct {
	store  SubmissionStore
	orch   *Orchestrator
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewService creates a Service. A nil ledger disables charging.
func NewService(s SubmissionStore, o *Orchestrator, l *ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, orch: o, ledger: l, logger: logger}
}

// Orchestrator returns the underlying orchestrator.
func (s *Service) Orchestrator() *Orchestrator { return s.orch }

// StatusFor maps a grading result to the persisted submission status.
func StatusFor(res *model.GradingResult) model.SubmissionStatus {
	switch {
	case res == nil || !res.Success:
		return model.SubmissionFailed
	case res.NeedsReview:
		return model.SubmissionNeedsReview
	default:
		return model.SubmissionCompleted
	}
}

// Grade grades a pending submission without charging for it. The returned
// error covers storage failures only; a failed run is reported through the
// result.
func (s *Service) Grade(ctx context.Context, id string) (*model.GradingResult, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.grade(ctx, sub)
}

func (s *Service) grade(ctx context.Context, sub model.Submission) (*model.GradingResult, error) {
	if err := s.store.TransitionSubmission(ctx, sub.ID, model.SubmissionGrading, model.SubmissionPending); err != nil {
		return nil, fmt.Errorf("start grading %s: %w", sub.ID, err)
	}
	res := s.orch.Grade(ctx, model.GradingRequest{
		SubmissionID: sub.ID,
		Image:        sub.Image,
		AnswerKey:    sub.AnswerKey,
		Options:      sub.Options,
	})
	status := StatusFor(res)
	if err := s.store.SaveResult(context.WithoutCancel(ctx), sub.ID, status, res); err != nil {
		return res, fmt.Errorf("save result of %s: %w", sub.ID, err)
	}
	return res, nil
}

// GradeSubmission charges userID for one submission, grades it, and refunds
// the charge when the run fails. The refund reference carries the debit's
// sequence number, so every charge has its own refund even when two requests
// race for the same submission.
func (s *Service) GradeSubmission(ctx context.Context, userID, id string) (*model.GradingResult, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.SubmissionPending {
		return nil, fmt.Errorf("grade %s (%s): %w", id, sub.Status, ErrNotPending)
	}

	var (
		cost int64
		ref  string
	)
	if s.ledger != nil {
		if err := s.ledger.EnsureSignupBonus(ctx, userID); err != nil {
			return nil, err
		}
		cost = ledger.CalculateCost(1, sub.Options.GenerateFeedback, s.ledger.Pricing())
		if cost > 0 {
			e, err := s.ledger.Debit(ctx, userID, cost, model.OpSubmissionDebit, sub.ID)
			if err != nil {
				return nil, err
			}
			ref = sub.ID + ":" + strconv.FormatInt(e.Seq, 10)
		}
	}

	res, err := s.grade(ctx, sub)
	if cost > 0 && (err != nil || !res.Success) {
		if _, rerr := s.ledger.Refund(context.WithoutCancel(ctx), userID, cost, ref); rerr != nil {
			s.logger.Error("failed to refund submission", "user", userID, "submission", id, "amount", cost, "error", rerr)
		}
	}
	return res, err
}

// ResetSubmission moves a failed submission back to pending.
func (s *Service) ResetSubmission(ctx context.Context, id string) error {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status != model.SubmissionFailed {
		return fmt.Errorf("reset %s (%s): %w", id, sub.Status, ErrNotRetryable)
	}
	if err := s.store.TransitionSubmission(ctx, id, model.SubmissionPending, model.SubmissionFailed); err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	s.logger.Info("reset submission", "submission", id)
	return nil
}

// FeedbackState lists which incorrect questions have explanations.
type FeedbackState struct {
	SubmissionID string `json:"submission_id"`
	Explained    []int  `json:"explained"`
	Missing      []int  `json:"missing"`
}

// FeedbackStatus reports which incorrect questions still lack explanations.
func (s *Service) FeedbackStatus(ctx context.Context, id string) (FeedbackState, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return FeedbackState{}, err
	}
	if sub.Result == nil || !sub.Result.Success {
		return FeedbackState{}, fmt.Errorf("feedback for %s: %w", id, ErrNotGraded)
	}
	st := FeedbackState{SubmissionID: id, Missing: MissingExplanations(sub.Result.Questions)}
	for _, q := range sub.Result.Questions {
		if !q.IsCorrect && q.Explanation != "" {
			st.Explained = append(st.Explained, q.Number)
		}
	}
	return st, nil
}

// GenerateFeedback charges the feedback cost, generates the missing
// explanations and stores them. The charge is refunded when nothing could be
// generated. No charge is made when nothing is missing.
func (s *Service) GenerateFeedback(ctx context.Context, userID, id, lang string) (*model.GradingResult, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Result == nil || !sub.Result.Success {
		return nil, fmt.Errorf("feedback for %s: %w", id, ErrNotGraded)
	}
	res := sub.Result
	if len(MissingExplanations(res.Questions)) == 0 {
		return res, nil
	}

	var (
		cost int64
		ref  string
	)
	if s.ledger != nil {
		cost = s.ledger.Pricing().Feedback
		if cost > 0 {
			e, err := s.ledger.Debit(ctx, userID, cost, model.OpFeedbackDebit, "feedback:"+id)
			if err != nil {
				return nil, err
			}
			ref = "feedback:" + id + ":" + strconv.FormatInt(e.Seq, 10)
		}
	}

	n, err := s.orch.Explain(ctx, id, res.Questions, lang)
	if err != nil {
		if cost > 0 {
			if _, rerr := s.ledger.Refund(context.WithoutCancel(ctx), userID, cost, ref); rerr != nil {
				s.logger.Error("failed to refund feedback", "user", userID, "submission", id, "amount", cost, "error", rerr)
			}
		}
		return nil, err
	}
	if err := s.store.SaveResult(context.WithoutCancel(ctx), id, sub.Status, res); err != nil {
		return res, fmt.Errorf("save feedback of %s: %w", id, err)
	}
	s.logger.Info("generated feedback", "submission", id, "explanations", n)
	return res, nil
}
