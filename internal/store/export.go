package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/mathgrader/internal/model"
)

// ExportResults builds export-ready results from every graded submission.
// Submissions that were never graded are skipped.
func (s *Store) ExportResults(ctx context.Context) ([]model.StudentResult, error) {
	subs, err := s.ListSubmissions(ctx, "",
		model.SubmissionCompleted, model.SubmissionNeedsReview, model.SubmissionFailed)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	results := make([]model.StudentResult, 0, len(subs))
	for i := len(subs) - 1; i >= 0; i-- {
		sub := subs[i]
		r := model.StudentResult{
			SubmissionID: sub.ID,
			UserID:       sub.UserID,
			Status:       sub.Status,
			NeedsReview:  sub.NeedsReview,
			ReviewReason: sub.ReviewReason,
			GradedAt:     sub.UpdatedAt,
		}
		if sub.Result != nil {
			r.StudentName = sub.Result.StudentName
			r.Percentage = sub.Result.Percentage
			r.AIProvider = sub.Result.AIProvider
			r.AIModel = sub.Result.AIModel
			r.Questions = sub.Result.Questions
		}
		results = append(results, r)
	}
	return results, nil
}
