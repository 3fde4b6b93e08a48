package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/mathgrader/internal/llm/prompts"
	"github.com/pavelanni/mathgrader/internal/model"
	"github.com/pavelanni/mathgrader/internal/provider"
)

// ErrNoExplanation is reported when no explanation could be generated.
var ErrNoExplanation = errors.New("no explanation generated")

// MissingExplanations returns the numbers of incorrect questions that have no
// explanation yet.
func MissingExplanations(qs []model.QuestionResult) []int {
	var nums []int
	for _, q := range qs {
		if !q.IsCorrect && q.Explanation == "" {
			nums = append(nums, q.Number)
		}
	}
	return nums
}

// Explain fills in explanations for incorrect questions that lack one, in
// place. It returns how many were generated. An error is returned only when
// none could be generated.
func (o *Orchestrator) Explain(ctx context.Context, submissionID string, qs []model.QuestionResult, lang string) (int, error) {
	var (
		generated int
		lastErr   error
		pending   int
	)
	for i := range qs {
		q := &qs[i]
		if q.IsCorrect || q.Explanation != "" {
			continue
		}
		pending++
		text, err := o.explainOne(ctx, submissionID, *q, lang)
		if err != nil {
			o.logger.Warn("failed to explain question", "submission", submissionID, "question", q.Number, "error", err)
			lastErr = err
			continue
		}
		q.Explanation = text
		generated++
	}
	if pending > 0 && generated == 0 {
		return 0, fmt.Errorf("%w: %w", ErrNoExplanation, lastErr)
	}
	return generated, nil
}

func (o *Orchestrator) explainOne(ctx context.Context, submissionID string, q model.QuestionResult, lang string) (string, error) {
	prompt, err := o.prompts.BuildFeedback(prompts.FeedbackData{
		Problem:       q.Problem,
		StudentAnswer: q.StudentAnswer,
		CorrectAnswer: q.CorrectAnswer,
		Language:      lang,
	})
	if err != nil {
		return "", fmt.Errorf("build feedback prompt: %w", err)
	}
	req := provider.SolveRequest{Prompt: prompt, JSON: true}

	var errs []error
	for _, s := range o.solvers {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		start := time.Now()
		resp, err := provider.Call(ctx, o.cfg.CallTimeout, s.Name(), func(ctx context.Context) (provider.SolveResponse, error) {
			return s.Solve(ctx, req)
		})
		var text string
		if err == nil {
			text, err = parseExplanation(s.Name(), resp.Text)
		}
		o.recordCall(ctx, model.ProviderCall{
			SubmissionID: submissionID,
			Provider:     s.Name(),
			Model:        s.Model(),
			Role:         model.RoleFeedback,
			Duration:     time.Since(start),
			Success:      err == nil,
			ErrorKind:    string(provider.KindOf(err)),
			CreatedAt:    start,
		})
		if err == nil {
			return text, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", errors.New("no solve providers configured")
	}
	return "", errors.Join(errs...)
}

func parseExplanation(name, text string) (string, error) {
	var out struct {
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(provider.StripCodeFences(text)), &out); err != nil {
		return "", provider.Parse(name, fmt.Errorf("decode feedback response: %w", err))
	}
	out.Explanation = strings.TrimSpace(out.Explanation)
	if out.Explanation == "" {
		return "", provider.Parsef(name, "empty explanation")
	}
	return out.Explanation, nil
}
