package grading

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pavelanni/mathgrader/internal/compare"
	"github.com/pavelanni/mathgrader/internal/difficulty"
	"github.com/pavelanni/mathgrader/internal/model"
	"github.com/pavelanni/mathgrader/internal/provider"
)

// solveResponse is the JSON object the solve prompt asks for.
type solveResponse struct {
	StudentName           string           `json:"student_name"`
	ReadabilityConfidence *float64         `json:"readability_confidence"`
	Questions             []solvedQuestion `json:"questions"`
}

type solvedQuestion struct {
	Number          int      `json:"number"`
	Problem         string   `json:"problem"`
	StudentAnswer   string   `json:"student_answer"`
	CorrectAnswer   string   `json:"correct_answer"`
	IsCorrect       bool     `json:"is_correct"`
	PointsAwarded   float64  `json:"points_awarded"`
	PointsPossible  float64  `json:"points_possible"`
	Confidence      *float64 `json:"confidence"`
	ReadingConflict bool     `json:"reading_conflict"`
	Feedback        string   `json:"feedback"`
}

func (s *solveResponse) readability() float64 {
	if s.ReadabilityConfidence == nil {
		return 0
	}
	return *s.ReadabilityConfidence
}

func (q solvedQuestion) confidence() float64 {
	if q.Confidence == nil {
		return 0
	}
	return *q.Confidence
}

// parseSolve decodes and validates a solve reply. Questions come back sorted
// by number.
func parseSolve(name, text string) (*solveResponse, error) {
	var resp solveResponse
	if err := json.Unmarshal([]byte(provider.StripCodeFences(text)), &resp); err != nil {
		return nil, provider.Parse(name, fmt.Errorf("decode solve response: %w", err))
	}
	if len(resp.Questions) == 0 {
		return nil, provider.Parsef(name, "solve response has no questions")
	}
	if resp.ReadabilityConfidence == nil {
		return nil, provider.Parsef(name, "solve response has no readability_confidence")
	}
	if !inUnit(*resp.ReadabilityConfidence) {
		return nil, provider.Parsef(name, "readability_confidence %v out of range", *resp.ReadabilityConfidence)
	}

	seen := make(map[int]bool, len(resp.Questions))
	for i := range resp.Questions {
		q := &resp.Questions[i]
		if q.Number <= 0 {
			q.Number = i + 1
		}
		if seen[q.Number] {
			return nil, provider.Parsef(name, "duplicate question number %d", q.Number)
		}
		seen[q.Number] = true
		if q.Confidence == nil {
			return nil, provider.Parsef(name, "question %d has no confidence", q.Number)
		}
		if !inUnit(*q.Confidence) {
			return nil, provider.Parsef(name, "question %d confidence %v out of range", q.Number, *q.Confidence)
		}
		if q.PointsAwarded < 0 || q.PointsPossible < 0 {
			return nil, provider.Parsef(name, "question %d has negative points", q.Number)
		}
	}
	sort.SliceStable(resp.Questions, func(i, j int) bool {
		return resp.Questions[i].Number < resp.Questions[j].Number
	})
	return &resp, nil
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// buildQuestions turns validated solve output into question results, one per
// solved question in the same order. An answer key entry replaces the model's
// correct answer, and the comparator then decides correctness.
func (o *Orchestrator) buildQuestions(s *solveResponse, key map[int]string) []model.QuestionResult {
	qs := make([]model.QuestionResult, len(s.Questions))
	for i, sq := range s.Questions {
		possible := sq.PointsPossible
		if possible == 0 {
			possible = float64(max(o.cfg.PointsPerQuestion, 1))
		}
		q := model.QuestionResult{
			Number:          sq.Number,
			Problem:         strings.TrimSpace(sq.Problem),
			StudentAnswer:   strings.TrimSpace(sq.StudentAnswer),
			CorrectAnswer:   strings.TrimSpace(sq.CorrectAnswer),
			AIAnswer:        strings.TrimSpace(sq.CorrectAnswer),
			IsCorrect:       sq.IsCorrect,
			PointsAwarded:   min(sq.PointsAwarded, possible),
			PointsPossible:  possible,
			ReadingConflict: sq.ReadingConflict,
			Feedback:        strings.TrimSpace(sq.Feedback),
		}
		if want, ok := key[sq.Number]; ok && strings.TrimSpace(want) != "" {
			q.CorrectAnswer = strings.TrimSpace(want)
			q.IsCorrect = q.StudentAnswer != "" && compare.Answers(q.StudentAnswer, q.CorrectAnswer).Matched
			q.PointsAwarded = 0
			if q.IsCorrect {
				q.PointsAwarded = possible
			}
		}
		q.Difficulty = difficulty.Classify(q.Problem)
		qs[i] = q
	}
	return qs
}
