package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/mathgrader/internal/model"
)

const submissionColumns = `id, user_id, image, mime, answer_key, options, status, attempts, difficulty,
	ocr_provider, ocr_confidence, verification_method, verification_result, needs_review,
	review_reason, result_json, created_at, updated_at`

// CreateSubmission stores a new pending submission and fills in its ID and
// timestamps.
func (s *Store) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub.Status = model.SubmissionPending
	sub.CreatedAt, sub.UpdatedAt = now, now

	key, err := encodeAnswerKey(sub.AnswerKey)
	if err != nil {
		return fmt.Errorf("encode answer key: %w", err)
	}
	opts, err := json.Marshal(sub.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, user_id, image, mime, answer_key, options, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.UserID, sub.Image.Data, sub.Image.MIME, key, string(opts), sub.Status,
		toMillis(now), toMillis(now),
	)
	if err != nil {
		slog.Error("failed to create submission", "user", sub.UserID, "error", err)
		return err
	}
	slog.Info("created submission", "id", sub.ID, "user", sub.UserID, "bytes", len(sub.Image.Data))
	return nil
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(ctx context.Context, id string) (model.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, err
}

// ListSubmissions returns a user's submissions, newest first. An empty userID
// lists everyone's; an empty status list means any status.
func (s *Store) ListSubmissions(ctx context.Context, userID string, statuses ...model.SubmissionStatus) ([]model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE 1=1`
	var args []any
	if userID != "" {
		args = append(args, userID)
		query += ` AND user_id = $` + strconv.Itoa(len(args))
	}
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			args = append(args, st)
			ph[i] = "$" + strconv.Itoa(len(args))
		}
		query += ` AND status IN (` + strings.Join(ph, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// TransitionSubmission moves a submission to status `to` if its current
// status is one of from. Moving to grading also counts an attempt.
func (s *Store) TransitionSubmission(ctx context.Context, id string, to model.SubmissionStatus, from ...model.SubmissionStatus) error {
	args := []any{to, toMillis(time.Now()), id}
	ph := make([]string, len(from))
	for i, st := range from {
		args = append(args, st)
		ph[i] = "$" + strconv.Itoa(len(args))
	}
	set := `status = $1, updated_at = $2`
	if to == model.SubmissionGrading {
		set += `, attempts = attempts + 1`
	}
	query := `UPDATE submissions SET ` + set + ` WHERE id = $3`
	if len(from) > 0 {
		query += ` AND status IN (` + strings.Join(ph, ", ") + `)`
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := s.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, want one of %v", ErrStatusConflict, id, cur.Status, from)
}

// SaveResult persists a grading result and the fields derived from it.
func (s *Store) SaveResult(ctx context.Context, id string, status model.SubmissionStatus, res *model.GradingResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	method, verification := summarizeVerification(res.Questions)
	_, err = s.db.ExecContext(ctx,
		`UPDATE submissions SET status = $1, difficulty = $2, ocr_provider = $3, ocr_confidence = $4,
		 verification_method = $5, verification_result = $6, needs_review = $7, review_reason = $8,
		 result_json = $9, updated_at = $10
		 WHERE id = $11`,
		status, res.Difficulty, res.OCRProvider, res.OCRConfidence,
		method, verification, boolInt(res.NeedsReview), res.ReviewReason,
		string(data), toMillis(time.Now()), id,
	)
	return err
}

// summarizeVerification picks the strongest method used and a JSON payload of
// per-question verification results.
func summarizeVerification(qs []model.QuestionResult) (model.VerificationMethod, string) {
	method := model.VerifyNone
	type item struct {
		Number   int                      `json:"number"`
		Method   model.VerificationMethod `json:"method"`
		Result   string                   `json:"result,omitempty"`
		Conflict bool                     `json:"conflict,omitempty"`
		Failed   bool                     `json:"failed,omitempty"`
	}
	var items []item
	for _, q := range qs {
		switch {
		case q.VerificationMethod == model.VerifySymbolic:
			method = model.VerifySymbolic
		case q.VerificationMethod == model.VerifyChainOfThought && method == model.VerifyNone:
			method = model.VerifyChainOfThought
		}
		if q.VerificationMethod == "" || q.VerificationMethod == model.VerifyNone {
			continue
		}
		items = append(items, item{q.Number, q.VerificationMethod, q.VerificationResult, q.VerificationConflict, q.VerificationFailed})
	}
	if len(items) == 0 {
		return method, ""
	}
	data, _ := json.Marshal(items)
	return method, string(data)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(sc scanner) (model.Submission, error) {
	var (
		sub                  model.Submission
		key, opts, result    string
		needsReview          int
		createdAt, updatedAt int64
	)
	err := sc.Scan(&sub.ID, &sub.UserID, &sub.Image.Data, &sub.Image.MIME, &key, &opts, &sub.Status,
		&sub.Attempts, &sub.Difficulty, &sub.OCRProvider, &sub.OCRConfidence, &sub.VerificationMethod,
		&sub.VerificationResult, &needsReview, &sub.ReviewReason, &result, &createdAt, &updatedAt)
	if err != nil {
		return sub, err
	}
	sub.NeedsReview = needsReview != 0
	sub.CreatedAt, sub.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	if sub.AnswerKey, err = decodeAnswerKey(key); err != nil {
		return sub, fmt.Errorf("decode answer key of %s: %w", sub.ID, err)
	}
	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &sub.Options); err != nil {
			return sub, fmt.Errorf("decode options of %s: %w", sub.ID, err)
		}
	}
	if result != "" {
		sub.Result = &model.GradingResult{}
		if err := json.Unmarshal([]byte(result), sub.Result); err != nil {
			return sub, fmt.Errorf("decode result of %s: %w", sub.ID, err)
		}
	}
	return sub, nil
}

func encodeAnswerKey(key map[int]string) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	data, err := json.Marshal(key)
	return string(data), err
}

func decodeAnswerKey(s string) (map[int]string, error) {
	if s == "" {
		return nil, nil
	}
	var key map[int]string
	err := json.Unmarshal([]byte(s), &key)
	return key, err
}
