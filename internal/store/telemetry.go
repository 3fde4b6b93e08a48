package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/mathgrader/internal/model"
)

// RecordProviderCall stores one adapter call for cost tracking.
func (s *Store) RecordProviderCall(ctx context.Context, c model.ProviderCall) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_calls (id, submission_id, provider, model, role, duration_ms, success, error_kind, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.NewString(), c.SubmissionID, c.Provider, c.Model, c.Role,
		c.Duration.Milliseconds(), boolInt(c.Success), c.ErrorKind, toMillis(c.CreatedAt),
	)
	return err
}

// RecordGradingEvent stores the analytics summary of a grading run.
func (s *Store) RecordGradingEvent(ctx context.Context, ev model.GradingEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grading_events (id, submission_id, difficulty, success, needs_review, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), ev.SubmissionID, ev.Difficulty, boolInt(ev.Success),
		boolInt(ev.NeedsReview), ev.Latency.Milliseconds(), toMillis(ev.CreatedAt),
	)
	return err
}

// ProviderCalls returns the calls recorded for a submission, oldest first.
func (s *Store) ProviderCalls(ctx context.Context, submissionID string) ([]model.ProviderCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT submission_id, provider, model, role, duration_ms, success, error_kind, created_at
		 FROM provider_calls WHERE submission_id = $1 ORDER BY created_at, id`,
		submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []model.ProviderCall
	for rows.Next() {
		var (
			c       model.ProviderCall
			dur, ts int64
			success int
		)
		if err := rows.Scan(&c.SubmissionID, &c.Provider, &c.Model, &c.Role, &dur, &success, &c.ErrorKind, &ts); err != nil {
			return nil, err
		}
		c.Duration = time.Duration(dur) * time.Millisecond
		c.Success = success != 0
		c.CreatedAt = fromMillis(ts)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// GradingEvents returns the events recorded for a submission, oldest first.
func (s *Store) GradingEvents(ctx context.Context, submissionID string) ([]model.GradingEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT submission_id, difficulty, success, needs_review, latency_ms, created_at
		 FROM grading_events WHERE submission_id = $1 ORDER BY created_at, id`,
		submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.GradingEvent
	for rows.Next() {
		var (
			ev              model.GradingEvent
			success, review int
			latency, ts     int64
		)
		if err := rows.Scan(&ev.SubmissionID, &ev.Difficulty, &success, &review, &latency, &ts); err != nil {
			return nil, err
		}
		ev.Success, ev.NeedsReview = success != 0, review != 0
		ev.Latency = time.Duration(latency) * time.Millisecond
		ev.CreatedAt = fromMillis(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}
