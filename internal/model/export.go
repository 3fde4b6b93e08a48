package model

import "time"

// ResultsExport is the top-level JSON structure for graded results export.
type ResultsExport struct {
	ExportID   string          `json:"export_id"`
	Assignment string          `json:"assignment"`
	Date       string          `json:"date"`
	Count      int             `json:"count"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one graded submission for export.
type StudentResult struct {
	SubmissionID string           `json:"submission_id"`
	UserID       string           `json:"user_id"`
	StudentName  string           `json:"student_name,omitempty"`
	Status       SubmissionStatus `json:"status"`
	Percentage   float64          `json:"percentage"`
	NeedsReview  bool             `json:"needs_review"`
	ReviewReason string           `json:"review_reason,omitempty"`
	AIProvider   string           `json:"ai_provider,omitempty"`
	AIModel      string           `json:"ai_model,omitempty"`
	GradedAt     time.Time        `json:"graded_at"`
	Questions    []QuestionResult `json:"questions"`
}

// ExportInfo is the metadata recorded for the most recent export.
type ExportInfo struct {
	ExportID   string
	Assignment string
	Date       string
	Count      int
}
