package model

import (
	"context"
	"time"
)

// Difficulty is the classified difficulty of a single problem.
type Difficulty string

const (
	DifficultySimple   Difficulty = "simple"
	DifficultyModerate Difficulty = "moderate"
	DifficultyComplex  Difficulty = "complex"
)

// VerificationMethod names the independent check applied to a question.
type VerificationMethod string

const (
	VerifyNone           VerificationMethod = "none"
	VerifyChainOfThought VerificationMethod = "chain_of_thought"
	VerifySymbolic       VerificationMethod = "symbolic"
)

// GradingState is a state of the single-submission grading pipeline.
type GradingState string

const (
	StatePending     GradingState = "pending"
	StateClassifying GradingState = "classifying"
	StateExtracting  GradingState = "extracting"
	StateSolving     GradingState = "solving"
	StateVerifying   GradingState = "verifying"
	StateAggregating GradingState = "aggregating"
	StateCompleted   GradingState = "completed"
	StateNeedsReview GradingState = "needs_review"
	StateFailed      GradingState = "failed"
)

// SubmissionStatus is the persisted status of a submission.
type SubmissionStatus string

const (
	SubmissionPending     SubmissionStatus = "pending"
	SubmissionGrading     SubmissionStatus = "grading"
	SubmissionCompleted   SubmissionStatus = "completed"
	SubmissionNeedsReview SubmissionStatus = "needs_review"
	SubmissionFailed      SubmissionStatus = "failed"
)

// Review reasons stamped on questions and results.
const (
	ReasonLowOCRConfidence     = "low_ocr_confidence"
	ReasonVerificationConflict = "verification_conflict"
	ReasonLowReadability       = "low_readability"
	ReasonNoAnswer             = "no_answer"
	ReasonPipelineTimeout      = "pipeline_timeout"
)

// Image is a raw uploaded photo.
type Image struct {
	Data []byte `json:"-"`
	MIME string `json:"mime"`
}

// GradingOptions are per-request switches.
type GradingOptions struct {
	GenerateFeedback bool `json:"generate_feedback"`
	ExtractName      bool `json:"extract_name"`
}

// GradingRequest is the immutable input to one grading run.
type GradingRequest struct {
	SubmissionID string
	Image        Image
	AnswerKey    map[int]string
	Options      GradingOptions
}

// Confidence holds the per-signal confidences of one question and their blend.
type Confidence struct {
	OCR    float64 `json:"ocr"`
	Solve  float64 `json:"solve"`
	Verify float64 `json:"verify"`
	Score  float64 `json:"score"`
	Dots   int     `json:"dots"`
}

// QuestionResult is the graded outcome of one question.
type QuestionResult struct {
	Number               int                `json:"number"`
	Problem              string             `json:"problem"`
	StudentAnswer        string             `json:"student_answer"`
	CorrectAnswer        string             `json:"correct_answer"`
	AIAnswer             string             `json:"ai_answer"`
	IsCorrect            bool               `json:"is_correct"`
	PointsAwarded        float64            `json:"points_awarded"`
	PointsPossible       float64            `json:"points_possible"`
	Difficulty           Difficulty         `json:"difficulty"`
	Confidence           Confidence         `json:"confidence"`
	VerificationMethod   VerificationMethod `json:"verification_method"`
	VerificationResult   string             `json:"verification_result,omitempty"`
	VerificationFailed   bool               `json:"verification_failed,omitempty"`
	ReadingConflict      bool               `json:"reading_conflict"`
	VerificationConflict bool               `json:"verification_conflict"`
	NeedsReview          bool               `json:"needs_review"`
	ReviewReasons        []string           `json:"review_reasons,omitempty"`
	Feedback             string             `json:"feedback,omitempty"`
	// Explanation is the longer feedback generated on request for an
	// incorrect answer.
	Explanation string `json:"explanation,omitempty"`
}

// GradingResult is the aggregated outcome of one grading run.
type GradingResult struct {
	SubmissionID  string           `json:"submission_id"`
	StudentName   string           `json:"student_name,omitempty"`
	Questions     []QuestionResult `json:"questions"`
	TotalAwarded  float64          `json:"total_awarded"`
	TotalPossible float64          `json:"total_possible"`
	Percentage    float64          `json:"percentage"`
	OCRProvider   string           `json:"ocr_provider,omitempty"`
	OCRConfidence float64          `json:"ocr_confidence,omitempty"`
	AIProvider    string           `json:"ai_provider,omitempty"`
	AIModel       string           `json:"ai_model,omitempty"`
	Difficulty    Difficulty       `json:"difficulty"`
	State         GradingState     `json:"state"`
	NeedsReview   bool             `json:"needs_review"`
	ReviewReason  string           `json:"review_reason,omitempty"`
	Duration      time.Duration    `json:"duration"`
	Success       bool             `json:"success"`
	Error         string           `json:"error,omitempty"`
}

// Submission is a stored homework photo awaiting or holding a grade.
type Submission struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	Image              Image              `json:"image"`
	AnswerKey          map[int]string     `json:"answer_key,omitempty"`
	Options            GradingOptions     `json:"options"`
	Status             SubmissionStatus   `json:"status"`
	Attempts           int                `json:"attempts"`
	Difficulty         Difficulty         `json:"difficulty,omitempty"`
	OCRProvider        string             `json:"ocr_provider,omitempty"`
	OCRConfidence      float64            `json:"ocr_confidence,omitempty"`
	VerificationMethod VerificationMethod `json:"verification_method,omitempty"`
	VerificationResult string             `json:"verification_result,omitempty"`
	NeedsReview        bool               `json:"needs_review"`
	ReviewReason       string             `json:"review_reason,omitempty"`
	Result             *GradingResult     `json:"result,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Operation is the kind of a token ledger entry.
type Operation string

const (
	OpSubmissionDebit Operation = "submission_debit"
	OpFeedbackDebit   Operation = "feedback_debit"
	OpRefund          Operation = "refund"
	OpAdminGrant      Operation = "admin_grant"
	OpSignupBonus     Operation = "signup_bonus"
)

// LedgerEntry is one append-only token ledger record.
type LedgerEntry struct {
	UserID       string    `json:"user_id"`
	Seq          int64     `json:"seq"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Operation    Operation `json:"operation"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderRole is what an external provider was used for.
type ProviderRole string

const (
	RoleOCR      ProviderRole = "ocr"
	RoleSolve    ProviderRole = "solve"
	RoleVerify   ProviderRole = "verify"
	RoleFeedback ProviderRole = "feedback"
)

// ProviderCall is a cost-tracking record for one adapter call.
type ProviderCall struct {
	SubmissionID string        `json:"submission_id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	Role         ProviderRole  `json:"role"`
	Duration     time.Duration `json:"duration"`
	Success      bool          `json:"success"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// GradingEvent is the analytics summary of one grading run.
type GradingEvent struct {
	SubmissionID string        `json:"submission_id"`
	Difficulty   Difficulty    `json:"difficulty"`
	Success      bool          `json:"success"`
	NeedsReview  bool          `json:"needs_review"`
	Latency      time.Duration `json:"latency"`
	CreatedAt    time.Time     `json:"created_at"`
}

type userCtxKey struct{}

// ContextWithUser stores the caller's user ID in the request context.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// UserFromContext retrieves the caller's user ID from context, or "".
func UserFromContext(ctx context.Context) string {
	u, _ := ctx.Value(userCtxKey{}).(string)
	return u
}
