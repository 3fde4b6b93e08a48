// Package confidence blends per-question OCR, solve and verification signals
// into one score, a 1-3 dot rating and a review flag.
package confidence

import (
	"math"

	"github.com/pavelanni/mathgrader/internal/model"
)

// Signal weights.
const (
	WeightOCR    = 0.3
	WeightSolve  = 0.4
	WeightVerify = 0.3
)

// Verification signal values by outcome.
const (
	VerifyNotRun         = 0.7
	VerifySymbolicMatch  = 0.98
	VerifySymbolicFailed = 0.5
	VerifyChainAgree     = 0.85
	VerifyChainConflict  = 0.6
)

// Score thresholds for the dot rating.
const (
	twoDotBelow = 0.7
	oneDotBelow = 0.5
)

// Thresholds are the review cut-offs.
type Thresholds struct {
	OCR         float64 `mapstructure:"ocr" validate:"gte=0,lte=1"`
	Readability float64 `mapstructure:"readability" validate:"gte=0,lte=1"`
}

// DefaultThresholds flags anything under 0.7.
func DefaultThresholds() Thresholds {
	return Thresholds{OCR: 0.7, Readability: 0.7}
}

// Signals are the inputs for one question.
type Signals struct {
	// OCR is the recognizer's confidence; ignored when OCRRan is false.
	OCR    float64
	OCRRan bool
	Solve  float64
	// Readability is the solve stage's page legibility estimate.
	Readability float64

	VerifyMethod   model.VerificationMethod
	VerifyFailed   bool
	VerifyConflict bool

	ReadingConflict bool
	// NoAnswer is set when no provider produced an answer.
	NoAnswer bool
}

// Assessment is the aggregated confidence of one question.
type Assessment struct {
	Confidence  model.Confidence
	NeedsReview bool
	Reasons     []string
}

// VerifySignal maps a verification outcome to its signal value. A failed or
// skipped verification counts as not run.
func VerifySignal(method model.VerificationMethod, failed, conflict bool) float64 {
	if failed {
		return VerifyNotRun
	}
	switch method {
	case model.VerifySymbolic:
		if conflict {
			return VerifySymbolicFailed
		}
		return VerifySymbolicMatch
	case model.VerifyChainOfThought:
		if conflict {
			return VerifyChainConflict
		}
		return VerifyChainAgree
	}
	return VerifyNotRun
}

// Aggregate blends the signals and decides whether a human should look.
func Aggregate(s Signals, th Thresholds) Assessment {
	ocr := s.OCR
	if !s.OCRRan {
		ocr = s.Readability
	}
	ocr, solve := clamp(ocr), clamp(s.Solve)
	verify := VerifySignal(s.VerifyMethod, s.VerifyFailed, s.VerifyConflict)
	conflict := s.VerifyConflict && !s.VerifyFailed

	score := WeightOCR*ocr + WeightSolve*solve + WeightVerify*verify
	score = math.Round(score*1e4) / 1e4

	a := Assessment{Confidence: model.Confidence{
		OCR:    ocr,
		Solve:  solve,
		Verify: verify,
		Score:  score,
		Dots:   Dots(score, s.ReadingConflict, conflict),
	}}

	if s.OCRRan && ocr < th.OCR {
		a.Reasons = append(a.Reasons, model.ReasonLowOCRConfidence)
	}
	if conflict {
		a.Reasons = append(a.Reasons, model.ReasonVerificationConflict)
	}
	if clamp(s.Readability) < th.Readability {
		a.Reasons = append(a.Reasons, model.ReasonLowReadability)
	}
	if s.NoAnswer {
		a.Reasons = append(a.Reasons, model.ReasonNoAnswer)
	}
	a.NeedsReview = len(a.Reasons) > 0
	return a
}

// Dots converts a score and conflict flags into a 1-3 rating.
func Dots(score float64, readingConflict, verifyConflict bool) int {
	dots := 3
	if verifyConflict || score < twoDotBelow {
		dots = 2
	}
	if readingConflict || score < oneDotBelow {
		dots = 1
	}
	return dots
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
