package ledger

import "math"

// Pricing is the token cost model.
type Pricing struct {
	PerSubmission int64 `mapstructure:"per-submission" validate:"gte=1"`
	Feedback      int64 `mapstructure:"feedback" validate:"gte=0"`
	BulkThreshold int   `mapstructure:"bulk-threshold" validate:"gte=1"`
	// BulkDiscountBP is the bulk discount in basis points (1000 = 10%).
	BulkDiscountBP int64 `mapstructure:"bulk-discount-bp" validate:"gte=0,lte=10000"`
}

// DefaultPricing is one token per submission, one per feedback, and 10% off
// batches of ten or more.
func DefaultPricing() Pricing {
	return Pricing{PerSubmission: 1, Feedback: 1, BulkThreshold: 10, BulkDiscountBP: 1000}
}

// RateToBP converts a fractional discount rate (0.10) into basis points.
func RateToBP(rate float64) int64 {
	return int64(math.Round(rate * 10000))
}

// CalculateCost returns the cost of grading count submissions, with the bulk
// discount rounded down.
func CalculateCost(count int, feedback bool, p Pricing) int64 {
	if count <= 0 {
		return 0
	}
	unit := p.PerSubmission
	if feedback {
		unit += p.Feedback
	}
	cost := int64(count) * unit
	if p.BulkThreshold > 0 && count >= p.BulkThreshold && p.BulkDiscountBP > 0 {
		cost = cost * (10000 - p.BulkDiscountBP) / 10000
	}
	return cost
}

// RefundShares splits the refund owed for refunded of total reserved items.
// The refund total is floor(reserved*refunded/total), spread as evenly as
// possible with the remainder going to the first shares.
func RefundShares(reserved int64, total, refunded int) []int64 {
	if reserved <= 0 || total <= 0 || refunded <= 0 {
		return nil
	}
	if refunded > total {
		refunded = total
	}
	sum := reserved * int64(refunded) / int64(total)
	shares := make([]int64, refunded)
	base, rem := sum/int64(refunded), sum%int64(refunded)
	for i := range shares {
		shares[i] = base
		if int64(i) < rem {
			shares[i]++
		}
	}
	return shares
}

// Status is a balance band for alerting.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusLow      Status = "low"
	StatusCritical Status = "critical"
	StatusZero     Status = "zero"
)

// StatusFor bands a balance. StatusZero blocks new grading.
func StatusFor(balance int64) Status {
	switch {
	case balance <= 0:
		return StatusZero
	case balance <= 5:
		return StatusCritical
	case balance <= 10:
		return StatusLow
	default:
		return StatusHealthy
	}
}

// Blocks reports whether the band blocks new grading.
func (s Status) Blocks() bool { return s == StatusZero }
