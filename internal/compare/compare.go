// Package compare decides whether two written answers are equivalent.
package compare

import (
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTolerance is the absolute difference under which two numbers match.
const DefaultTolerance = 1e-4

// Method is how a match was established.
type Method string

const (
	MethodExact    Method = "exact"
	MethodNumeric  Method = "numeric"
	MethodFraction Method = "fraction"
	MethodNone     Method = "none"
)

// Result is the outcome of comparing two answers. Left and Right hold the
// normalized forms so an operator can review a mismatch.
type Result struct {
	Matched bool   `json:"matched"`
	Method  Method `json:"method"`
	Left    string `json:"left"`
	Right   string `json:"right"`
}

type options struct {
	tolerance float64
}

// Option customizes a comparison.
type Option func(*options)

// WithTolerance sets the numeric tolerance. Non-positive values keep the default.
func WithTolerance(t float64) Option {
	return func(o *options) {
		if t > 0 && !math.IsNaN(t) {
			o.tolerance = t
		}
	}
}

var (
	whitespaceRe      = regexp.MustCompile(`\s+`)
	thousandsRe       = regexp.MustCompile(`(\d),(\d{3})`)
	trailingZerosRe   = regexp.MustCompile(`\.0+$`)
	fractionLiteralRe = regexp.MustCompile(`^([+-]?\d+)/(\d+)$`)
)

// Answers compares two raw answers: exact match on normalized forms, then
// numeric within tolerance, then fraction cross-multiplication.
func Answers(a, b string, opts ...Option) Result {
	o := options{tolerance: DefaultTolerance}
	for _, opt := range opts {
		opt(&o)
	}

	left, right := Normalize(a), Normalize(b)
	res := Result{Method: MethodNone, Left: left, Right: right}

	if left == right {
		res.Matched, res.Method = true, MethodExact
		return res
	}

	_, _, leftFrac := parseFraction(left)
	_, _, rightFrac := parseFraction(right)
	if !(leftFrac && rightFrac) {
		x, okx := parseNumber(left)
		y, oky := parseNumber(right)
		if okx && oky && math.Abs(x-y) < o.tolerance {
			res.Matched, res.Method = true, MethodNumeric
			return res
		}
	}

	if leftFrac && rightFrac && fractionsEqual(left, right) {
		res.Matched, res.Method = true, MethodFraction
		return res
	}

	return res
}

// Normalize canonicalizes an answer for comparison.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = whitespaceRe.ReplaceAllString(s, " ")
	// Applied twice so overlapping groups like 1,234,567 are all stripped.
	s = thousandsRe.ReplaceAllString(s, "$1$2")
	s = thousandsRe.ReplaceAllString(s, "$1$2")
	s = strings.TrimSpace(strings.TrimLeft(s, "=:"))
	s = trailingZerosRe.ReplaceAllString(s, "")
	return s
}

func parseFraction(s string) (num, den *big.Int, ok bool) {
	m := fractionLiteralRe.FindStringSubmatch(strings.ReplaceAll(s, " ", ""))
	if m == nil {
		return nil, nil, false
	}
	num, ok1 := new(big.Int).SetString(strings.TrimPrefix(m[1], "+"), 10)
	den, ok2 := new(big.Int).SetString(m[2], 10)
	if !ok1 || !ok2 || den.Sign() == 0 {
		return nil, nil, false
	}
	return num, den, true
}

func fractionsEqual(a, b string) bool {
	n1, d1, ok1 := parseFraction(a)
	n2, d2, ok2 := parseFraction(b)
	if !ok1 || !ok2 {
		return false
	}
	lhs := new(big.Int).Mul(n1, d2)
	rhs := new(big.Int).Mul(n2, d1)
	return lhs.Cmp(rhs) == 0
}

// parseNumber reads a decimal number or evaluates an a/b literal.
func parseNumber(s string) (float64, bool) {
	if num, den, ok := parseFraction(s); ok {
		f, _ := new(big.Rat).SetFrac(num, den).Float64()
		return f, true
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, " ", ""), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
