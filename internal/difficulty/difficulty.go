// Package difficulty classifies a math problem by the verification effort it needs.
package difficulty

import (
	"regexp"

	"github.com/pavelanni/mathgrader/internal/model"
)

var (
	// A lone letter touching an arithmetic or relational operator, e.g. "2x + 3" or "= y".
	variableOperatorRe = regexp.MustCompile(`(?i)(^|[^a-z\\])[a-z]\s*[+\-*/=^<>]|[+\-*/=^<>]\s*[a-z]([^a-z]|$)`)
	solveKeywordRe     = regexp.MustCompile(`(?i)\b(solve|equations?)\b`)
	highExponentRe     = regexp.MustCompile(`\^\s*\{?\s*([2-9]|\d{2,})|[²³⁴⁵⁶⁷⁸⁹]`)
	sqrtRe             = regexp.MustCompile(`(?i)sqrt|√|\\sqrt`)
	parenOperatorRe    = regexp.MustCompile(`\([^()]*\)\s*[+\-*/^×÷·]`)

	fractionRe     = regexp.MustCompile(`\d+\s*/\s*\d+|\\frac`)
	decimalRe      = regexp.MustCompile(`\.\d`)
	percentRe      = regexp.MustCompile(`%`)
	unitExponentRe = regexp.MustCompile(`\^\s*\{?\s*1(\D|$)|¹`)
)

// Classify returns the difficulty of problem text. Complex patterns win over
// moderate ones; anything else, including empty text, is simple.
func Classify(text string) model.Difficulty {
	switch {
	case isComplex(text):
		return model.DifficultyComplex
	case isModerate(text):
		return model.DifficultyModerate
	default:
		return model.DifficultySimple
	}
}

func isComplex(text string) bool {
	return variableOperatorRe.MatchString(text) ||
		solveKeywordRe.MatchString(text) ||
		highExponentRe.MatchString(text) ||
		sqrtRe.MatchString(text) ||
		parenOperatorRe.MatchString(text)
}

func isModerate(text string) bool {
	return fractionRe.MatchString(text) ||
		decimalRe.MatchString(text) ||
		percentRe.MatchString(text) ||
		unitExponentRe.MatchString(text)
}

// Max returns the harder of two difficulties.
func Max(a, b model.Difficulty) model.Difficulty {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(d model.Difficulty) int {
	switch d {
	case model.DifficultyComplex:
		return 2
	case model.DifficultyModerate:
		return 1
	default:
		return 0
	}
}
