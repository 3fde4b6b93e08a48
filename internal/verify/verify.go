// Package verify routes questions to an independent check chosen by
// difficulty and compares the check's answer with the solve-stage answer.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pavelanni/mathgrader/internal/compare"
	"github.com/pavelanni/mathgrader/internal/model"
	"github.com/pavelanni/mathgrader/internal/provider"
)

// ErrNoVerifier is reported when no strategy could be attempted.
var ErrNoVerifier = errors.New("no verifier available")

// Route picks the verification strategy for a difficulty.
func Route(d model.Difficulty) model.VerificationMethod {
	switch d {
	case model.DifficultyComplex:
		return model.VerifySymbolic
	case model.DifficultyModerate:
		return model.VerifyChainOfThought
	default:
		return model.VerifyNone
	}
}

// Question is the input to one verification.
type Question struct {
	Number     int
	Problem    string
	Answer     string // the solve-stage correct answer
	Difficulty model.Difficulty
}

// Outcome is the result of verifying one question.
type Outcome struct {
	Method model.VerificationMethod
	// Result is the verifier's answer text.
	Result     string
	Confidence float64
	Matched    bool
	Conflict   bool
	// Degraded is set when symbolic verification fell back to chain-of-thought.
	Degraded bool
	// Failed is set when the final strategy could not produce an answer.
	Failed bool
	Err    error
	Calls  []model.ProviderCall
}

// Router runs the strategy picked by Route with a symbolic to chain-of-thought
// fallback.
type Router struct {
	symbolic        provider.Verifier
	chain           provider.Verifier
	symbolicEnabled bool
	callTimeout     time.Duration
	compareOpts     []compare.Option
	logger          *slog.Logger
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithSymbolicEnabled turns the symbolic strategy on or off.
func WithSymbolicEnabled(on bool) RouterOption {
	return func(r *Router) { r.symbolicEnabled = on }
}

// WithCallTimeout bounds each verifier call.
func WithCallTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.callTimeout = d }
}

// WithCompareOptions passes options to the answer comparator.
func WithCompareOptions(opts ...compare.Option) RouterOption {
	return func(r *Router) { r.compareOpts = append(r.compareOpts, opts...) }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router. Either verifier may be nil.
func NewRouter(symbolic, chain provider.Verifier, opts ...RouterOption) *Router {
	r := &Router{
		symbolic:        symbolic,
		chain:           chain,
		symbolicEnabled: true,
		callTimeout:     20 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Verify checks one question. It never returns an error: failures are
// recorded on the Outcome and the question keeps its solve-stage answer.
func (r *Router) Verify(ctx context.Context, submissionID string, q Question) Outcome {
	method := Route(q.Difficulty)
	if method == model.VerifyNone {
		return Outcome{Method: model.VerifyNone}
	}

	var out Outcome
	if method == model.VerifySymbolic {
		if r.symbolic != nil && r.symbolicEnabled {
			expr := ToSolverSyntax(q.Problem)
			out = r.run(ctx, submissionID, model.VerifySymbolic, r.symbolic, expr, q.Answer)
			if !out.Failed {
				return out
			}
			r.logger.Warn("symbolic verification failed, falling back to chain-of-thought",
				"submission", submissionID, "question", q.Number, "expr", expr, "error", out.Err)
		}
		degraded := r.runChain(ctx, submissionID, q)
		degraded.Degraded = true
		degraded.Calls = append(out.Calls, degraded.Calls...)
		return degraded
	}
	return r.runChain(ctx, submissionID, q)
}

func (r *Router) runChain(ctx context.Context, submissionID string, q Question) Outcome {
	if r.chain == nil {
		return Outcome{Method: model.VerifyChainOfThought, Failed: true, Err: ErrNoVerifier}
	}
	out := r.run(ctx, submissionID, model.VerifyChainOfThought, r.chain, q.Problem, q.Answer)
	if out.Failed {
		r.logger.Warn("chain-of-thought verification failed",
			"submission", submissionID, "question", q.Number, "error", out.Err)
	}
	return out
}

func (r *Router) run(ctx context.Context, submissionID string, method model.VerificationMethod, v provider.Verifier, input, answer string) Outcome {
	start := time.Now()
	res, err := provider.Call(ctx, r.callTimeout, v.Name(), func(ctx context.Context) (provider.VerifyResult, error) {
		return v.Verify(ctx, input)
	})
	call := model.ProviderCall{
		SubmissionID: submissionID,
		Provider:     v.Name(),
		Role:         model.RoleVerify,
		Duration:     time.Since(start),
		Success:      err == nil,
		ErrorKind:    string(provider.KindOf(err)),
		CreatedAt:    start,
	}
	if m, ok := v.(interface{ Model() string }); ok {
		call.Model = m.Model()
	}

	out := Outcome{Method: method, Calls: []model.ProviderCall{call}}
	if err != nil {
		out.Failed, out.Err = true, err
		return out
	}

	out.Result, out.Confidence = res.Text, res.Confidence
	cmp := compare.Answers(answerValue(res.Text), answerValue(answer), r.compareOpts...)
	out.Matched = cmp.Matched
	out.Conflict = !cmp.Matched
	return out
}

var (
	assignmentRe = regexp.MustCompile(`^\s*[a-zA-Z]\s*=\s*`)
	approxRe     = regexp.MustCompile(`^\s*(≈|~)\s*`)
)

// answerValue strips presentation that the comparator does not understand,
// such as "x = 4" or "≈ 1.25".
func answerValue(s string) string {
	s = strings.TrimSpace(s)
	s = assignmentRe.ReplaceAllString(s, "")
	s = approxRe.ReplaceAllString(s, "")
	if i := strings.Index(s, "..."); i > 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// String describes an outcome for logs and persistence.
func (o Outcome) String() string {
	switch {
	case o.Method == model.VerifyNone:
		return "none"
	case o.Failed:
		return fmt.Sprintf("%s: failed: %v", o.Method, o.Err)
	case o.Conflict:
		return fmt.Sprintf("%s: conflict (%s)", o.Method, o.Result)
	default:
		return fmt.Sprintf("%s: match (%s)", o.Method, o.Result)
	}
}
