package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pavelanni/mathgrader/internal/llm/prompts"
	"github.com/pavelanni/mathgrader/internal/provider"
)

// ChainOfThought is a provider.Verifier that asks a language model to
// re-derive an answer with a different method.
type ChainOfThought struct {
	solver  provider.Solver
	prompts *prompts.Set
}

// NewChainOfThought wraps solver as a second-pass reasoning verifier.
func NewChainOfThought(solver provider.Solver, p *prompts.Set) *ChainOfThought {
	return &ChainOfThought{solver: solver, prompts: p}
}

func (c *ChainOfThought) Name() string  { return c.solver.Name() }
func (c *ChainOfThought) Model() string { return c.solver.Model() }

type chainResponse struct {
	Reasoning  string   `json:"reasoning"`
	Answer     string   `json:"answer"`
	Confidence *float64 `json:"confidence"`
}

// Verify re-solves problem and returns the model's final answer.
func (c *ChainOfThought) Verify(ctx context.Context, problem string) (provider.VerifyResult, error) {
	prompt, err := c.prompts.BuildVerify(prompts.VerifyData{Problem: problem})
	if err != nil {
		return provider.VerifyResult{}, provider.Fatal(c.Name(), fmt.Errorf("build prompt: %w", err))
	}
	resp, err := c.solver.Solve(ctx, provider.SolveRequest{
		Prompt:        prompt,
		Deterministic: true,
		JSON:          true,
	})
	if err != nil {
		return provider.VerifyResult{}, err
	}

	var out chainResponse
	if err := json.Unmarshal([]byte(provider.StripCodeFences(resp.Text)), &out); err != nil {
		return provider.VerifyResult{}, provider.Parse(c.Name(), fmt.Errorf("decode verification: %w", err))
	}
	answer := strings.TrimSpace(out.Answer)
	if answer == "" {
		return provider.VerifyResult{}, provider.Parsef(c.Name(), "verification has no answer")
	}
	conf := 0.0
	if out.Confidence != nil {
		conf = *out.Confidence
		if conf < 0 || conf > 1 {
			return provider.VerifyResult{}, provider.Parsef(c.Name(), "confidence %v out of range", conf)
		}
	}
	return provider.VerifyResult{Text: answer, Confidence: conf}, nil
}
