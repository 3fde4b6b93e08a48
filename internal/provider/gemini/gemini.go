// Package gemini adapts Google's Gemini API to the provider.Solver contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/pavelanni/mathgrader/internal/provider"
)

// Client is a Gemini solver. A genai client is opened per call.
type Client struct {
	apiKey      string
	model       string
	temperature float32
}

// New creates a Gemini solver for the given model.
func New(apiKey, modelName string) *Client {
	return &Client{
		apiKey:      strings.TrimSpace(apiKey),
		model:       strings.TrimSpace(modelName),
		temperature: 0.3,
	}
}

func (c *Client) Name() string  { return "gemini" }
func (c *Client) Model() string { return c.model }

// Solve sends the prompt (and image, if any) and returns the raw reply text.
func (c *Client) Solve(ctx context.Context, req provider.SolveRequest) (provider.SolveResponse, error) {
	if c.apiKey == "" {
		return provider.SolveResponse{}, provider.Fatal(c.Name(), errors.New("API key is empty"))
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return provider.SolveResponse{}, provider.Fatal(c.Name(), fmt.Errorf("create client: %w", err))
	}
	defer cl.Close()

	m := cl.GenerativeModel(c.model)
	m.GenerationConfig = generationConfig(req, c.temperature)
	if req.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	resp, err := m.GenerateContent(ctx, buildParts(req)...)
	if err != nil {
		return provider.SolveResponse{}, classify(err)
	}

	txt := provider.StripCodeFences(firstText(resp))
	slog.Debug("LLM response", "provider", c.Name(), "model", c.model, "raw", txt)
	if txt == "" {
		return provider.SolveResponse{}, provider.Parsef(c.Name(), "empty response (finish reason %s)", finishReason(resp))
	}
	return provider.SolveResponse{Text: txt, Provider: c.Name(), Model: c.model}, nil
}

func generationConfig(req provider.SolveRequest, temperature float32) genai.GenerationConfig {
	cfg := genai.GenerationConfig{Temperature: ptrFloat32(temperature)}
	if req.Deterministic {
		// Gemini accepts an explicit zero.
		cfg.Temperature = ptrFloat32(0)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func buildParts(req provider.SolveRequest) []genai.Part {
	parts := []genai.Part{genai.Text(req.Prompt)}
	if req.Image != nil {
		mime := req.Image.MIME
		if mime == "" {
			mime = provider.DetectMIME(req.Image.Data)
		}
		parts = append(parts, &genai.Blob{MIMEType: mime, Data: req.Image.Data})
	}
	return parts
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok && strings.TrimSpace(string(t)) != "" {
				return string(t)
			}
		}
	}
	return ""
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return "none"
	}
	return resp.Candidates[0].FinishReason.String()
}

// classify maps Gemini transport errors onto provider error kinds.
func classify(err error) error {
	wrapped := fmt.Errorf("generate content: %w", err)
	var ae *apierror.APIError
	if errors.As(err, &ae) && ae.HTTPCode() > 0 {
		return kindForStatus(ae.HTTPCode(), wrapped)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return kindForStatus(ge.Code, wrapped)
	}
	return provider.Transient("gemini", wrapped)
}

func kindForStatus(code int, err error) error {
	if provider.IsRetryableStatus(code) {
		return provider.Transient("gemini", err)
	}
	return provider.Fatal("gemini", err)
}

func ptrFloat32(v float32) *float32 { return &v }
