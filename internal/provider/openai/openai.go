// Package openai adapts an OpenAI-compatible chat completion API to the
// provider.Solver contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/mathgrader/internal/provider"
)

// deterministicSeed is sent with every deterministic request so identical
// inputs sample identically on backends that honor seeds.
const deterministicSeed = 42

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
}

// New creates a new solve client. baseURL may be empty for the public API.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:         openai.NewClientWithConfig(config),
		model:       modelName,
		temperature: 0.3,
	}
}

func (c *Client) Name() string  { return "openai" }
func (c *Client) Model() string { return c.model }

// Ping checks that the endpoint is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Solve sends the prompt (and image, if any) and returns the raw reply text.
func (c *Client) Solve(ctx context.Context, req provider.SolveRequest) (provider.SolveResponse, error) {
	msgs := buildMessages(req)

	creq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
	}
	if req.Deterministic {
		// A literal 0 is dropped by omitempty and the server default applies.
		creq.Temperature = math.SmallestNonzeroFloat32
		seed := deterministicSeed
		creq.Seed = &seed
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, creq)
	if err != nil {
		return provider.SolveResponse{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return provider.SolveResponse{}, provider.Parsef(c.Name(), "LLM returned no choices")
	}

	raw := provider.StripCodeFences(resp.Choices[0].Message.Content)
	slog.Debug("LLM response", "provider", c.Name(), "model", c.model, "raw", raw)
	if raw == "" {
		return provider.SolveResponse{}, provider.Parsef(c.Name(), "LLM returned empty content")
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}
	return provider.SolveResponse{Text: raw, Provider: c.Name(), Model: model}, nil
}

func buildMessages(req provider.SolveRequest) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	if req.Image == nil {
		return append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	}

	return append(msgs, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.Prompt},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    req.Image.DataURL(),
					Detail: openai.ImageURLDetailHigh,
				},
			},
		},
	})
}

// classify maps go-openai errors onto provider error kinds.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return kindForStatus(apiErr.HTTPStatusCode, fmt.Errorf("LLM API call: %w", err))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return kindForStatus(reqErr.HTTPStatusCode, fmt.Errorf("LLM API call: %w", err))
	}
	return provider.Transient("openai", fmt.Errorf("LLM API call: %w", err))
}

func kindForStatus(code int, err error) error {
	if code == 0 || provider.IsRetryableStatus(code) {
		return provider.Transient("openai", err)
	}
	return provider.Fatal("openai", err)
}
