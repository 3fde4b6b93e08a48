// Package wolfram adapts the Wolfram|Alpha Full Results API to the
// provider.Verifier contract.
package wolfram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pavelanni/mathgrader/internal/provider"
)

// DefaultBaseURL is the public Wolfram|Alpha API.
const DefaultBaseURL = "https://api.wolframalpha.com"

// matchConfidence is reported when a result pod was found.
const matchConfidence = 0.98

// resultPods are the pod titles carrying an answer, in preference order.
var resultPods = []string{"Result", "Solution", "Exact result", "Decimal approximation"}

// Client is a symbolic verifier backed by Wolfram|Alpha.
type Client struct {
	baseURL string
	appID   string
	httpc   *http.Client
}

// New creates a verifier. baseURL may be empty for the public API.
func New(baseURL, appID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Name() string { return "wolfram" }

type subpod struct {
	Plaintext string `json:"plaintext"`
}

type pod struct {
	Title   string   `json:"title"`
	ID      string   `json:"id"`
	Subpods []subpod `json:"subpods"`
}

type response struct {
	QueryResult *struct {
		Success bool `json:"success"`
		// error is false on success and an object on failure.
		Error json.RawMessage `json:"error"`
		Pods  []pod           `json:"pods"`
	} `json:"queryresult"`
}

// Verify evaluates expr and returns the first answer-bearing pod.
func (c *Client) Verify(ctx context.Context, expr string) (provider.VerifyResult, error) {
	if c.appID == "" {
		return provider.VerifyResult{}, provider.Fatal(c.Name(), errors.New("app id is empty"))
	}
	q := url.Values{}
	q.Set("input", expr)
	q.Set("appid", c.appID)
	q.Set("output", "json")
	q.Set("format", "plaintext")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/query?"+q.Encode(), nil)
	if err != nil {
		return provider.VerifyResult{}, provider.Fatal(c.Name(), err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return provider.VerifyResult{}, provider.Transient(c.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.VerifyResult{}, provider.Transient(c.Name(), fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return provider.VerifyResult{}, provider.FromStatus(c.Name(), resp.StatusCode, body)
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return provider.VerifyResult{}, provider.Parse(c.Name(), fmt.Errorf("decode response: %w", err))
	}
	text, err := extractResult(out)
	if err != nil {
		return provider.VerifyResult{}, provider.Parse(c.Name(), err)
	}
	return provider.VerifyResult{Text: text, Confidence: matchConfidence}, nil
}

func extractResult(out response) (string, error) {
	qr := out.QueryResult
	if qr == nil {
		return "", errors.New("missing queryresult")
	}
	if !qr.Success {
		return "", fmt.Errorf("query not understood: %s", strings.TrimSpace(string(qr.Error)))
	}
	for _, title := range resultPods {
		for _, p := range qr.Pods {
			if !strings.EqualFold(p.Title, title) {
				continue
			}
			for _, sp := range p.Subpods {
				if t := strings.TrimSpace(sp.Plaintext); t != "" {
					return t, nil
				}
			}
		}
	}
	return "", fmt.Errorf("no result pod among %d pods", len(qr.Pods))
}
