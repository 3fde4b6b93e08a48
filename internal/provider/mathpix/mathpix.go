// Package mathpix adapts the Mathpix v3/text endpoint to the provider.OCR
// contract.
package mathpix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/pavelanni/mathgrader/internal/provider"
)

// DefaultBaseURL is the public Mathpix API.
const DefaultBaseURL = "https://api.mathpix.com"

// Client calls Mathpix with app credentials.
type Client struct {
	baseURL string
	appID   string
	appKey  string
	httpc   *http.Client
}

// New creates a Mathpix OCR client. baseURL may be empty for the public API.
func New(baseURL, appID, appKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		appKey:  appKey,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Name() string { return "mathpix" }

type request struct {
	Src             string   `json:"src"`
	Formats         []string `json:"formats"`
	IncludeWordData bool     `json:"include_word_data"`
	RmSpaces        bool     `json:"rm_spaces"`
}

type word struct {
	Type       string       `json:"type"`
	Text       string       `json:"text"`
	Latex      string       `json:"latex"`
	Confidence *float64     `json:"confidence"`
	Cnt        [][2]float64 `json:"cnt"`
}

type response struct {
	RequestID         string          `json:"request_id"`
	Text              string          `json:"text"`
	LatexStyled       string          `json:"latex_styled"`
	Confidence        *float64        `json:"confidence"`
	ConfidenceRate    *float64        `json:"confidence_rate"`
	WordData          []word          `json:"word_data"`
	AlphabetsDetected map[string]bool `json:"alphabets_detected"`
	Error             string          `json:"error"`
	ErrorInfo         *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"error_info"`
}

// Extract runs OCR over img and returns text, markup and per-word detail.
func (c *Client) Extract(ctx context.Context, img provider.Image) (provider.OCRResult, error) {
	if c.appID == "" || c.appKey == "" {
		return provider.OCRResult{}, provider.Fatal(c.Name(), errors.New("app credentials are empty"))
	}
	payload, err := json.Marshal(request{
		Src:             img.DataURL(),
		Formats:         []string{"text", "latex_styled", "data"},
		IncludeWordData: true,
		RmSpaces:        true,
	})
	if err != nil {
		return provider.OCRResult{}, provider.Fatal(c.Name(), fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/text", bytes.NewReader(payload))
	if err != nil {
		return provider.OCRResult{}, provider.Fatal(c.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("app_id", c.appID)
	req.Header.Set("app_key", c.appKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return provider.OCRResult{}, provider.Transient(c.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.OCRResult{}, provider.Transient(c.Name(), fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return provider.OCRResult{}, provider.FromStatus(c.Name(), resp.StatusCode, body)
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return provider.OCRResult{}, provider.Parse(c.Name(), fmt.Errorf("decode response: %w", err))
	}
	return c.convert(out)
}

func (c *Client) convert(out response) (provider.OCRResult, error) {
	if out.Error != "" || out.ErrorInfo != nil {
		return provider.OCRResult{}, c.responseError(out)
	}
	conf := out.Confidence
	if conf == nil {
		conf = out.ConfidenceRate
	}
	if conf == nil {
		return provider.OCRResult{}, provider.Parsef(c.Name(), "response has no confidence")
	}
	if *conf < 0 || *conf > 1 || math.IsNaN(*conf) {
		return provider.OCRResult{}, provider.Parsef(c.Name(), "confidence %v out of range", *conf)
	}
	if strings.TrimSpace(out.Text) == "" && strings.TrimSpace(out.LatexStyled) == "" {
		return provider.OCRResult{}, provider.Parsef(c.Name(), "response has no text")
	}

	res := provider.OCRResult{
		Text:       strings.TrimSpace(out.Text),
		Markup:     strings.TrimSpace(out.LatexStyled),
		Confidence: *conf,
	}
	if res.Markup == "" {
		res.Markup = res.Text
	}
	for _, w := range out.WordData {
		text := w.Text
		if text == "" {
			text = w.Latex
		}
		pw := provider.Word{Text: text, Box: boundingBox(w.Cnt)}
		if w.Confidence != nil {
			pw.Confidence = *w.Confidence
		}
		res.Words = append(res.Words, pw)
	}
	for name, seen := range out.AlphabetsDetected {
		if seen {
			res.Alphabets = append(res.Alphabets, name)
		}
	}
	slices.Sort(res.Alphabets)
	return res, nil
}

func (c *Client) responseError(out response) error {
	msg := out.Error
	id := ""
	if out.ErrorInfo != nil {
		id = out.ErrorInfo.ID
		if msg == "" {
			msg = out.ErrorInfo.Message
		}
	}
	err := fmt.Errorf("%s (%s)", msg, id)
	switch {
	case strings.HasPrefix(id, "image_"):
		return provider.Parse(c.Name(), err)
	case strings.HasPrefix(id, "http_unauthorized"), strings.HasPrefix(id, "opts_"):
		return provider.Fatal(c.Name(), err)
	}
	return provider.Transient(c.Name(), err)
}

// boundingBox converts a contour polygon into x0, y0, x1, y1.
func boundingBox(cnt [][2]float64) [4]float64 {
	if len(cnt) == 0 {
		return [4]float64{}
	}
	box := [4]float64{cnt[0][0], cnt[0][1], cnt[0][0], cnt[0][1]}
	for _, p := range cnt[1:] {
		box[0] = math.Min(box[0], p[0])
		box[1] = math.Min(box[1], p[1])
		box[2] = math.Max(box[2], p[0])
		box[3] = math.Max(box[3], p[1])
	}
	return box
}
