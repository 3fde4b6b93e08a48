// Package provider defines the uniform contract over external OCR, solve and
// verification services, and the typed errors they return.
package provider

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
)

// Image is an image payload sent to a provider.
type Image struct {
	Data []byte
	MIME string
}

// DataURL renders the image as a base64 data URL.
func (img Image) DataURL() string {
	mime := img.MIME
	if mime == "" {
		mime = DetectMIME(img.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// DetectMIME sniffs the image type from its leading bytes.
func DetectMIME(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8 {
		return "image/jpeg"
	}
	if len(b) >= 8 &&
		b[0] == 0x89 && b[1] == 0x50 && b[2] == 0x4E && b[3] == 0x47 &&
		b[4] == 0x0D && b[5] == 0x0A && b[6] == 0x1A && b[7] == 0x0A {
		return "image/png"
	}
	if len(b) > 0 {
		if ct := http.DetectContentType(b); strings.HasPrefix(ct, "image/") {
			return ct
		}
	}
	return "image/jpeg"
}

// DecodeImage decodes a base64 string that may carry a data URL prefix.
func DecodeImage(s string) (Image, error) {
	s = strings.TrimSpace(s)
	var mime string
	if strings.HasPrefix(s, "data:") {
		if idx := strings.IndexByte(s, ','); idx > 0 {
			meta := s[len("data:"):idx]
			mime, _, _ = strings.Cut(meta, ";")
			s = s[idx+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		var err2 error
		if data, err2 = base64.URLEncoding.DecodeString(s); err2 != nil {
			return Image{}, err
		}
	}
	if mime == "" {
		mime = DetectMIME(data)
	}
	return Image{Data: data, MIME: mime}, nil
}

// Word is one recognized token with its confidence and bounding box.
type Word struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"` // x0, y0, x1, y1
}

// OCRResult is the output of an OCR extraction.
type OCRResult struct {
	Text       string
	Markup     string
	Confidence float64
	Words      []Word
	Alphabets  []string
}

// OCR extracts text and math markup from an image.
type OCR interface {
	Name() string
	Extract(ctx context.Context, img Image) (OCRResult, error)
}

// SolveRequest is a prompt for a language model, optionally with an image.
type SolveRequest struct {
	System string
	Prompt string
	Image  *Image
	// Deterministic pins sampling to the provider's minimum temperature.
	Deterministic bool
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// SolveResponse is the raw model reply plus who produced it.
type SolveResponse struct {
	Text     string
	Provider string
	Model    string
}

// Solver is a (vision-capable) language model.
type Solver interface {
	Name() string
	Model() string
	Solve(ctx context.Context, req SolveRequest) (SolveResponse, error)
}

// VerifyResult is the independent answer from a verifier.
type VerifyResult struct {
	Text       string
	Confidence float64
}

// Verifier independently evaluates an expression or restated problem.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, expr string) (VerifyResult, error)
}

// StripCodeFences removes a surrounding markdown code fence from model output.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
