package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	ocrTagRegex             = regexp.MustCompile(`(?i)</?\s*ocr-(text|latex)\b[^>]*>`)
	problemTagRegex         = regexp.MustCompile(`(?i)</?\s*problem\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxEmbeddedRunes caps untrusted text pasted into a prompt.
const maxEmbeddedRunes = 10000

// Template names, one file per name under templates/.
const (
	System     = "system"
	SolvePlain = "solve_plain"
	SolveOCR   = "solve_ocr"
	VerifyCoT  = "verify_cot"
	Feedback   = "feedback"
)

var names = []string{System, SolvePlain, SolveOCR, VerifyCoT, Feedback}

// Set is a parsed collection of prompt templates.
type Set struct {
	templates map[string]*template.Template
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the templates compiled into the binary.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = Load(templateFS)
	})
	return defaultSet, defaultErr
}

// Load parses every prompt template from fsys. Files live under templates/.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{templates: make(map[string]*template.Template, len(names))}
	for _, name := range names {
		file := "templates/" + name + ".txt"
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, errors.New("failed to read prompt file " + file + ": " + err.Error())
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, errors.New("failed to parse prompt template " + file + ": " + err.Error())
		}
		s.templates[name] = tmpl
	}
	return s, nil
}

// KeyEntry is one answer key line.
type KeyEntry struct {
	Number int
	Answer string
}

// SolveData holds template data for the grading prompts.
type SolveData struct {
	PointsPerQuestion int
	ExtractName       bool
	OCRText           string
	OCRMarkup         string
	OCRConfidence     float64
	AnswerKey         []KeyEntry
}

// VerifyData holds template data for the chain-of-thought prompt.
type VerifyData struct {
	Problem string
}

// FeedbackData holds template data for an explanation request.
type FeedbackData struct {
	Problem       string
	StudentAnswer string
	CorrectAnswer string
	Language      string
}

// BuildSolve returns the system and user prompts for the grading call. The
// OCR-enriched variant is used when OCR text is present.
func (s *Set) BuildSolve(data SolveData) (system, user string, err error) {
	if data.PointsPerQuestion <= 0 {
		data.PointsPerQuestion = 1
	}
	system, err = s.execute(System, data)
	if err != nil {
		return "", "", err
	}
	name := SolvePlain
	if strings.TrimSpace(data.OCRText) != "" {
		name = SolveOCR
		data.OCRText = sanitize(data.OCRText)
		data.OCRMarkup = sanitize(data.OCRMarkup)
	}
	user, err = s.execute(name, data)
	return system, user, err
}

// BuildVerify returns the chain-of-thought re-derivation prompt.
func (s *Set) BuildVerify(data VerifyData) (string, error) {
	data.Problem = sanitizeProblem(data.Problem)
	return s.execute(VerifyCoT, data)
}

// BuildFeedback returns the explanation prompt for one incorrect answer.
func (s *Set) BuildFeedback(data FeedbackData) (string, error) {
	data.Problem = sanitizeProblem(data.Problem)
	data.StudentAnswer = sanitizeProblem(data.StudentAnswer)
	return s.execute(Feedback, data)
}

func (s *Set) execute(name string, data any) (string, error) {
	if s == nil || s.templates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := s.templates[name]
	if !ok {
		return "", errors.New("unknown prompt template: " + name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return buf.String(), nil
}

// KeyEntries orders an answer key by question number.
func KeyEntries(key map[int]string) []KeyEntry {
	if len(key) == 0 {
		return nil
	}
	out := make([]KeyEntry, 0, len(key))
	for n, a := range key {
		out = append(out, KeyEntry{Number: n, Answer: strings.TrimSpace(a)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// sanitize strips delimiter tags from recognized text so it cannot close the
// block it is quoted in.
func sanitize(s string) string {
	s = ocrTagRegex.ReplaceAllString(s, "")
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	return truncate(strings.TrimSpace(s))
}

func sanitizeProblem(s string) string {
	s = problemTagRegex.ReplaceAllString(s, "")
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if s == "" {
		return "[empty]"
	}
	return truncate(s)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) > maxEmbeddedRunes {
		runes := []rune(s)
		return string(runes[:maxEmbeddedRunes]) + "\n[truncated]"
	}
	return s
}
