// Package grading runs one homework photo through OCR, solving, verification
// and confidence aggregation, and exposes the submission-level operations
// built on top of it.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/mathgrader/internal/confidence"
	"github.com/pavelanni/mathgrader/internal/difficulty"
	"github.com/pavelanni/mathgrader/internal/llm/prompts"
	"github.com/pavelanni/mathgrader/internal/model"
	"github.com/pavelanni/mathgrader/internal/provider"
	"github.com/pavelanni/mathgrader/internal/verify"
)

var (
	// ErrPipelineTimeout is reported when a run exceeds the pipeline timeout.
	ErrPipelineTimeout = errors.New("grading pipeline timed out")
	// ErrNoAnswer is reported when every solve provider failed.
	ErrNoAnswer = errors.New("no provider produced an answer")
	// ErrInvalidRequest is reported for a request without an image.
	ErrInvalidRequest = errors.New("invalid grading request")
)

// Recorder receives cost and analytics events.
type Recorder interface {
	RecordProviderCall(ctx context.Context, c model.ProviderCall) error
	RecordGradingEvent(ctx context.Context, ev model.GradingEvent) error
}

// ReviewTracker receives the review outcome of every successful run.
type ReviewTracker interface {
	Record(ctx context.Context, needsReview bool) error
}

// Config holds the orchestrator's tunables.
type Config struct {
	OCREnabled        bool
	PipelineTimeout   time.Duration
	CallTimeout       time.Duration
	VerifyConcurrency int
	PointsPerQuestion int
	Thresholds        confidence.Thresholds
	// Language is passed to feedback explanations.
	Language string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		OCREnabled:        true,
		PipelineTimeout:   30 * time.Second,
		CallTimeout:       20 * time.Second,
		VerifyConcurrency: 4,
		PointsPerQuestion: 1,
		Thresholds:        confidence.DefaultThresholds(),
	}
}

// Orchestrator grades single submissions.
type Orchestrator struct {
	ocr      provider.OCR
	solvers  []provider.Solver
	router   *verify.Router
	prompts  *prompts.Set
	recorder Recorder
	tracker  ReviewTracker
	logger   *slog.Logger
	cfg      Config
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithOCR sets the recognizer used in the extracting stage.
func WithOCR(ocr provider.OCR) Option {
	return func(o *Orchestrator) { o.ocr = ocr }
}

// WithRecorder sets where provider calls and grading events go.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithReviewTracker sets the review-rate tracker.
func WithReviewTracker(t ReviewTracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// New creates an orchestrator. Solvers are tried in order.
func New(solvers []provider.Solver, router *verify.Router, p *prompts.Set, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		solvers: solvers,
		router:  router,
		prompts: p,
		cfg:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.cfg.VerifyConcurrency <= 0 {
		o.cfg.VerifyConcurrency = 1
	}
	return o
}

// run is the mutable state of one grading run. The pipeline goroutine
// publishes into it; the timeout path reads a snapshot.
type run struct {
	mu        sync.Mutex
	state     model.GradingState
	questions []model.QuestionResult
	header    model.GradingResult
}

func (r *run) publish(qs []model.QuestionResult) {
	r.mu.Lock()
	r.questions = slices.Clone(qs)
	r.mu.Unlock()
}

func (r *run) snapshot() (model.GradingResult, []model.QuestionResult, model.GradingState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header, slices.Clone(r.questions), r.state
}

func (o *Orchestrator) setState(r *run, id string, s model.GradingState) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	o.logger.Debug("grading state", "submission", id, "from", prev, "to", s)
}

// Grade runs the pipeline for one request. It always returns a result; a
// failed run has Success false and Error set.
func (o *Orchestrator) Grade(ctx context.Context, req model.GradingRequest) *model.GradingResult {
	start := time.Now()
	r := &run{state: model.StatePending}
	r.header.SubmissionID = req.SubmissionID

	pctx, cancel := ctx, context.CancelFunc(func() {})
	if o.cfg.PipelineTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, o.cfg.PipelineTimeout)
	}
	defer cancel()

	done := make(chan *model.GradingResult, 1)
	go func() { done <- o.pipeline(pctx, req, r) }()

	var res *model.GradingResult
	select {
	case res = <-done:
		// A run that finished after the timer fired was working on a
		// cancelled context.
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			res = o.abandon(r, pctx.Err())
		}
	case <-pctx.Done():
		res = o.abandon(r, pctx.Err())
	}
	res.Duration = time.Since(start)

	o.logger.Info("graded submission",
		"submission", req.SubmissionID,
		"state", res.State,
		"difficulty", res.Difficulty,
		"questions", len(res.Questions),
		"needs_review", res.NeedsReview,
		"duration", res.Duration,
	)
	o.recordEvent(ctx, res)
	if res.Success && o.tracker != nil {
		if err := o.tracker.Record(ctx, res.NeedsReview); err != nil {
			o.logger.Warn("failed to record review outcome", "submission", req.SubmissionID, "error", err)
		}
	}
	return res
}

// abandon builds the result of a run cut short, keeping the questions
// produced so far.
func (o *Orchestrator) abandon(r *run, cause error) *model.GradingResult {
	header, qs, state := r.snapshot()
	o.logger.Warn("grading pipeline abandoned",
		"submission", header.SubmissionID, "state", state, "questions", len(qs), "cause", cause)

	res := header
	res.Questions = qs
	res.Error = cause.Error()
	if !errors.Is(cause, context.DeadlineExceeded) {
		res.State = model.StateFailed
		return &res
	}
	res.Error = ErrPipelineTimeout.Error()
	if len(qs) == 0 {
		res.State = model.StateFailed
		res.ReviewReason = model.ReasonPipelineTimeout
		return &res
	}
	reasons := []string{model.ReasonPipelineTimeout}
	for _, q := range qs {
		reasons = append(reasons, q.ReviewReasons...)
	}
	totals(&res)
	res.NeedsReview = true
	res.ReviewReason = joinReasons(reasons)
	res.State = model.StateNeedsReview
	res.Success = true
	return &res
}

func (o *Orchestrator) pipeline(ctx context.Context, req model.GradingRequest, r *run) *model.GradingResult {
	id := req.SubmissionID
	res := &model.GradingResult{SubmissionID: id, Difficulty: model.DifficultySimple}

	fail := func(reason string, err error) *model.GradingResult {
		o.setState(r, id, model.StateFailed)
		res.State = model.StateFailed
		res.ReviewReason = reason
		res.Error = err.Error()
		return res
	}

	o.setState(r, id, model.StateClassifying)
	if len(req.Image.Data) == 0 {
		return fail("", fmt.Errorf("%w: empty image", ErrInvalidRequest))
	}
	img := provider.Image{Data: req.Image.Data, MIME: req.Image.MIME}
	if img.MIME == "" {
		img.MIME = provider.DetectMIME(img.Data)
	}
	for _, answer := range req.AnswerKey {
		res.Difficulty = difficulty.Max(res.Difficulty, difficulty.Classify(answer))
	}

	var ocr *provider.OCRResult
	if o.cfg.OCREnabled && o.ocr != nil {
		o.setState(r, id, model.StateExtracting)
		ocr = o.extract(ctx, id, img)
		if ocr != nil {
			res.OCRProvider = o.ocr.Name()
			res.OCRConfidence = ocr.Confidence
		}
	}

	o.setState(r, id, model.StateSolving)
	solved, resp, err := o.solve(ctx, req, img, ocr)
	if err != nil {
		return fail(model.ReasonNoAnswer, err)
	}
	res.StudentName = solved.StudentName
	res.AIProvider, res.AIModel = resp.Provider, resp.Model
	r.mu.Lock()
	r.header = *res
	r.mu.Unlock()

	qs := o.buildQuestions(solved, req.AnswerKey)
	res.Difficulty = model.DifficultySimple
	for _, q := range qs {
		res.Difficulty = difficulty.Max(res.Difficulty, q.Difficulty)
	}
	r.mu.Lock()
	r.header.Difficulty = res.Difficulty
	r.mu.Unlock()
	r.publish(qs)

	outcomes := make([]verify.Outcome, len(qs))
	for i := range outcomes {
		outcomes[i].Method = model.VerifyNone
	}
	if o.router != nil {
		o.setState(r, id, model.StateVerifying)
		outcomes = o.verifyAll(ctx, id, qs)
		for i, out := range outcomes {
			qs[i].VerificationMethod = out.Method
			qs[i].VerificationResult = out.Result
			qs[i].VerificationFailed = out.Failed
			qs[i].VerificationConflict = out.Conflict
		}
		r.publish(qs)
	}

	o.setState(r, id, model.StateAggregating)
	var reasons []string
	for i := range qs {
		a := confidence.Aggregate(confidence.Signals{
			OCR:             res.OCRConfidence,
			OCRRan:          ocr != nil,
			Solve:           solved.Questions[i].confidence(),
			Readability:     solved.readability(),
			VerifyMethod:    outcomes[i].Method,
			VerifyFailed:    outcomes[i].Failed,
			VerifyConflict:  outcomes[i].Conflict,
			ReadingConflict: qs[i].ReadingConflict,
			NoAnswer:        strings.TrimSpace(qs[i].CorrectAnswer) == "",
		}, o.cfg.Thresholds)
		qs[i].Confidence = a.Confidence
		qs[i].NeedsReview = a.NeedsReview
		qs[i].ReviewReasons = a.Reasons
		reasons = append(reasons, a.Reasons...)
	}
	res.Questions = qs
	totals(res)
	res.ReviewReason = joinReasons(reasons)
	res.NeedsReview = res.ReviewReason != ""
	r.publish(qs)

	if req.Options.GenerateFeedback {
		if _, err := o.Explain(ctx, id, res.Questions, o.cfg.Language); err != nil {
			o.logger.Warn("feedback generation failed", "submission", id, "error", err)
		}
	}

	res.Success = true
	res.State = model.StateCompleted
	if res.NeedsReview {
		res.State = model.StateNeedsReview
	}
	o.setState(r, id, res.State)
	return res
}

func (o *Orchestrator) extract(ctx context.Context, id string, img provider.Image) *provider.OCRResult {
	start := time.Now()
	out, err := provider.Call(ctx, o.cfg.CallTimeout, o.ocr.Name(), func(ctx context.Context) (provider.OCRResult, error) {
		return o.ocr.Extract(ctx, img)
	})
	o.recordCall(ctx, model.ProviderCall{
		SubmissionID: id,
		Provider:     o.ocr.Name(),
		Role:         model.RoleOCR,
		Duration:     time.Since(start),
		Success:      err == nil,
		ErrorKind:    string(provider.KindOf(err)),
		CreatedAt:    start,
	})
	if err != nil {
		o.logger.Warn("OCR failed, continuing with the photo only", "submission", id, "provider", o.ocr.Name(), "error", err)
		return nil
	}
	if strings.TrimSpace(out.Text) == "" && strings.TrimSpace(out.Markup) == "" {
		o.logger.Warn("OCR returned no text", "submission", id, "provider", o.ocr.Name())
		return nil
	}
	return &out
}

// solve tries each solver in order until one returns a valid response.
func (o *Orchestrator) solve(ctx context.Context, req model.GradingRequest, img provider.Image, ocr *provider.OCRResult) (*solveResponse, provider.SolveResponse, error) {
	data := prompts.SolveData{
		PointsPerQuestion: o.cfg.PointsPerQuestion,
		ExtractName:       req.Options.ExtractName,
		AnswerKey:         prompts.KeyEntries(req.AnswerKey),
	}
	if ocr != nil {
		data.OCRText = ocr.Text
		data.OCRMarkup = ocr.Markup
		data.OCRConfidence = ocr.Confidence
	}
	system, user, err := o.prompts.BuildSolve(data)
	if err != nil {
		return nil, provider.SolveResponse{}, fmt.Errorf("build solve prompt: %w", err)
	}
	sreq := provider.SolveRequest{System: system, Prompt: user, Image: &img, Deterministic: true, JSON: true}

	var errs []error
	for _, s := range o.solvers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		resp, err := provider.Call(ctx, o.cfg.CallTimeout, s.Name(), func(ctx context.Context) (provider.SolveResponse, error) {
			return s.Solve(ctx, sreq)
		})
		var parsed *solveResponse
		if err == nil {
			parsed, err = parseSolve(s.Name(), resp.Text)
		}
		o.recordCall(ctx, model.ProviderCall{
			SubmissionID: req.SubmissionID,
			Provider:     s.Name(),
			Model:        s.Model(),
			Role:         model.RoleSolve,
			Duration:     time.Since(start),
			Success:      err == nil,
			ErrorKind:    string(provider.KindOf(err)),
			CreatedAt:    start,
		})
		if err != nil {
			o.logger.Warn("solve provider failed, trying next", "submission", req.SubmissionID, "provider", s.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		if resp.Provider == "" {
			resp.Provider = s.Name()
		}
		if resp.Model == "" {
			resp.Model = s.Model()
		}
		return parsed, resp, nil
	}
	if len(errs) == 0 {
		return nil, provider.SolveResponse{}, fmt.Errorf("%w: no solve providers configured", ErrNoAnswer)
	}
	return nil, provider.SolveResponse{}, fmt.Errorf("%w: %w", ErrNoAnswer, errors.Join(errs...))
}

// verifyAll fans verification out per question. Each goroutine writes only
// its own slot.
func (o *Orchestrator) verifyAll(ctx context.Context, id string, qs []model.QuestionResult) []verify.Outcome {
	outcomes := make([]verify.Outcome, len(qs))
	var g errgroup.Group
	g.SetLimit(o.cfg.VerifyConcurrency)
	for i, q := range qs {
		g.Go(func() error {
			outcomes[i] = o.router.Verify(ctx, id, verify.Question{
				Number:     q.Number,
				Problem:    q.Problem,
				Answer:     q.CorrectAnswer,
				Difficulty: q.Difficulty,
			})
			return nil
		})
	}
	_ = g.Wait()

	for i, out := range outcomes {
		for _, c := range out.Calls {
			o.recordCall(ctx, c)
		}
		if out.Method != model.VerifyNone {
			o.logger.Debug("verified question", "submission", id, "question", qs[i].Number, "outcome", out.String())
		}
	}
	return outcomes
}

func (o *Orchestrator) recordCall(ctx context.Context, c model.ProviderCall) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordProviderCall(context.WithoutCancel(ctx), c); err != nil {
		o.logger.Warn("failed to record provider call", "submission", c.SubmissionID, "provider", c.Provider, "error", err)
	}
}

func (o *Orchestrator) recordEvent(ctx context.Context, res *model.GradingResult) {
	if o.recorder == nil {
		return
	}
	ev := model.GradingEvent{
		SubmissionID: res.SubmissionID,
		Difficulty:   res.Difficulty,
		Success:      res.Success,
		NeedsReview:  res.NeedsReview,
		Latency:      res.Duration,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.recorder.RecordGradingEvent(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("failed to record grading event", "submission", res.SubmissionID, "error", err)
	}
}

// totals sums points and derives the percentage.
func totals(res *model.GradingResult) {
	res.TotalAwarded, res.TotalPossible = 0, 0
	for _, q := range res.Questions {
		res.TotalAwarded += q.PointsAwarded
		res.TotalPossible += q.PointsPossible
	}
	res.Percentage = 0
	if res.TotalPossible > 0 {
		res.Percentage = math.Round(res.TotalAwarded/res.TotalPossible*10000) / 100
	}
}

// joinReasons sorts and de-duplicates review reasons.
func joinReasons(reasons []string) string {
	out := slices.Clone(reasons)
	slices.Sort(out)
	out = slices.Compact(out)
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	return strings.Join(out, ";")
}
