package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/pavelanni/mathgrader/internal/batch"
	"github.com/pavelanni/mathgrader/internal/config"
	"github.com/pavelanni/mathgrader/internal/grading"
	appI18n "github.com/pavelanni/mathgrader/internal/i18n"
	"github.com/pavelanni/mathgrader/internal/ledger"
	"github.com/pavelanni/mathgrader/internal/llm/prompts"
	"github.com/pavelanni/mathgrader/internal/provider"
	"github.com/pavelanni/mathgrader/internal/provider/gemini"
	"github.com/pavelanni/mathgrader/internal/provider/mathpix"
	"github.com/pavelanni/mathgrader/internal/provider/openai"
	"github.com/pavelanni/mathgrader/internal/provider/wolfram"
	"github.com/pavelanni/mathgrader/internal/review"
	"github.com/pavelanni/mathgrader/internal/store"
	"github.com/pavelanni/mathgrader/internal/verify"
)

// engine is the fully wired grading stack shared by the commands.
type engine struct {
	cfg     config.Config
	store   *store.Store
	ledger  *ledger.Ledger
	service *grading.Service
	batches *batch.Manager
	tracker review.Tracker
	redis   *redis.Client
	openai  *openai.Client
	logger  *slog.Logger
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.Open(v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func newLedger(db *store.Store, cfg config.Config) *ledger.Ledger {
	return ledger.New(db,
		ledger.WithPricing(cfg.Pricing),
		ledger.WithSignupBonus(cfg.SignupBonus),
		ledger.WithLogger(slog.Default().With("component", "ledger")),
	)
}

func buildEngine(ctx context.Context, v *viper.Viper) (*engine, error) {
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := appI18n.Init(cfg.Lang); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}
	p, err := prompts.Default()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	e := &engine{cfg: cfg, logger: slog.Default()}
	if e.store, err = store.Open(cfg.DBDriver, cfg.DB); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var solvers []provider.Solver
	for _, name := range cfg.Providers {
		switch name {
		case config.ProviderOpenAI:
			e.openai = openai.New(cfg.OpenAI.URL, cfg.OpenAI.Key, cfg.OpenAI.Model)
			solvers = append(solvers, e.openai)
		case config.ProviderGemini:
			if cfg.Gemini.Key == "" {
				slog.Warn("gemini has no API key, skipping")
				continue
			}
			solvers = append(solvers, gemini.New(cfg.Gemini.Key, cfg.Gemini.Model))
		}
	}
	if len(solvers) == 0 {
		e.Close()
		return nil, fmt.Errorf("no usable solve provider in %v", cfg.Providers)
	}

	var ocr provider.OCR
	if cfg.OCREnabled {
		if cfg.Mathpix.AppID == "" {
			slog.Warn("OCR enabled but no Mathpix app ID, solving from the image only")
		} else {
			ocr = mathpix.New(cfg.Mathpix.URL, cfg.Mathpix.AppID, cfg.Mathpix.AppKey)
		}
	}

	var symbolic provider.Verifier
	if cfg.SymbolicEnabled {
		if cfg.Wolfram.AppID == "" {
			slog.Warn("symbolic verification enabled but no Wolfram app ID, using chain of thought")
		} else {
			symbolic = wolfram.New(cfg.Wolfram.URL, cfg.Wolfram.AppID)
		}
	}
	router := verify.NewRouter(symbolic, verify.NewChainOfThought(solvers[0], p),
		verify.WithSymbolicEnabled(cfg.SymbolicEnabled),
		verify.WithCallTimeout(cfg.CallTimeout),
		verify.WithLogger(e.logger.With("component", "verify")),
	)

	if cfg.RedisAddr != "" {
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := e.redis.Ping(ctx).Err(); err != nil {
			e.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		e.tracker = review.NewRedisTracker(e.redis, "mathgrader:review", cfg.ReviewWindow, cfg.ReviewBuckets)
	} else {
		e.tracker = review.NewMemoryTracker(cfg.ReviewWindow, cfg.ReviewBuckets)
	}

	opts := []grading.Option{
		grading.WithRecorder(e.store),
		grading.WithLogger(e.logger.With("component", "grading")),
		grading.WithReviewTracker(e.tracker),
		grading.WithConfig(grading.Config{
			OCREnabled:        cfg.OCREnabled,
			PipelineTimeout:   cfg.PipelineTimeout,
			CallTimeout:       cfg.CallTimeout,
			VerifyConcurrency: cfg.VerifyConcurrency,
			PointsPerQuestion: cfg.PointsPerQuestion,
			Thresholds:        cfg.Thresholds,
			Language:          cfg.Lang,
		}),
	}
	if ocr != nil {
		opts = append(opts, grading.WithOCR(ocr))
	}
	orch := grading.New(solvers, router, p, opts...)

	e.ledger = newLedger(e.store, cfg)
	e.service = grading.NewService(e.store, orch, e.ledger, e.logger.With("component", "grading"))
	batchLog := e.logger.With("component", "batch")
	e.batches = batch.NewManager(batch.NewRunner(e.service, batchLog), e.store, e.ledger, batchLog)

	names := make([]string, len(solvers))
	for i, s := range solvers {
		names[i] = s.Name() + "/" + s.Model()
	}
	slog.Info("grading engine ready",
		"solvers", names,
		"ocr", ocr != nil,
		"symbolic", symbolic != nil,
		"db_driver", cfg.DBDriver,
		"review_tracker", map[bool]string{true: "redis", false: "memory"}[e.redis != nil],
	)
	return e, nil
}

// Close cancels running batches and releases connections.
func (e *engine) Close() {
	if e.batches != nil {
		e.batches.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}
