package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/mathgrader/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mathgrader",
		Short: "Grades photographed math homework with OCR, LLMs and a symbolic solver",
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), submitCmd(), batchCmd(), ledgerCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `mathgrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(f *pflag.FlagSet) {
	d := config.Default()
	f.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	f.String("log-format", d.LogFormat, "Log format (text, json)")
}

func addStoreFlags(f *pflag.FlagSet) {
	d := config.Default()
	f.String("db-driver", d.DBDriver, "Database driver (sqlite, pgx)")
	f.String("db", d.DB, "SQLite path or Postgres DSN")
}

// addEngineFlags registers everything the grading engine reads.
func addEngineFlags(f *pflag.FlagSet) {
	d := config.Default()
	addStoreFlags(f)
	addLogFlags(f)
	f.StringP("lang", "l", d.Lang, "Language for messages and feedback (en, ru)")
	f.StringSlice("providers", d.Providers, "Solve providers in fallback order (openai, gemini)")
	f.String("openai-url", d.OpenAI.URL, "OpenAI-compatible API base URL")
	f.String("openai-key", "", "API key for the OpenAI-compatible endpoint")
	f.String("openai-model", d.OpenAI.Model, "Vision model for the OpenAI-compatible endpoint")
	f.String("gemini-key", "", "Gemini API key (gemini is skipped without one)")
	f.String("gemini-model", d.Gemini.Model, "Gemini model name")
	f.String("mathpix-url", "", "Mathpix API base URL (default https://api.mathpix.com)")
	f.String("mathpix-app-id", "", "Mathpix app ID (OCR is skipped without one)")
	f.String("mathpix-app-key", "", "Mathpix app key")
	f.String("wolfram-url", "", "Wolfram|Alpha API base URL (default https://api.wolframalpha.com)")
	f.String("wolfram-app-id", "", "Wolfram|Alpha app ID (symbolic checks fall back without one)")
	f.Bool("ocr", d.OCREnabled, "Run OCR before solving")
	f.Bool("symbolic", d.SymbolicEnabled, "Verify complex problems with the symbolic solver")
	f.Duration("pipeline-timeout", d.PipelineTimeout, "Timeout for one whole grading run")
	f.Duration("call-timeout", d.CallTimeout, "Timeout for one provider call")
	f.Int("verify-concurrency", d.VerifyConcurrency, "Questions verified in parallel")
	f.Int("points-per-question", d.PointsPerQuestion, "Points for a question when the model gives none")
	f.Int64("cost-per-submission", d.Pricing.PerSubmission, "Tokens charged per graded submission")
	f.Int64("cost-feedback", d.Pricing.Feedback, "Tokens charged for feedback generation")
	f.Int("bulk-threshold", d.Pricing.BulkThreshold, "Batch size that earns the bulk discount")
	f.Float64("bulk-discount", float64(d.Pricing.BulkDiscountBP)/10000, "Bulk discount rate (0.10 = 10%)")
	f.Int64("signup-bonus", d.SignupBonus, "Tokens credited to a new user (0 = off)")
	f.Float64("ocr-threshold", d.Thresholds.OCR, "OCR confidence below which a question needs review")
	f.Float64("readability-threshold", d.Thresholds.Readability, "Readability below which a question needs review")
	f.Duration("review-window", d.ReviewWindow, "Sliding window for the review rate")
	f.Int("review-buckets", d.ReviewBuckets, "Buckets in the review window")
	f.Float64("review-alert-rate", d.ReviewAlertRate, "Review rate that triggers an alert")
	f.Duration("review-check-interval", d.ReviewCheckInterval, "How often the review rate is checked")
	f.String("redis-addr", "", "Redis address for a shared review tracker (host:port)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("MATHGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mathgrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/mathgrader")
	v.AddConfigPath("/etc/mathgrader")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}
