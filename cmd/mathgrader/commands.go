package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/mathgrader/internal/batch"
	"github.com/pavelanni/mathgrader/internal/config"
	appI18n "github.com/pavelanni/mathgrader/internal/i18n"
	"github.com/pavelanni/mathgrader/internal/ledger"
	"github.com/pavelanni/mathgrader/internal/model"
	"github.com/pavelanni/mathgrader/internal/provider"
	"github.com/pavelanni/mathgrader/internal/store"
)

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade IMAGE",
		Short: "Store a homework photo and grade it, charging the user",
		Args:  cobra.ExactArgs(1),
		RunE:  runGrade,
	}
	f := cmd.Flags()
	addEngineFlags(f)
	addSubmissionFlags(cmd)
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit IMAGE...",
		Short: "Store homework photos as pending submissions",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSubmit,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	addLogFlags(f)
	addSubmissionFlags(cmd)
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch SUBMISSION_ID...",
		Short: "Grade pending submissions one after another with progress",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBatch,
	}
	f := cmd.Flags()
	addEngineFlags(f)
	f.StringP("user", "u", "cli", "User charged for the batch")
	f.Bool("feedback", false, "Reserve the feedback cost as well")
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and top up token balances",
	}

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's balance and entries",
		RunE:  runLedgerBalance,
	}
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Credit tokens to a user",
		RunE:  runLedgerGrant,
	}
	for _, c := range []*cobra.Command{balance, grant} {
		f := c.Flags()
		addStoreFlags(f)
		addLogFlags(f)
		f.StringP("user", "u", "", "User ID (required)")
		f.StringP("lang", "l", config.Default().Lang, "Message language (en, ru)")
		_ = c.MarkFlagRequired("user")
	}
	grant.Flags().Int64("amount", 0, "Tokens to credit (required)")
	grant.Flags().String("reference", "cli grant", "Reference recorded on the entry")
	_ = grant.MarkFlagRequired("amount")

	cmd.AddCommand(balance, grant)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export graded results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	addLogFlags(f)
	f.String("assignment", "", "Assignment name for output (required)")
	f.String("date", "", "Assignment date in YYYY-MM-DD format (default today)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	_ = cmd.MarkFlagRequired("assignment")

	return cmd
}

func addSubmissionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("user", "u", "cli", "User who owns the submission")
	f.StringP("answer-key", "k", "", `JSON file mapping question numbers to answers, e.g. {"1": "9"}`)
	f.Bool("feedback", false, "Generate feedback for incorrect answers while grading")
	f.Bool("extract-name", false, "Read the student's name from the photo")
}

// newSubmission reads an image file and the answer key into a submission.
func newSubmission(v *viper.Viper, path string) (model.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Submission{}, fmt.Errorf("read image: %w", err)
	}
	sub := model.Submission{
		UserID: v.GetString("user"),
		Image:  model.Image{Data: data, MIME: provider.DetectMIME(data)},
		Options: model.GradingOptions{
			GenerateFeedback: v.GetBool("feedback"),
			ExtractName:      v.GetBool("extract-name"),
		},
	}
	if keyPath := v.GetString("answer-key"); keyPath != "" {
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return sub, fmt.Errorf("read answer key: %w", err)
		}
		if err := json.Unmarshal(raw, &sub.AnswerKey); err != nil {
			return sub, fmt.Errorf("parse answer key %s: %w", keyPath, err)
		}
	}
	return sub, nil
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	e, err := buildEngine(ctx, v)
	if err != nil {
		return err
	}
	defer e.Close()

	sub, err := newSubmission(v, args[0])
	if err != nil {
		return err
	}
	if err := e.store.CreateSubmission(ctx, &sub); err != nil {
		return fmt.Errorf("store submission: %w", err)
	}
	res, err := e.service.GradeSubmission(ctx, sub.UserID, sub.ID)
	if err != nil {
		return explain(e.cfg.Lang, err)
	}
	return writeJSONTo(os.Stdout, res)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, path := range args {
		sub, err := newSubmission(v, path)
		if err != nil {
			return err
		}
		if err := db.CreateSubmission(ctx, &sub); err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
		slog.Info("stored submission", "path", path, "id", sub.ID)
		fmt.Println(sub.ID)
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	e, err := buildEngine(ctx, v)
	if err != nil {
		return err
	}
	defer e.Close()

	id, err := e.batches.Start(ctx, v.GetString("user"), args, batch.Options{GenerateFeedback: v.GetBool("feedback")})
	if err != nil {
		return explain(e.cfg.Lang, err)
	}
	events, unsubscribe, err := e.batches.Subscribe(id)
	if err != nil {
		return err
	}
	defer unsubscribe()

	for p := range events {
		fmt.Fprintf(os.Stderr, "batch %s: %d completed, %d needs review, %d failed, %d remaining, eta %s\n",
			p.BatchID, p.Completed, p.NeedsReview, p.Failed, p.Remaining, p.ETA.Round(time.Second))
	}
	last, err := e.batches.Wait(ctx, id)
	if err != nil {
		return err
	}
	attempts, _ := e.batches.Attempts(id)
	return writeJSONTo(os.Stdout, struct {
		batch.Progress
		Attempts map[string]int `json:"attempts"`
	}{last, attempts})
}

func runLedgerBalance(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	user := v.GetString("user")
	entries, err := ledger.New(db).Entries(ctx, user)
	if err != nil {
		return err
	}
	if err := ledger.Verify(entries); err != nil {
		slog.Error("ledger does not replay", "user", user, "error", err)
	}
	var balance int64
	if n := len(entries); n > 0 {
		balance = entries[n-1].BalanceAfter
	}
	status := ledger.StatusFor(balance)
	lctx := appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(v.GetString("lang")))
	fmt.Fprintln(os.Stderr, appI18n.Td(lctx, balanceMessage(status), map[string]any{"Balance": balance}))
	return writeJSONTo(os.Stdout, map[string]any{
		"user_id": user,
		"balance": balance,
		"status":  status,
		"entries": entries,
	})
}

func balanceMessage(s ledger.Status) string {
	switch s {
	case ledger.StatusZero:
		return "BalanceZero"
	case ledger.StatusCritical:
		return "BalanceCritical"
	case ledger.StatusLow:
		return "BalanceLow"
	default:
		return "BalanceHealthy"
	}
}

func runLedgerGrant(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	e, err := ledger.New(db).Grant(cmd.Context(), v.GetString("user"), v.GetInt64("amount"), v.GetString("reference"))
	if err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	slog.Info("granted tokens", "user", e.UserID, "amount", e.Amount, "balance", e.BalanceAfter)
	return writeJSONTo(os.Stdout, e)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.ExportResults(ctx)
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	date := v.GetString("date")
	if date == "" {
		date = time.Now().Format(time.DateOnly)
	}
	export := model.ResultsExport{
		ExportID:   uuid.NewString(),
		Assignment: v.GetString("assignment"),
		Date:       date,
		Count:      len(results),
		Results:    results,
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := writeJSONTo(w, export); err != nil {
		return err
	}

	return db.SetExportInfo(ctx, model.ExportInfo{
		ExportID:   export.ExportID,
		Assignment: export.Assignment,
		Date:       export.Date,
		Count:      export.Count,
	})
}

func writeJSONTo(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

// explain turns a blocked debit into the localized, actionable message.
func explain(lang string, err error) error {
	var ib *ledger.InsufficientBalanceError
	if errors.As(err, &ib) {
		ctx := appI18n.WithLocalizer(context.Background(), appI18n.NewLocalizer(lang))
		msg := appI18n.Td(ctx, "InsufficientBalance", map[string]any{"Balance": ib.Balance, "Required": ib.Required})
		return fmt.Errorf("%s: %w", msg, err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("unknown submission: %w", err)
	}
	return err
}
