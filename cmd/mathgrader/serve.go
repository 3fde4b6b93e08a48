package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/mathgrader/internal/config"
	"github.com/pavelanni/mathgrader/internal/handler"
	"github.com/pavelanni/mathgrader/internal/review"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", config.Default().Addr, "HTTP listen address")
	addEngineFlags(f)
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx, v)
	if err != nil {
		return err
	}
	defer e.Close()

	if e.openai != nil {
		if err := e.openai.Ping(ctx); err != nil {
			slog.Warn("OpenAI-compatible endpoint health check failed, relying on fallback", "url", e.cfg.OpenAI.URL, "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", e.cfg.OpenAI.URL, "model", e.cfg.OpenAI.Model)
		}
	}

	monitor := review.NewMonitor(e.tracker, e.cfg.ReviewCheckInterval, e.cfg.ReviewAlertRate,
		review.WithLogger(e.logger.With("component", "review")))
	monitor.Start(ctx)
	defer monitor.Stop()

	h := handler.New(e.store, e.service, e.batches, e.ledger, e.tracker, e.cfg.Lang)
	srv := &http.Server{
		Addr:              e.cfg.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", e.cfg.Addr,
			"lang", e.cfg.Lang,
			"providers", e.cfg.Providers,
			"pipeline_timeout", e.cfg.PipelineTimeout,
			"call_timeout", e.cfg.CallTimeout,
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.PipelineTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
