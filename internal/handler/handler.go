// Package handler exposes the grading engine as a JSON HTTP API with a
// WebSocket stream for batch progress.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/mathgrader/internal/batch"
	"github.com/pavelanni/mathgrader/internal/grading"
	appI18n "github.com/pavelanni/mathgrader/internal/i18n"
	"github.com/pavelanni/mathgrader/internal/ledger"
	"github.com/pavelanni/mathgrader/internal/model"
	"github.com/pavelanni/mathgrader/internal/review"
	"github.com/pavelanni/mathgrader/internal/store"
)

// maxBodyBytes bounds request bodies; images arrive base64 encoded.
const maxBodyBytes = 20 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	grading *grading.Service
	batches *batch.Manager
	ledger  *ledger.Ledger
	review  review.Tracker
	lang    string
}

// New creates a new Handler. lang is the fallback for localized messages and
// generated feedback.
func New(s *store.Store, svc *grading.Service, b *batch.Manager, l *ledger.Ledger, t review.Tracker, lang string) *Handler {
	return &Handler{store: s, grading: svc, batches: b, ledger: l, review: t, lang: lang}
}

// Router builds the full middleware stack and routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(h.lang))
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)
		r.Route("/submissions", func(r chi.Router) {
			r.Post("/", h.handleCreateSubmission)
			r.Get("/", h.handleListSubmissions)
			r.Get("/{id}", h.handleGetSubmission)
			r.Post("/{id}/grade", h.handleGrade)
			r.Post("/{id}/reset", h.handleReset)
			r.Get("/{id}/feedback", h.handleFeedbackStatus)
			r.Post("/{id}/feedback", h.handleGenerateFeedback)
		})
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", h.handleStartBatch)
			r.Get("/{id}", h.handleGetBatch)
			r.Post("/{id}/cancel", h.handleCancelBatch)
			r.Get("/{id}/events", h.handleBatchEvents)
		})
		r.Get("/ledger", h.handleLedger)
		r.Post("/ledger/grant", h.handleGrant)
		r.Get("/review/stats", h.handleReviewStats)
	})
}

// requireUser takes the caller's identity from the X-User-ID header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-User-ID")
		if user == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing X-User-ID header"})
			return
		}
		next.ServeHTTP(w, r.WithContext(model.ContextWithUser(r.Context(), user)))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps engine errors to a status and a localized message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var ib *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &ib):
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error: appI18n.Td(ctx, "InsufficientBalance", map[string]any{"Balance": ib.Balance, "Required": ib.Required}),
			Code:  "insufficient_balance",
		})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: appI18n.T(ctx, "SubmissionNotFound"), Code: "not_found"})
	case errors.Is(err, batch.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: appI18n.T(ctx, "BatchNotFound"), Code: "not_found"})
	case errors.Is(err, grading.ErrNotPending), errors.Is(err, store.ErrStatusConflict), errors.Is(err, batch.ErrNotEligible):
		writeJSON(w, http.StatusConflict, errorBody{Error: appI18n.T(ctx, "NotPending"), Code: "not_pending"})
	case errors.Is(err, grading.ErrNotRetryable):
		writeJSON(w, http.StatusConflict, errorBody{Error: appI18n.T(ctx, "NotRetryable"), Code: "not_retryable"})
	case errors.Is(err, grading.ErrNotGraded):
		writeJSON(w, http.StatusConflict, errorBody{Error: appI18n.T(ctx, "NotGraded"), Code: "not_graded"})
	case errors.Is(err, batch.ErrBusy):
		writeJSON(w, http.StatusConflict, errorBody{Error: appI18n.T(ctx, "BatchBusy"), Code: "batch_busy"})
	case errors.Is(err, batch.ErrEmpty):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: appI18n.T(ctx, "EmptyBatch"), Code: "empty_batch"})
	case errors.Is(err, grading.ErrNoExplanation):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: appI18n.T(ctx, "NoExplanation"), Code: "no_explanation"})
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: appI18n.T(ctx, "InternalError"), Code: "internal"})
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	msg := appI18n.T(r.Context(), "BadRequest")
	if detail != "" {
		msg += " " + detail
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}
