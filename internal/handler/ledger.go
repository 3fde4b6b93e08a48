package handler

import (
	"net/http"

	appI18n "github.com/pavelanni/mathgrader/internal/i18n"
	"github.com/pavelanni/mathgrader/internal/ledger"
	"github.com/pavelanni/mathgrader/internal/model"
)

var statusMessages = map[ledger.Status]string{
	ledger.StatusHealthy:  "BalanceHealthy",
	ledger.StatusLow:      "BalanceLow",
	ledger.StatusCritical: "BalanceCritical",
	ledger.StatusZero:     "BalanceZero",
}

type ledgerView struct {
	UserID  string              `json:"user_id"`
	Balance int64               `json:"balance"`
	Status  ledger.Status       `json:"status"`
	Message string              `json:"message"`
	Entries []model.LedgerEntry `json:"entries"`
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)
	if err := h.ledger.EnsureSignupBonus(ctx, user); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.ledger.Entries(ctx, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	var balance int64
	if n := len(entries); n > 0 {
		balance = entries[n-1].BalanceAfter
	}
	status := ledger.StatusFor(balance)
	writeJSON(w, http.StatusOK, ledgerView{
		UserID:  user,
		Balance: balance,
		Status:  status,
		Message: appI18n.Td(ctx, statusMessages[status], map[string]any{"Balance": balance}),
		Entries: entries,
	})
}

type grantRequest struct {
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.UserID == "" {
		badRequest(w, r, "user_id is required")
		return
	}
	if req.Reference == "" {
		req.Reference = "grant by " + model.UserFromContext(r.Context())
	}
	e, err := h.ledger.Grant(r.Context(), req.UserID, req.Amount, req.Reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) handleReviewStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.review.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
