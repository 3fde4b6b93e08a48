package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/mathgrader/internal/model"
	"github.com/pavelanni/mathgrader/internal/provider"
	"github.com/pavelanni/mathgrader/internal/store"
)

type createSubmissionRequest struct {
	// Image is base64, optionally as a data URL.
	Image     string               `json:"image"`
	AnswerKey map[int]string       `json:"answer_key,omitempty"`
	Options   model.GradingOptions `json:"options"`
}

func (h *Handler) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	img, err := provider.DecodeImage(req.Image)
	if err != nil || len(img.Data) == 0 {
		badRequest(w, r, "image must be non-empty base64")
		return
	}

	sub := model.Submission{
		UserID:    model.UserFromContext(r.Context()),
		Image:     model.Image{Data: img.Data, MIME: img.MIME},
		AnswerKey: req.AnswerKey,
		Options:   req.Options,
	}
	if err := h.store.CreateSubmission(r.Context(), &sub); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	var statuses []model.SubmissionStatus
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, model.SubmissionStatus(s))
	}
	subs, err := h.store.ListSubmissions(r.Context(), model.UserFromContext(r.Context()), statuses...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// ownSubmission loads the submission named in the URL. Another user's
// submission is reported as not found.
func (h *Handler) ownSubmission(r *http.Request) (model.Submission, error) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.GetSubmission(r.Context(), id)
	if err != nil {
		return sub, err
	}
	if sub.UserID != model.UserFromContext(r.Context()) {
		return model.Submission{}, fmt.Errorf("submission %s: %w", id, store.ErrNotFound)
	}
	return sub, nil
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownSubmission(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownSubmission(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.grading.GradeSubmission(r.Context(), sub.UserID, sub.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownSubmission(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.grading.ResetSubmission(r.Context(), sub.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": sub.ID, "status": string(model.SubmissionPending)})
}

func (h *Handler) handleFeedbackStatus(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownSubmission(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.grading.FeedbackStatus(r.Context(), sub.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleGenerateFeedback(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownSubmission(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = h.lang
	}
	res, err := h.grading.GenerateFeedback(r.Context(), sub.UserID, sub.ID, lang)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
