package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pavelanni/mathgrader/internal/batch"
	appI18n "github.com/pavelanni/mathgrader/internal/i18n"
	"github.com/pavelanni/mathgrader/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type startBatchRequest struct {
	SubmissionIDs []string `json:"submission_ids"`
	batch.Options
}

type batchView struct {
	batch.Progress
	Message string `json:"message,omitempty"`
}

func (h *Handler) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id, err := h.batches.Start(r.Context(), model.UserFromContext(r.Context()), req.SubmissionIDs, req.Options)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id})
}

// ownBatch checks that the batch in the URL belongs to the caller.
func (h *Handler) ownBatch(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	owner, err := h.batches.Owner(id)
	if err != nil {
		return "", err
	}
	if owner != model.UserFromContext(r.Context()) {
		return "", fmt.Errorf("batch %s: %w", id, batch.ErrNotFound)
	}
	return id, nil
}

func (h *Handler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := h.ownBatch(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.batches.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v := batchView{Progress: p}
	switch {
	case !p.Done():
		v.Message = appI18n.Tp(r.Context(), "SubmissionsRemaining", p.Remaining)
	case p.UnrefundedItems > 0:
		v.Message = appI18n.Tp(r.Context(), "RefundRoundedDown", p.UnrefundedItems)
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id, err := h.ownBatch(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.batches.Cancel(id); err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := h.batches.Get(id)
	writeJSON(w, http.StatusOK, p)
}

// handleBatchEvents streams Progress frames over a WebSocket until the batch
// finishes or the client goes away.
func (h *Handler) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	id, err := h.ownBatch(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, unsubscribe, err := h.batches.Subscribe(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		slog.Warn("websocket upgrade failed", "batch", id, "error", err)
		return
	}
	slog.Debug("batch events connected", "batch", id)

	go readPump(conn, unsubscribe)
	writePump(conn, events)
}

// readPump discards client frames and unsubscribes when the client leaves.
func readPump(conn *websocket.Conn, unsubscribe func()) {
	defer func() {
		unsubscribe()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, events <-chan batch.Progress) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case p, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch finished"))
				return
			}
			msg, err := json.Marshal(p)
			if err != nil {
				slog.Error("encode progress", "error", err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
