package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"zapgw/internal/pairing"
	"zapgw/internal/session"
	"zapgw/internal/transport"
	logx "zapgw/pkg/logx"
)

type sessionResponse struct {
	State             session.State      `json:"state"`
	ReconnectAttempts int                `json:"reconnectAttempts"`
	CooldownUntil     *time.Time         `json:"cooldownUntil"`
	LastError         *session.LastError `json:"lastError,omitempty"`
}

func toSessionResponse(s session.TenantSession) sessionResponse {
	resp := sessionResponse{
		State:             s.State,
		ReconnectAttempts: s.ReconnectAttempts,
		CooldownUntil:     s.CooldownUntil,
	}
	if s.LastError.Kind != session.ErrKindNone {
		le := s.LastError
		resp.LastError = &le
	}
	return resp
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "missing tenant id")
		return
	}

	snap, err := h.conn.Start(r.Context(), tenantID)
	if ce, ok := connectionCooldown(err); ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        "cooldown active",
			"retryAfterMs": ce.Remaining.Milliseconds(),
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

func (h *Handler) QR(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	p, err := h.pairings.Current(tenantID)
	switch {
	case errors.Is(err, pairing.ErrExpired):
		writeError(w, http.StatusGone, "pairing expired")
		return
	case err != nil:
		writeError(w, http.StatusNotFound, "no pairing in progress")
		return
	}

	if r.URL.Query().Get("format") == "png" {
		size := 256
		if s := r.URL.Query().Get("size"); s != "" {
			if v, perr := strconv.Atoi(s); perr == nil && v > 0 && v <= 1024 {
				size = v
			}
		}
		png, rerr := pairing.RenderPNG(p.Code, size)
		if rerr != nil {
			writeError(w, http.StatusInternalServerError, "qr render failed")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":      p.Code,
		"issuedAt":  p.IssuedAt,
		"expiresAt": p.ExpiresAt,
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	snap, err := h.conn.Status(tenantID)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	snap, err := h.conn.Disconnect(r.Context(), tenantID)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	snap, err := h.conn.Reset(r.Context(), tenantID)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

type sendRequest struct {
	TenantID string `json:"tenantId"`
	To       string `json:"to"`
	Message  string `json:"message"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.TenantID == "" || req.To == "" || (req.Message == "" && req.MediaURL == "") {
		writeError(w, http.StatusBadRequest, "tenantId, to and message are required")
		return
	}

	snap, err := h.conn.Status(req.TenantID)
	if err != nil || snap.State != session.StateConnected {
		writeError(w, http.StatusConflict, "session not connected")
		return
	}

	id, _ := h.queue.EnqueueAndAttempt(r.Context(), req.TenantID, req.To, transport.Payload{
		Text:     req.Message,
		MediaURL: req.MediaURL,
	})
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

type broadcastRequest struct {
	TenantID   string   `json:"tenantId"`
	Phones     []string `json:"phones"`
	Message    string   `json:"message"`
	BatchSize  int      `json:"batchSize,omitempty"`
	Interval   int      `json:"interval,omitempty"`   // ms between sends in a batch
	BatchDelay int      `json:"batchDelay,omitempty"` // ms between batches
}

func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.TenantID == "" || len(req.Phones) == 0 || req.Message == "" {
		writeError(w, http.StatusBadRequest, "tenantId, phones and message are required")
		return
	}

	jobID, err := h.jobs.StartJob(
		req.TenantID,
		req.Phones,
		transport.Payload{Text: req.Message},
		req.BatchSize,
		time.Duration(req.Interval)*time.Millisecond,
		time.Duration(req.BatchDelay)*time.Millisecond,
	)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.log.Info("broadcast accepted", logx.String("tenant", req.TenantID), logx.Int("recipients", len(req.Phones)))
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (h *Handler) BroadcastProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	prog, ok := h.jobs.Progress(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	tenantID := chi.URLParam(r, "tenantId")

	limit := 50
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}

	deliveries, err := h.history.RecentDeliveries(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sessions, err := h.history.RecentSessionEvents(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"sessions":   sessions,
	})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
