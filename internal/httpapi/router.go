// Package httpapi exposes the gateway's JSON HTTP surface.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zapgw/internal/broadcast"
	"zapgw/internal/connection"
	"zapgw/internal/delivery"
	"zapgw/internal/pairing"
	"zapgw/internal/storage"
	logx "zapgw/pkg/logx"
)

type Handler struct {
	conn     *connection.Manager
	pairings *pairing.Manager
	queue    *delivery.Queue
	jobs     *broadcast.Service
	history  storage.Store // nil when history is disabled
	log      logx.Logger
}

func NewHandler(conn *connection.Manager, pairings *pairing.Manager, queue *delivery.Queue, jobs *broadcast.Service, history storage.Store, log logx.Logger) *Handler {
	return &Handler{
		conn:     conn,
		pairings: pairings,
		queue:    queue,
		jobs:     jobs,
		history:  history,
		log:      log,
	}
}

// Router builds the full route table. reg may be nil to skip /metrics.
func (h *Handler) Router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestLogger)

	r.Post("/start/{tenantId}", h.Start)
	r.Get("/qr/{tenantId}", h.QR)
	r.Get("/status/{tenantId}", h.Status)
	r.Post("/disconnect/{tenantId}", h.Disconnect)
	r.Post("/reset/{tenantId}", h.Reset)

	r.Post("/send", h.Send)
	r.Post("/broadcast", h.Broadcast)
	r.Get("/broadcast/{jobId}", h.BroadcastProgress)

	r.Get("/history/{tenantId}", h.History)
	r.Get("/healthz", h.Healthz)
	if reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}
