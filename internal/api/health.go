package api

import (
	"net/http"
	"time"

	"github.com/snarg/selenite/internal/database"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	QueueDepth    int               `json:"queue_depth"`
	Inflight      int               `json:"inflight"`
}

type HealthHandler struct {
	db        *database.DB
	sched     JobScheduler
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, sched JobScheduler, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, sched: sched, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.sched != nil {
		checks["scheduler"] = "ok"
		resp.QueueDepth = h.sched.QueueDepth()
		resp.Inflight = h.sched.Inflight()
	}

	WriteJSON(w, httpStatus, resp)
}
