package handlers

import (
	"context"
	"net/http"

	"github.com/inconshreveable/log15"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/internal/middleware"
	"github.com/NahuelNGomez/steam-analyzer-sub000/utils/response"
)

// Doctor is the part of a running doctor the status endpoint exposes.
type Doctor interface {
	Snapshot() common.NodeInfo
	Healthy() bool
	ForceElection(ctx context.Context) error
}

type StatusHandler struct {
	doctor Doctor
	l      log15.Logger
}

func NewStatusHandler(d Doctor, l log15.Logger) *StatusHandler {
	return &StatusHandler{
		doctor: d,
		l:      l.New("component", "status"),
	}
}

func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response.OK(w, http.StatusOK, h.doctor.Snapshot())
}

// Healthz answers like a probe would: 503 when this doctor would reply 0.
func (h *StatusHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if !h.doctor.Healthy() {
		response.Fail(w, http.StatusServiceUnavailable, "worker supervision is not running")
		return
	}
	response.OK(w, http.StatusOK, h.doctor.Snapshot().Role)
}

func (h *StatusHandler) StartElection(w http.ResponseWriter, r *http.Request) {
	operator := middleware.OperatorFromContext(r.Context())
	h.l.Info("election requested", "operator", operator)

	if err := h.doctor.ForceElection(r.Context()); err != nil {
		h.l.Warn("requested election failed", "operator", operator, "err", err)
		response.Fail(w, http.StatusBadGateway, "failed to start election: %v", err)
		return
	}
	response.OK(w, http.StatusAccepted, h.doctor.Snapshot())
}

// Routes registers the status endpoint. Control routes are only registered
// when auth is not nil.
func Routes(h *StatusHandler, auth *middleware.OperatorAuth) http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("GET /api/status", h.GetStatus)
	router.HandleFunc("GET /healthz", h.Healthz)
	if auth != nil {
		router.Handle("POST /api/election", auth.RequireOperator(http.HandlerFunc(h.StartElection)))
	}
	return middleware.RequestLogger(h.l, router)
}
