package health

import (
	"net/http"

	apperrors "github.com/smartcyclemarket/smartcyclemarket/internal/errors"
)

type Handler struct {
	checker *Checker
}

func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	write(w, r, h.checker.Check(r.Context()))
}

// ReadinessHandler answers 503 only when a critical dependency is down.
// A degraded service still takes traffic.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	write(w, r, h.checker.DeepCheck(r.Context()))
}

// HealthHandler serves /health, running the readiness probes when ?deep=true.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "true" {
		h.ReadinessHandler(w, r)
		return
	}
	h.LivenessHandler(w, r)
}

func write(w http.ResponseWriter, r *http.Request, resp *HealthResponse) {
	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), status, resp)
}
