package kpi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/pkg/auth"
)

// Handler serves the realtime and before/after metrics endpoints.
type Handler struct {
	calc *Calculator
}

// NewHandler builds a kpi Handler.
func NewHandler(calc *Calculator) *Handler {
	return &Handler{calc: calc}
}

// Routes returns the router mounted at /api/metrics.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/realtime", h.handleRealtime)
	r.Get("/before-after", h.handleBeforeAfter)
	return r
}

const defaultWindow = 30 * 24 * time.Hour

func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	windowSeconds := int64(defaultWindow.Seconds())
	if v := r.URL.Query().Get("window_seconds"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSeconds = n
		}
	}

	now := time.Now().Unix()
	snap, err := h.calc.Compute(r.Context(), id.TenantID, Window{Start: now - windowSeconds, End: now})
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, snap)
}

func (h *Handler) handleBeforeAfter(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	q := r.URL.Query()
	pivot := time.Now().Unix()
	if v := q.Get("pivot"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			pivot = n
		}
	}
	windowSeconds := int64(defaultWindow.Seconds())
	if v := q.Get("window_seconds"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSeconds = n
		}
	}

	before, after, err := h.calc.BeforeAfter(r.Context(), id.TenantID, pivot, windowSeconds)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"before": before, "after": after})
}
