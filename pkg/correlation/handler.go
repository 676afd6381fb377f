package correlation

import (
	"net/http"

	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/pkg/alert"
	"github.com/patrolwire/patrolwire/pkg/auth"
)

// Handler exposes the manual re-correlation endpoint. It deliberately does
// not own the incident list/get routes (pkg/incident does) — the
// composition root merges both into the same /incidents URL subtree.
type Handler struct {
	engine *Engine
	alerts *alert.Store
}

// NewHandler builds a correlation Handler.
func NewHandler(engine *Engine, alerts *alert.Store) *Handler {
	return &Handler{engine: engine, alerts: alerts}
}

// HandleCorrelate serves POST /api/incidents/correlate: re-runs grouping
// for every alert of the caller's tenant that is not yet attached to an
// incident. Used when an operator wants an immediate
// re-sweep rather than waiting for the next tick.
func (h *Handler) HandleCorrelate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	unassigned, err := h.alerts.List(r.Context(), id.TenantID, nil, 0)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	for _, a := range unassigned {
		if a.IncidentID != "" {
			continue
		}
		if err := h.engine.CorrelateAlert(r.Context(), a); err != nil {
			httpserver.RespondErr(w, err)
			return
		}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"correlated": len(unassigned)})
}
