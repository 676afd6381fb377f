package advisor

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/pkg/auth"
	"github.com/patrolwire/patrolwire/pkg/incident"
)

// Handler serves the optional advisor endpoint. A nil Handler is never
// constructed by the composition root when no API key is configured —
// callers check for that case before mounting routes.
type Handler struct {
	advisor   *Advisor
	incidents *incident.Store
}

// NewHandler builds an advisor Handler.
func NewHandler(adv *Advisor, incidents *incident.Store) *Handler {
	return &Handler{advisor: adv, incidents: incidents}
}

type adviseRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question" validate:"required"`
}

// HandleAdvise serves POST /api/incidents/{id}/advise.
func (h *Handler) HandleAdvise(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	var req adviseRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	inc, err := h.incidents.Get(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = id.UserID + ":" + inc.ID
	}

	advice, err := h.advisor.Advise(r.Context(), sessionID, *inc, req.Question)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, advice)
}
