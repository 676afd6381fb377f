package assignment

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/audit"
	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/pkg/auth"
	"github.com/patrolwire/patrolwire/pkg/incident"
)

// defaultResponseSLASeconds and defaultResolutionSLASeconds are the
// deadlines applied to every assignment (there is no per-tenant SLA
// policy); component J (SLA monitor) reads the same deadlines this sets.
const (
	defaultResponseSLASeconds   = 15 * 60
	defaultResolutionSLASeconds = 4 * 60 * 60
)

// Handler serves the incident assignment endpoints.
type Handler struct {
	ranker    *Ranker
	assigner  *Assigner
	incidents *incident.Store
	audit     *audit.Writer
}

// NewHandler builds an assignment Handler.
func NewHandler(ranker *Ranker, assigner *Assigner, incidents *incident.Store, auditWriter *audit.Writer) *Handler {
	return &Handler{ranker: ranker, assigner: assigner, incidents: incidents, audit: auditWriter}
}

type assignRequest struct {
	TechnicianID string `json:"technician_id" validate:"required"`
}

// HandleCandidates serves GET /api/incidents/{id}/candidates: the ranked
// technician list an operator picks an assignee from.
func (h *Handler) HandleCandidates(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	incidentID := chi.URLParam(r, "id")
	inc, err := h.incidents.Get(r.Context(), id.TenantID, incidentID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	candidates, err := h.ranker.Rank(r.Context(), id.TenantID, *inc)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, candidates)
}

// HandleAssign serves POST /api/incidents/{id}/assign.
func (h *Handler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	var req assignRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	incidentID := chi.URLParam(r, "id")
	updated, err := h.assigner.Assign(r.Context(), id.TenantID, incidentID, req.TechnicianID, defaultResponseSLASeconds, defaultResolutionSLASeconds)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	h.audit.LogFromRequest(r, id.TenantID, id.UserID, "incident_assigned", "incident", incidentID, "success", req)
	httpserver.Respond(w, http.StatusOK, updated)
}
