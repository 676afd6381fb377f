package remediation

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/audit"
	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/pkg/auth"
	"github.com/patrolwire/patrolwire/pkg/runbook"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Handler serves the remediation execution surface.
type Handler struct {
	dispatcher *Dispatcher
	executions *Store
	runbooks   *runbook.Store
	audit      *audit.Writer
}

// NewHandler builds a remediation Handler.
func NewHandler(dispatcher *Dispatcher, executions *Store, runbooks *runbook.Store, auditWriter *audit.Writer) *Handler {
	return &Handler{dispatcher: dispatcher, executions: executions, runbooks: runbooks, audit: auditWriter}
}

type executeRequest struct {
	RunbookID string `json:"runbook_id" validate:"required"`
}

// HandleExecute serves POST /api/incidents/{id}/execute-runbook. The
// caller's role must clear the risk-level gate for the chosen runbook
// before a dispatch or approval request is opened (spec §4.H step 2 /
// §4.L).
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	var req executeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	rb, err := h.runbooks.Get(r.Context(), id.TenantID, req.RunbookID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	requiredAction := auth.RunbookActionForRisk(string(rb.RiskLevel))
	if !auth.Can(user.User{ID: id.UserID, Role: id.Role, TenantIDs: []string{id.TenantID}}, requiredAction, id.TenantID) {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "insufficient role to execute this runbook's risk level")
		return
	}

	incidentID := chi.URLParam(r, "id")
	exec, approvalReq, err := h.dispatcher.Trigger(r.Context(), id.TenantID, incidentID, req.RunbookID, id.UserID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	h.audit.LogFromRequest(r, id.TenantID, id.UserID, "runbook_executed", "incident", incidentID, exec.Status, req)

	if approvalReq != nil {
		httpserver.Respond(w, http.StatusAccepted, map[string]any{"execution": exec, "approval_request": approvalReq})
		return
	}
	httpserver.Respond(w, http.StatusAccepted, exec)
}

// HandleGet serves GET /api/remediation-executions/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	exec, err := h.executions.Get(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, exec)
}
