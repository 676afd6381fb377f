package approval

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/audit"
	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/internal/telemetry"
	"github.com/patrolwire/patrolwire/pkg/auth"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Handler serves the approval-request surface (spec §6: GET/POST
// /approval-requests).
type Handler struct {
	store *Store
	bus   *eventbus.Bus
	audit *audit.Writer
}

// NewHandler builds an approval Handler.
func NewHandler(store *Store, bus *eventbus.Bus, auditWriter *audit.Writer) *Handler {
	return &Handler{store: store, bus: bus, audit: auditWriter}
}

// Routes returns the router mounted at /api/approval-requests.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/{id}/decide", h.handleDecide)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	pending, err := h.store.ListPending(r.Context(), id.TenantID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, pending)
}

type decideRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	reqID := chi.URLParam(r, "id")
	existing, err := h.store.Get(r.Context(), id.TenantID, reqID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	requiredAction := auth.ApprovalActionForRisk(existing.RiskLevel)
	if !auth.Can(user.User{ID: id.UserID, Role: id.Role, TenantIDs: []string{id.TenantID}}, requiredAction, id.TenantID) {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "insufficient role to decide this risk level")
		return
	}

	var req decideRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	decided, err := h.store.Decide(r.Context(), id.TenantID, reqID, id.UserID, req.Approve, req.Reason)
	if err != nil {
		if apperr.KindOf(err) == apperr.Conflict {
			httpserver.RespondErr(w, err)
			return
		}
		httpserver.RespondErr(w, err)
		return
	}

	telemetry.ApprovalDecisionsTotal.WithLabelValues(string(decided.Status)).Inc()
	h.audit.LogFromRequest(r, id.TenantID, id.UserID, "approval_decided", "approval_request", reqID, string(decided.Status), req)
	h.bus.Publish(eventbus.Event{Topic: eventbus.TopicApprovalDecided, TenantID: id.TenantID, Payload: decided})
	httpserver.Respond(w, http.StatusOK, decided)
}
