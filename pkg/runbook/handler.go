package runbook

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/audit"
	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/pkg/auth"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Handler serves runbook CRUD (spec §6 implies runbook management under
// the admin surface; spec §4.H step 1 consumes it at execution time).
type Handler struct {
	store *Store
	audit *audit.Writer
}

// NewHandler builds a runbook Handler.
func NewHandler(store *Store, auditWriter *audit.Writer) *Handler {
	return &Handler{store: store, audit: auditWriter}
}

// Routes returns the router mounted at /api/runbooks.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	runbooks, err := h.store.List(r.Context(), id.TenantID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, runbooks)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	rb, err := h.store.Get(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, rb)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	if !id.Role.AtLeast(user.RoleTenantAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "runbook management requires tenant_admin or above")
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	rb, err := h.store.Create(r.Context(), id.TenantID, req)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	h.audit.LogFromRequest(r, id.TenantID, id.UserID, "runbook_created", "runbook", rb.ID, "success", req)
	httpserver.Respond(w, http.StatusCreated, rb)
}
