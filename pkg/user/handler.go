package user

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/audit"
	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/pkg/auth"
)

// Handler serves user management under a tenant (spec §4.L: only
// tenant_admin+ may create or list users within a tenant).
type Handler struct {
	store *Store
	audit *audit.Writer
}

// NewHandler builds a user Handler.
func NewHandler(store *Store, auditWriter *audit.Writer) *Handler {
	return &Handler{store: store, audit: auditWriter}
}

// Routes returns the router mounted at /api/users.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRole(RoleTenantAdmin))
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
	technicians, err := h.store.ListTechnicians(r.Context(), id.TenantID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	out := make([]Response, 0, len(technicians))
	for _, u := range technicians {
		out = append(out, u.ToResponse())
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.TenantIDs == nil {
		req.TenantIDs = []string{id.TenantID}
	}

	u, err := h.store.Create(r.Context(), req)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	h.audit.LogFromRequest(r, id.TenantID, id.UserID, "user_created", "user", u.ID, "success", map[string]any{"email": req.Email, "role": req.Role})
	httpserver.Respond(w, http.StatusCreated, u.ToResponse())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	u, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if !u.InTenant(id.TenantID) && !id.Role.AtLeast(RoleMSPAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "user is not in your tenant")
		return
	}
	httpserver.Respond(w, http.StatusOK, u.ToResponse())
}
