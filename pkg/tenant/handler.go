package tenant

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/audit"
	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/pkg/auth"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Handler serves tenant management, restricted to msp_admin/system_admin
// (spec §4.L: tenant records are an MSP-wide resource, not tenant-scoped).
type Handler struct {
	store *Store
	audit *audit.Writer
}

// NewHandler builds a tenant Handler.
func NewHandler(store *Store, auditWriter *audit.Writer) *Handler {
	return &Handler{store: store, audit: auditWriter}
}

// Routes returns the router mounted at /api/tenants.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRole(user.RoleMSPAdmin))
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
	r.Post("/{id}/rotate-api-key", h.handleRotateAPIKey)
	r.Post("/{id}/rotate-hmac-secret", h.handleRotateHMACSecret)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.List(r.Context())
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	out := make([]Response, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, t.ToResponse())
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	t, err := h.store.Create(r.Context(), req)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	id := auth.FromContext(r.Context())
	h.audit.LogFromRequest(r, t.ID, id.UserID, "tenant_created", "tenant", t.ID, "success", req)
	httpserver.Respond(w, http.StatusCreated, t.ToResponse())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, t.ToResponse())
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	t, err := h.store.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, t.ToResponse())
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.RotateAPIKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	id := auth.FromContext(r.Context())
	h.audit.LogFromRequest(r, t.ID, id.UserID, "tenant_api_key_rotated", "tenant", t.ID, "success", nil)
	httpserver.Respond(w, http.StatusOK, t.ToResponse())
}

func (h *Handler) handleRotateHMACSecret(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.RotateHMACSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	id := auth.FromContext(r.Context())
	h.audit.LogFromRequest(r, t.ID, id.UserID, "tenant_hmac_secret_rotated", "tenant", t.ID, "success", nil)
	httpserver.Respond(w, http.StatusOK, t.ToResponse())
}
