package audit

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/pkg/auth"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Handler serves the read-only GET /audit-logs endpoint (spec §6).
type Handler struct {
	st store.Store
}

// NewHandler builds an audit Handler.
func NewHandler(st store.Store) *Handler { return &Handler{st: st} }

// Routes returns the router mounted at /api/audit-logs, requiring at least
// tenant_admin (spec §4.L: audit is a read surface for privileged roles).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRole(user.RoleTenantAdmin))
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := store.FindTyped[Entry](r.Context(), h.st, id.TenantID, Collection,
		nil, []store.Sort{{Field: "timestamp", Desc: true}}, store.Page{Limit: limit})
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, entries)
}
