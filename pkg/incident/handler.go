package incident

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/pkg/auth"
)

// Handler serves the read endpoints GET /incidents and GET /incidents/{id}
// (spec §6). The mutating incident endpoints (correlate, assign,
// execute-runbook) live in pkg/correlation, pkg/assignment, and
// pkg/remediation respectively and are wired into the same URL subtree by
// the composition root, avoiding an import cycle back into this package.
type Handler struct {
	store *Store
}

// NewHandler builds an incident Handler.
func NewHandler(store *Store) *Handler { return &Handler{store: store} }

// HandleList serves GET /api/incidents?status=&severity=&limit=.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}

	var filters []store.Filter
	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		filters = append(filters, store.FieldEq("status", status))
	}
	if severity := q.Get("severity"); severity != "" {
		filters = append(filters, store.FieldEq("severity", severity))
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	incidents, err := h.store.List(r.Context(), id.TenantID, filters, limit)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, incidents)
}

// HandleGet serves GET /api/incidents/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	incidentID := chi.URLParam(r, "id")
	inc, err := h.store.Get(r.Context(), id.TenantID, incidentID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, inc)
}
