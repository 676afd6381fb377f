package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/audit"
	"github.com/patrolwire/patrolwire/internal/httpserver"
)

// Handler mounts the public (pre-authentication) auth endpoints.
type Handler struct {
	svc    *Service
	audit  *audit.Writer
	logger *slog.Logger
}

// NewHandler builds an auth Handler.
func NewHandler(svc *Service, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, audit: auditWriter, logger: logger}
}

// Routes returns the router mounted at /api/auth, outside the authenticated
// /api sub-router; logout-all resolves the caller's identity through
// Middleware on its own route.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	r.Post("/refresh", h.handleRefresh)
	r.With(Middleware(h.svc, h.logger)).Post("/logout-all", h.handleLogoutAll)
	return r
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	pair, u, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.audit.LogFromRequest(r, "", "", "login_failed", "user", req.Email, string(apperr.KindOf(err)), nil)
		httpserver.RespondErr(w, err)
		return
	}
	tenantID := ""
	if len(u.TenantIDs) > 0 {
		tenantID = u.TenantIDs[0]
	}
	h.audit.LogFromRequest(r, tenantID, u.ID, "login", "user", u.ID, "success", nil)
	httpserver.Respond(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, pair)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	if err := h.svc.LogoutAll(r.Context(), id.UserID); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	h.audit.LogFromRequest(r, id.TenantID, id.UserID, "logout_all", "user", id.UserID, "success", nil)
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
