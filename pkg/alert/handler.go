package alert

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patrolwire/patrolwire/internal/httpserver"
	"github.com/patrolwire/patrolwire/internal/telemetry"
	"github.com/patrolwire/patrolwire/pkg/auth"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/idempotency"
	"github.com/patrolwire/patrolwire/pkg/ratelimit"
	"github.com/patrolwire/patrolwire/pkg/signature"
	"github.com/patrolwire/patrolwire/pkg/tenant"
)

// Handler serves the webhook receiver (component E) and the read-side alert
// API. The receiver is the single ingestion point for every monitoring
// tool's alerts (spec §4.E).
type Handler struct {
	alerts   *Store
	tenants  *tenant.Store
	settings *tenant.SettingsStore
	limiter  *ratelimit.Limiter
	guard    *idempotency.Guard
	bus      *eventbus.Bus
}

// NewHandler builds an alert Handler wiring every ingestion-pipeline stage.
func NewHandler(alerts *Store, tenants *tenant.Store, settings *tenant.SettingsStore, limiter *ratelimit.Limiter, guard *idempotency.Guard, bus *eventbus.Bus) *Handler {
	return &Handler{alerts: alerts, tenants: tenants, settings: settings, limiter: limiter, guard: guard, bus: bus}
}

// Routes returns the router mounted at /api/alerts. Webhook ingestion is
// unauthenticated by JWT (it authenticates via api_key + HMAC instead) and
// is therefore registered outside the auth-required subtree by the
// composition root; the read endpoints below require a logged-in identity.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	return r
}

// WebhookRoutes returns the router mounted at /webhooks/alerts. The tenant's
// api_key is passed as a query parameter (spec §4.E, §6), not a path
// segment, so the endpoint is POST /webhooks/alerts?api_key=....
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleIngest)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	alerts, err := h.alerts.List(r.Context(), id.TenantID, nil, 50)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, alerts)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "login required")
		return
	}
	a, err := h.alerts.Get(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

// handleIngest implements the component E pipeline in order (spec §4.E):
// resolve tenant by api key, admit under the rate limiter, verify the HMAC
// signature if the tenant requires one, dedup by delivery id, normalize and
// persist, then publish alert.ingested for the correlation engine and live
// dashboards.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("api_key")
	t, err := h.tenants.ByAPIKey(r.Context(), apiKey)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	settings, err := h.settings.Get(r.Context(), t.ID, tenant.DefaultSettings(t.ID, 60, 60, 900, "asset|signature"))
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	decision, err := h.limiter.Admit(r.Context(), t.ID, settings.RateLimit.RequestsPerMinute, settings.RateLimit.BurstSize, settings.RateLimit.Enabled)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Burst", strconv.Itoa(decision.Burst))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.Admitted {
		telemetry.RateLimitRejectedTotal.WithLabelValues(t.ID).Inc()
		w.Header().Set("Retry-After", formatSeconds(ratelimit.RetryAfterSeconds(decision.RetryAfter)))
		httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "webhook rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "could not read request body")
		return
	}

	if settings.Webhook.HMACEnabled {
		skew := settings.Webhook.TimestampSkewSeconds
		if skew == 0 {
			skew = 300
		}
		if err := signature.Verify(body, r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), settings.Webhook.Secret, skew, time.Now()); err != nil {
			httpserver.RespondErr(w, err)
			return
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
		return
	}
	if errs := httpserver.Validate(req); len(errs) > 0 {
		httpserver.RespondValidationError(w, errs)
		return
	}

	start := time.Now()
	defer func() { telemetry.AlertProcessingDuration.WithLabelValues(t.ID).Observe(time.Since(start).Seconds()) }()

	deliveryID := r.Header.Get("X-Delivery-ID")
	if deliveryID == "" {
		deliveryID = req.DeliveryID
	}
	if deliveryID == "" {
		deliveryID = idempotency.DeriveDeliveryID(t.ID, req.AssetName, req.Signature, req.Message, string(body))
	}

	result, err := h.guard.Check(r.Context(), t.ID, deliveryID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if result.Duplicate {
		telemetry.AlertsDeduplicatedTotal.Inc()
		existing, err := h.alerts.Get(r.Context(), t.ID, result.AlertID)
		if err != nil {
			httpserver.RespondErr(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, existing)
		return
	}

	a := Alert{
		TenantID:    t.ID,
		DeliveryID:  deliveryID,
		ToolSource:  req.ToolSource,
		AssetName:   req.AssetName,
		Signature:   req.Signature,
		Severity:    NormalizeSeverity(req.Severity),
		RawSeverity: req.Severity,
		Message:     req.Message,
		RawPayload:  string(body),
	}
	created, err := h.alerts.Create(r.Context(), a)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	telemetry.AlertsReceivedTotal.WithLabelValues(created.ToolSource, string(created.Severity)).Inc()
	h.guard.Remember(r.Context(), t.ID, deliveryID, created.ID)

	h.bus.Publish(eventbus.Event{Topic: eventbus.TopicAlertIngested, TenantID: t.ID, Payload: created})
	httpserver.Respond(w, http.StatusCreated, created)
}

func formatSeconds(n int) string {
	return strconv.Itoa(n)
}
