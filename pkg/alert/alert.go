// Package alert implements the Alert entity (spec §3) and the webhook
// receiver pipeline (component E): the single ingestion point every
// monitoring tool's alert enters through.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/patrolwire/patrolwire/internal/store"
)

// Collection is the store collection name for alerts.
const Collection = "alerts"

// Severity is the normalized severity an inbound tool's own severity string
// is mapped to (spec §4.E step 4).
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityAliases maps the vocabulary of common monitoring tools onto the
// five normalized levels above (spec §4.E: "severity mapping table").
var severityAliases = map[string]Severity{
	"critical": SeverityCritical,
	"crit":     SeverityCritical,
	"p1":       SeverityCritical,
	"sev1":     SeverityCritical,
	"fatal":    SeverityCritical,
	"emergency": SeverityCritical,

	"high":  SeverityHigh,
	"error": SeverityHigh,
	"p2":    SeverityHigh,
	"sev2":  SeverityHigh,

	"medium":  SeverityMedium,
	"warning": SeverityMedium,
	"warn":    SeverityMedium,
	"p3":      SeverityMedium,
	"sev3":    SeverityMedium,

	"low":  SeverityLow,
	"p4":   SeverityLow,
	"sev4": SeverityLow,

	"info":    SeverityInfo,
	"notice":  SeverityInfo,
	"ok":      SeverityInfo,
	"resolved": SeverityInfo,
}

// NormalizeSeverity maps a tool-reported severity string to one of the five
// normalized levels, defaulting to medium when the tool's vocabulary isn't
// recognized (spec §4.E: "unrecognized severities default to medium rather
// than rejecting the alert").
func NormalizeSeverity(raw string) Severity {
	if sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return sev
	}
	return SeverityMedium
}

// Alert is the persisted, normalized record of one inbound tool alert.
type Alert struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	DeliveryID        string          `json:"delivery_id"`
	ToolSource        string          `json:"tool_source"`
	AssetName         string          `json:"asset_name"`
	Signature         string          `json:"signature"`
	Severity          Severity        `json:"severity"`
	RawSeverity       string          `json:"raw_severity"`
	Message           string          `json:"message"`
	RawPayload        string          `json:"raw_payload"`
	DeliveryAttempts  int             `json:"delivery_attempts"`
	IncidentID        string          `json:"incident_id,omitempty"`
	CreatedAt         int64           `json:"created_at"`
}

// IngestRequest is the normalized webhook body every tool adapter maps its
// own payload shape onto before it reaches the receiver (spec §4.E step 2).
type IngestRequest struct {
	DeliveryID  string `json:"delivery_id"`
	ToolSource  string `json:"tool_source" validate:"required"`
	AssetName   string `json:"asset_name" validate:"required"`
	Signature   string `json:"signature" validate:"required"`
	Severity    string `json:"severity" validate:"required"`
	Message     string `json:"message"`
}

// Store is the alert repository.
type Store struct {
	st store.Store
}

// NewStore builds an alert Store over st.
func NewStore(st store.Store) *Store { return &Store{st: st} }

// Create persists a newly-ingested alert.
func (s *Store) Create(ctx context.Context, a Alert) (*Alert, error) {
	a.ID = uuid.New().String()
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	if err := store.InsertTyped(ctx, s.st, a.TenantID, Collection, a.ID, a); err != nil {
		return nil, fmt.Errorf("inserting alert: %w", err)
	}
	return &a, nil
}

// Get fetches an alert by id, tenant-scoped.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Alert, error) {
	a, err := store.FindOneTyped[Alert](ctx, s.st, tenantID, Collection, id)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns alerts for a tenant, newest first, optionally filtered.
func (s *Store) List(ctx context.Context, tenantID string, filters []store.Filter, limit int) ([]Alert, error) {
	return store.FindTyped[Alert](ctx, s.st, tenantID, Collection, filters,
		[]store.Sort{{Field: "created_at", Desc: true}}, store.Page{Limit: limit})
}

// ByIncident returns every alert attached to an incident, used by the
// correlation engine and the incident detail view.
func (s *Store) ByIncident(ctx context.Context, tenantID, incidentID string) ([]Alert, error) {
	return s.List(ctx, tenantID, []store.Filter{store.FieldEq("incident_id", incidentID)}, 0)
}

// SetIncident attaches an alert to the incident it was correlated into.
func (s *Store) SetIncident(ctx context.Context, tenantID, alertID, incidentID string) error {
	return s.st.UpdateOne(ctx, tenantID, Collection, alertID, func(doc store.Document) (store.Document, error) {
		cur, err := store.Decode[Alert](doc)
		if err != nil {
			return nil, err
		}
		cur.IncidentID = incidentID
		return store.Encode(cur)
	})
}

// FindByDeliveryID implements idempotency.AlertLookup: it looks for an
// existing alert with the given delivery id created at or after since.
func (s *Store) FindByDeliveryID(ctx context.Context, tenantID, deliveryID string, since time.Time) (string, bool, error) {
	filters := []store.Filter{
		store.FieldEq("delivery_id", deliveryID),
		store.FieldRange("created_at", store.RangeBound{Min: since.Unix(), MinInclusive: true}),
	}
	alerts, err := store.FindTyped[Alert](ctx, s.st, tenantID, Collection, filters, nil, store.Page{Limit: 1})
	if err != nil {
		return "", false, err
	}
	if len(alerts) == 0 {
		return "", false, nil
	}
	return alerts[0].ID, true, nil
}

// FindUncorrelated returns alerts matching filters created at or after since
// that have not yet been attached to an incident. The correlation engine
// uses this to find siblings of a deferred single-alert group (spec §4.F
// step 4: a non-critical alert that is the first of its aggregation key
// waits for a second match before an incident is created).
func (s *Store) FindUncorrelated(ctx context.Context, tenantID string, filters []store.Filter, since int64) ([]Alert, error) {
	all := append([]store.Filter{
		store.FieldRange("created_at", store.RangeBound{Min: since, MinInclusive: true}),
	}, filters...)
	candidates, err := store.FindTyped[Alert](ctx, s.st, tenantID, Collection, all, []store.Sort{{Field: "created_at"}}, store.Page{})
	if err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(candidates))
	for _, a := range candidates {
		if a.IncidentID == "" {
			out = append(out, a)
		}
	}
	return out, nil
}

// IncrementDeliveryAttempts implements idempotency.AlertLookup: it bumps the
// retry counter on a duplicate delivery.
func (s *Store) IncrementDeliveryAttempts(ctx context.Context, tenantID, alertID string) error {
	return s.st.UpdateOne(ctx, tenantID, Collection, alertID, func(doc store.Document) (store.Document, error) {
		cur, err := store.Decode[Alert](doc)
		if err != nil {
			return nil, err
		}
		cur.DeliveryAttempts++
		return store.Encode(cur)
	})
}
