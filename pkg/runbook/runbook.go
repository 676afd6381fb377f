// Package runbook implements the Runbook entity (spec §3): an ordered
// sequence of shell actions gated by risk level, consumed by component H.
package runbook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patrolwire/patrolwire/internal/store"
)

// Collection is the store collection name for runbooks.
const Collection = "runbooks"

// RiskLevel gates who may execute a runbook and whether it requires
// approval (spec §4.H step 2).
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// GenericSignature is the wildcard signature a runbook can carry to match
// any incident (spec §3: "default generic").
const GenericSignature = "generic"

// HealthCheck is one post-execution verification step.
type HealthCheck struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// Runbook is the persisted runbook record.
type Runbook struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Name        string        `json:"name"`
	Signature   string        `json:"signature"`
	RiskLevel   RiskLevel     `json:"risk_level"`
	Actions     []string      `json:"actions"`
	HealthChecks []HealthCheck `json:"health_checks"`
	AutoApprove bool          `json:"auto_approve"`
	CreatedAt   int64         `json:"created_at"`
}

// MatchesIncidentSignature reports whether rb is eligible to remediate an
// incident with the given signature (spec §4.H step 1: "signature matches
// incident signature or equals generic").
func (rb Runbook) MatchesIncidentSignature(incidentSignature string) bool {
	return rb.Signature == incidentSignature || rb.Signature == GenericSignature
}

// CreateRequest is the JSON body for POST /api/runbooks.
type CreateRequest struct {
	Name         string        `json:"name" validate:"required,min=2"`
	Signature    string        `json:"signature"`
	RiskLevel    RiskLevel     `json:"risk_level" validate:"required,oneof=low medium high"`
	Actions      []string      `json:"actions" validate:"required,min=1"`
	HealthChecks []HealthCheck `json:"health_checks"`
	AutoApprove  bool          `json:"auto_approve"`
}

// Store is the runbook repository.
type Store struct {
	st store.Store
}

// NewStore builds a runbook Store over st.
func NewStore(st store.Store) *Store { return &Store{st: st} }

// Create persists a new runbook, defaulting signature to "generic".
func (s *Store) Create(ctx context.Context, tenantID string, req CreateRequest) (*Runbook, error) {
	signature := req.Signature
	if signature == "" {
		signature = GenericSignature
	}
	rb := &Runbook{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Name:         req.Name,
		Signature:    signature,
		RiskLevel:    req.RiskLevel,
		Actions:      req.Actions,
		HealthChecks: req.HealthChecks,
		AutoApprove:  req.AutoApprove,
		CreatedAt:    time.Now().Unix(),
	}
	if err := store.InsertTyped(ctx, s.st, tenantID, Collection, rb.ID, rb); err != nil {
		return nil, fmt.Errorf("inserting runbook: %w", err)
	}
	return rb, nil
}

// Get fetches a runbook by id, tenant-scoped.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Runbook, error) {
	rb, err := store.FindOneTyped[Runbook](ctx, s.st, tenantID, Collection, id)
	if err != nil {
		return nil, err
	}
	return &rb, nil
}

// List returns every runbook for a tenant.
func (s *Store) List(ctx context.Context, tenantID string) ([]Runbook, error) {
	return store.FindTyped[Runbook](ctx, s.st, tenantID, Collection, nil, []store.Sort{{Field: "name"}}, store.Page{})
}

// FindForSignature returns runbooks matching the incident signature or the
// generic fallback. The remediation dispatcher does not call it; it loads
// the requested runbook by id.
func (s *Store) FindForSignature(ctx context.Context, tenantID, signature string) ([]Runbook, error) {
	all, err := s.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Runbook, 0, len(all))
	for _, rb := range all {
		if rb.MatchesIncidentSignature(signature) {
			out = append(out, rb)
		}
	}
	return out, nil
}
