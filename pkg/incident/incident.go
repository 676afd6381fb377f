// Package incident implements the Incident entity (spec §3) and its store.
// Correlation (F), assignment (G), remediation (H), approval (I), and SLA
// (J) all read and mutate incidents through this package.
package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/store"
)

// Collection is the store collection name for incidents.
const Collection = "incidents"

// Status is one of the incident lifecycle states (spec §3).
type Status string

const (
	StatusNew             Status = "new"
	StatusInProgress      Status = "in_progress"
	StatusPendingApproval Status = "pending_approval"
	StatusRemediating     Status = "remediating"
	StatusResolved        Status = "resolved"
	StatusEscalated       Status = "escalated"
)

// OpenStatuses are the statuses the correlation engine considers "open"
// when looking for an existing incident to append alerts to (spec §4.F
// step 3a).
var OpenStatuses = []Status{StatusNew, StatusInProgress, StatusPendingApproval, StatusRemediating, StatusEscalated}

// Resolution records how an incident reached status=resolved.
type Resolution string

const (
	ResolutionManual     Resolution = "manual"
	ResolutionAuto       Resolution = "auto"
	ResolutionUnresolved Resolution = "unresolved"
)

// Incident is the persisted incident record (spec §3).
type Incident struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	Signature         string     `json:"signature"`
	AssetName         string     `json:"asset_name"`
	AlertIDs          []string   `json:"alert_ids"`
	AlertCount        int        `json:"alert_count"`
	PriorityScore     int        `json:"priority_score"`
	Severity          string     `json:"severity"`
	ToolSources       []string   `json:"tool_sources"`
	Status            Status     `json:"status"`
	AssignedTo        string     `json:"assigned_to,omitempty"`
	AssignedAt        int64      `json:"assigned_at,omitempty"`
	CreatedAt         int64      `json:"created_at"`
	ResolvedAt        int64      `json:"resolved_at,omitempty"`
	Resolution        Resolution `json:"resolution,omitempty"`
	RunbookExecution  string     `json:"runbook_execution,omitempty"`
	ResponseDeadline  int64      `json:"response_deadline,omitempty"`
	ResolutionDeadline int64     `json:"resolution_deadline,omitempty"`
	EscalationLevel   int        `json:"escalation_level"`
	EscalatedTo       string     `json:"escalated_to,omitempty"`
	LastEscalatedStep int        `json:"last_escalated_step"`
	Version           int        `json:"version"`
}

// HasAlert reports whether alertID is already a member of the incident.
func (inc Incident) HasAlert(alertID string) bool {
	for _, id := range inc.AlertIDs {
		if id == alertID {
			return true
		}
	}
	return false
}

// IsOpen reports whether inc is in one of OpenStatuses.
func (inc Incident) IsOpen() bool {
	for _, s := range OpenStatuses {
		if inc.Status == s {
			return true
		}
	}
	return false
}

// DistinctToolSources returns the count of distinct tool_sources, used by
// the priority formula's multi-tool bonus.
func (inc Incident) DistinctToolSources() int {
	return len(inc.ToolSources)
}

// Store is the incident repository.
type Store struct {
	st store.Store
}

// NewStore builds an incident Store over st.
func NewStore(st store.Store) *Store { return &Store{st: st} }

// Create persists a brand-new incident with a generated id.
func (s *Store) Create(ctx context.Context, inc Incident) (*Incident, error) {
	inc.ID = uuid.New().String()
	inc.Version = 1
	if inc.CreatedAt == 0 {
		inc.CreatedAt = time.Now().Unix()
	}
	if err := store.InsertTyped(ctx, s.st, inc.TenantID, Collection, inc.ID, inc); err != nil {
		return nil, fmt.Errorf("inserting incident: %w", err)
	}
	return &inc, nil
}

// Get fetches an incident by id, tenant-scoped.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Incident, error) {
	inc, err := store.FindOneTyped[Incident](ctx, s.st, tenantID, Collection, id)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// List returns incidents for a tenant, newest first.
func (s *Store) List(ctx context.Context, tenantID string, filters []store.Filter, limit int) ([]Incident, error) {
	return store.FindTyped[Incident](ctx, s.st, tenantID, Collection, filters,
		[]store.Sort{{Field: "created_at", Desc: true}}, store.Page{Limit: limit})
}

// FindOpenByKey returns open incidents for (signature, assetName) created
// within the correlation window — used by the correlation engine (§4.F
// step 3a) to find an incident to append to rather than create anew.
func (s *Store) FindOpenByKey(ctx context.Context, tenantID, signature, assetName string, createdSince int64) ([]Incident, error) {
	filters := []store.Filter{
		store.FieldEq("signature", signature),
		store.FieldEq("asset_name", assetName),
		store.FieldIn("status", statusValues(OpenStatuses)...),
		store.FieldRange("created_at", store.RangeBound{Min: createdSince, MinInclusive: true}),
	}
	return s.List(ctx, tenantID, filters, 0)
}

func statusValues(statuses []Status) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

const maxCASAttempts = 3

// CAS applies mutate to the incident, retrying up to maxCASAttempts times
// on a version conflict (spec §5: bounded 3-attempt optimistic-concurrency
// retry). mutate receives the current incident and returns the next state;
// returning the same Version as given signals "no intended change" (not
// used currently, every successful mutate bumps Version).
func (s *Store) CAS(ctx context.Context, tenantID, id string, mutate func(Incident) (Incident, error)) (*Incident, error) {
	var result Incident
	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.st.UpdateOne(ctx, tenantID, Collection, id, func(doc store.Document) (store.Document, error) {
			cur, err := store.Decode[Incident](doc)
			if err != nil {
				return nil, err
			}
			next, err := mutate(cur)
			if err != nil {
				return nil, err
			}
			next.Version = cur.Version + 1
			result = next
			return store.Encode(next)
		})
		if err == nil {
			return &result, nil
		}
		if apperr.KindOf(err) != apperr.Conflict {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperr.Wrap(apperr.Conflict, "incident update conflict after retries", lastErr)
}
