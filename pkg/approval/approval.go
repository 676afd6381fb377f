// Package approval implements component I: the approve/reject workflow
// gating medium- and high-risk remediation actions.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/store"
)

// Collection is the store collection name for approval requests.
const Collection = "approval_requests"

// Status is the approval request lifecycle state (spec §4.I).
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// defaultTTL bounds how long a pending request waits before it expires
// automatically (spec §4.I: unanswered requests expire one hour after the
// requester opened them).
const defaultTTL = time.Hour

// Request is a single pending-or-decided approval.
type Request struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	IncidentID  string     `json:"incident_id"`
	RunbookID   string     `json:"runbook_id"`
	RiskLevel   string     `json:"risk_level"`
	RequestedBy string     `json:"requested_by"`
	Status      Status     `json:"status"`
	DecidedBy   string      `json:"decided_by,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	CreatedAt   int64       `json:"created_at"`
	DecidedAt   int64       `json:"decided_at,omitempty"`
	ExpiresAt   int64       `json:"expires_at"`
	Version     int         `json:"version"`
}

// IsPending reports whether decisions can still be recorded against req.
func (req Request) IsPending() bool {
	return req.Status == StatusPending
}

// Store is the approval request repository.
type Store struct {
	st store.Store
}

// NewStore builds an approval Store over st.
func NewStore(st store.Store) *Store { return &Store{st: st} }

// Create opens a new pending approval request.
func (s *Store) Create(ctx context.Context, tenantID, incidentID, runbookID, riskLevel, requestedBy string) (*Request, error) {
	now := time.Now()
	req := &Request{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		IncidentID:  incidentID,
		RunbookID:   runbookID,
		RiskLevel:   riskLevel,
		RequestedBy: requestedBy,
		Status:      StatusPending,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(defaultTTL).Unix(),
		Version:     1,
	}
	if err := store.InsertTyped(ctx, s.st, tenantID, Collection, req.ID, req); err != nil {
		return nil, fmt.Errorf("inserting approval request: %w", err)
	}
	return req, nil
}

// Get fetches an approval request by id, tenant-scoped.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Request, error) {
	req, err := store.FindOneTyped[Request](ctx, s.st, tenantID, Collection, id)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListPending returns every pending approval request for a tenant.
func (s *Store) ListPending(ctx context.Context, tenantID string) ([]Request, error) {
	return store.FindTyped[Request](ctx, s.st, tenantID, Collection,
		[]store.Filter{store.FieldEq("status", string(StatusPending))},
		[]store.Sort{{Field: "created_at"}}, store.Page{})
}

const maxCASAttempts = 3

// Decide atomically transitions a pending request to approved or rejected.
// A request that has already been decided, or has expired, cannot be
// decided again (spec §4.I invariant: "each request is decided at most
// once").
func (s *Store) Decide(ctx context.Context, tenantID, id, decidedBy string, approve bool, reason string) (*Request, error) {
	now := time.Now().Unix()
	var result Request
	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.st.UpdateOne(ctx, tenantID, Collection, id, func(doc store.Document) (store.Document, error) {
			cur, err := store.Decode[Request](doc)
			if err != nil {
				return nil, err
			}
			if cur.ExpiresAt != 0 && now > cur.ExpiresAt && cur.Status == StatusPending {
				cur.Status = StatusExpired
			}
			if !cur.IsPending() {
				return nil, apperr.New(apperr.Conflict, "approval request already decided or expired")
			}
			if approve {
				cur.Status = StatusApproved
			} else {
				cur.Status = StatusRejected
			}
			cur.DecidedBy = decidedBy
			cur.DecidedAt = now
			cur.Reason = reason
			cur.Version++
			result = cur
			return store.Encode(cur)
		})
		if err == nil {
			return &result, nil
		}
		if apperr.KindOf(err) == apperr.Conflict {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperr.Wrap(apperr.Conflict, "approval decision conflict after retries", lastErr)
}

// ExpirePending sweeps every tenant-scoped pending request past its TTL and
// marks it expired in a single batch, called periodically by the SLA
// monitor's scan loop.
func (s *Store) ExpirePending(ctx context.Context, tenantID string) (int, error) {
	now := time.Now().Unix()
	return s.st.UpdateMany(ctx, tenantID, Collection,
		[]store.Filter{
			store.FieldEq("status", string(StatusPending)),
			store.FieldRange("expires_at", store.RangeBound{Max: now}),
		},
		func(doc store.Document) (store.Document, error) {
			cur, err := store.Decode[Request](doc)
			if err != nil {
				return nil, err
			}
			if !cur.IsPending() {
				return store.Encode(cur)
			}
			cur.Status = StatusExpired
			return store.Encode(cur)
		})
}
