// Package tenant implements the Tenant entity (spec §3): MSP-managed
// customer organizations, the primary multi-tenant isolation boundary.
package tenant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/store"
)

// Collection is the store collection name for tenants.
const Collection = "tenants"

// AWSIntegration holds the cloud systems-manager account binding for a
// tenant's remediation dispatcher (component H).
type AWSIntegration struct {
	AccountID  string `json:"account_id,omitempty"`
	Role       string `json:"role,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Region     string `json:"region,omitempty"`
}

// Tenant is the persisted tenant record.
type Tenant struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	APIKey         string         `json:"api_key"`
	HMACSecret     string         `json:"hmac_secret,omitempty"`
	AWSIntegration AWSIntegration `json:"aws_integration"`
	CriticalAssets []string       `json:"critical_assets"`
	CreatedAt      int64          `json:"created_at"`
}

// CreateRequest is the JSON body for POST /api/tenants.
type CreateRequest struct {
	Name           string   `json:"name" validate:"required,min=2"`
	CriticalAssets []string `json:"critical_assets"`
}

// UpdateRequest is the JSON body for PUT /api/tenants/{id}.
type UpdateRequest struct {
	Name           string   `json:"name" validate:"required,min=2"`
	CriticalAssets []string `json:"critical_assets"`
}

// Response is the JSON shape returned to API callers. The HMAC secret is
// never echoed back in full once set.
type Response struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	APIKey           string   `json:"api_key"`
	HasHMACSecret    bool     `json:"has_hmac_secret"`
	AWSIntegration   AWSIntegration `json:"aws_integration"`
	CriticalAssets   []string `json:"critical_assets"`
	CreatedAt        int64    `json:"created_at"`
}

// ToResponse converts a Tenant to its wire shape.
func (t Tenant) ToResponse() Response {
	return Response{
		ID:             t.ID,
		Name:           t.Name,
		APIKey:         t.APIKey,
		HasHMACSecret:  t.HMACSecret != "",
		AWSIntegration: t.AWSIntegration,
		CriticalAssets: t.CriticalAssets,
		CreatedAt:      t.CreatedAt,
	}
}

// IsCriticalAsset reports whether assetName is on the tenant's
// critical-asset list (used by the correlation engine's priority bonus).
func (t Tenant) IsCriticalAsset(assetName string) bool {
	for _, a := range t.CriticalAssets {
		if a == assetName {
			return true
		}
	}
	return false
}

func generateOpaqueSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Store is the tenant repository, built on the generic document facade.
type Store struct {
	st store.Store
}

// NewStore builds a tenant Store over st.
func NewStore(st store.Store) *Store { return &Store{st: st} }

// globalTenant is the pseudo-tenant under which the tenant registry itself
// is stored, since tenant records are not scoped to the tenant they
// describe (the storage facade still requires a tenant_id on every call).
const globalTenant = "_global"

// Create persists a new tenant with a generated id and api key.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Tenant, error) {
	apiKey, err := generateOpaqueSecret()
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "generating api key", err)
	}
	t := &Tenant{
		ID:             uuid.New().String(),
		Name:           req.Name,
		APIKey:         apiKey,
		CriticalAssets: req.CriticalAssets,
		CreatedAt:      time.Now().Unix(),
	}
	if err := store.InsertTyped(ctx, s.st, globalTenant, Collection, t.ID, t); err != nil {
		return nil, fmt.Errorf("inserting tenant: %w", err)
	}
	return t, nil
}

// Get fetches a tenant by id.
func (s *Store) Get(ctx context.Context, id string) (*Tenant, error) {
	t, err := store.FindOneTyped[Tenant](ctx, s.st, globalTenant, Collection, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns every tenant (admin operation, not tenant-scoped by nature).
func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	return store.FindTyped[Tenant](ctx, s.st, globalTenant, Collection, nil, []store.Sort{{Field: "created_at"}}, store.Page{})
}

// Update mutates a tenant's name and critical-asset list.
func (s *Store) Update(ctx context.Context, id string, req UpdateRequest) (*Tenant, error) {
	var updated Tenant
	err := s.st.UpdateOne(ctx, globalTenant, Collection, id, func(doc store.Document) (store.Document, error) {
		cur, err := store.Decode[Tenant](doc)
		if err != nil {
			return nil, err
		}
		cur.Name = req.Name
		cur.CriticalAssets = req.CriticalAssets
		updated = cur
		return store.Encode(cur)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes a tenant.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.st.DeleteOne(ctx, globalTenant, Collection, id)
}

// RotateAPIKey replaces a tenant's api_key with a freshly generated one.
func (s *Store) RotateAPIKey(ctx context.Context, id string) (*Tenant, error) {
	newKey, err := generateOpaqueSecret()
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "generating api key", err)
	}
	var updated Tenant
	err = s.st.UpdateOne(ctx, globalTenant, Collection, id, func(doc store.Document) (store.Document, error) {
		cur, err := store.Decode[Tenant](doc)
		if err != nil {
			return nil, err
		}
		cur.APIKey = newKey
		updated = cur
		return store.Encode(cur)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// RotateHMACSecret replaces a tenant's hmac_secret with a freshly generated one.
func (s *Store) RotateHMACSecret(ctx context.Context, id string) (*Tenant, error) {
	newSecret, err := generateOpaqueSecret()
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "generating hmac secret", err)
	}
	var updated Tenant
	err = s.st.UpdateOne(ctx, globalTenant, Collection, id, func(doc store.Document) (store.Document, error) {
		cur, err := store.Decode[Tenant](doc)
		if err != nil {
			return nil, err
		}
		cur.HMACSecret = newSecret
		updated = cur
		return store.Encode(cur)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ByAPIKey resolves the tenant owning apiKey, used by the webhook receiver
// (component E, step 1). Invariant #2 (spec §8): no two tenants share an
// api_key, so this always resolves to at most one tenant.
func (s *Store) ByAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	docs, err := s.st.Find(ctx, globalTenant, Collection, []store.Filter{store.FieldEq("api_key", apiKey)}, nil, store.Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.New(apperr.Unauthorized, "unknown api key")
	}
	t, err := store.Decode[Tenant](docs[0])
	if err != nil {
		return nil, err
	}
	return &t, nil
}
