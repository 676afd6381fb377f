// Package user implements the User entity and role/permission model backing
// component L's RBAC checks (spec §3, §4.L).
package user

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/store"
)

// Role is one of the four role levels named in spec §3. Per the resolved
// Open Question (SPEC_FULL.md §9), "admin" and "msp_admin" are the same
// role here.
type Role string

const (
	RoleSystemAdmin Role = "system_admin"
	RoleMSPAdmin    Role = "msp_admin"
	RoleTenantAdmin Role = "tenant_admin"
	RoleTechnician  Role = "technician"
)

// rank orders roles from least to most privileged for "X+" permission
// checks (e.g. "tenant_admin+" means tenant_admin or above).
var rank = map[Role]int{
	RoleTechnician:  0,
	RoleTenantAdmin: 1,
	RoleMSPAdmin:    2,
	RoleSystemAdmin: 2, // treated identically to msp_admin per Open Question
}

// AtLeast reports whether r is at least as privileged as min.
func (r Role) AtLeast(min Role) bool { return rank[r] >= rank[min] }

// Collection is the store collection name for users.
const Collection = "users"

// User is the persisted user record. TenantIDs is empty for system_admin/
// msp_admin (scope = all tenants).
type User struct {
	ID                string   `json:"id"`
	Email             string   `json:"email"`
	PasswordHash      string   `json:"password_hash"`
	Role              Role     `json:"role"`
	Permissions       []string `json:"permissions"`
	TenantIDs         []string `json:"tenant_ids"`
	OnShift           bool     `json:"on_shift"`
	LastLoginAt       int64    `json:"last_login_at,omitempty"`
	CreatedAt         int64    `json:"created_at"`
}

// Response is the wire shape returned to API callers; never includes the
// password hash.
type Response struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
	TenantIDs   []string `json:"tenant_ids"`
	OnShift     bool     `json:"on_shift"`
	CreatedAt   int64    `json:"created_at"`
}

// ToResponse converts a User to its wire shape.
func (u User) ToResponse() Response {
	return Response{
		ID: u.ID, Email: u.Email, Role: u.Role, Permissions: u.Permissions,
		TenantIDs: u.TenantIDs, OnShift: u.OnShift, CreatedAt: u.CreatedAt,
	}
}

// InTenant reports whether u is scoped to tenantID (empty scope == all
// tenants, reserved for system_admin/msp_admin).
func (u User) InTenant(tenantID string) bool {
	if len(u.TenantIDs) == 0 {
		return true
	}
	for _, t := range u.TenantIDs {
		if t == tenantID {
			return true
		}
	}
	return false
}

// HasPermission reports whether u carries action as an explicit permission
// override (spec §4.L: "explicit permissions override" the role base set).
func (u User) HasPermission(action string) bool {
	for _, p := range u.Permissions {
		if p == action {
			return true
		}
	}
	return false
}

// CreateRequest is the JSON body for POST /api/users.
type CreateRequest struct {
	Email     string   `json:"email" validate:"required,email"`
	Password  string   `json:"password" validate:"required,min=10"`
	Role      Role     `json:"role" validate:"required,oneof=system_admin msp_admin tenant_admin technician"`
	TenantIDs []string `json:"tenant_ids"`
}

// Store is the user repository.
type Store struct {
	st store.Store
}

// NewStore builds a user Store over st.
func NewStore(st store.Store) *Store { return &Store{st: st} }

// globalScope is the pseudo-tenant users are stored under, mirroring
// pkg/tenant: a user's TenantIDs can span multiple tenants, so the record
// itself isn't naturally scoped to one.
const globalScope = "_global"

// Create hashes the password and inserts a new user.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "hashing password", err)
	}
	u := &User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         req.Role,
		TenantIDs:    req.TenantIDs,
		CreatedAt:    time.Now().Unix(),
	}
	if err := store.InsertTyped(ctx, s.st, globalScope, Collection, u.ID, u); err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// Get fetches a user by id.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	u, err := store.FindOneTyped[User](ctx, s.st, globalScope, Collection, id)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ByEmail resolves a user by email (unique per spec §3), used at login.
func (s *Store) ByEmail(ctx context.Context, email string) (*User, error) {
	docs, err := s.st.Find(ctx, globalScope, Collection, []store.Filter{store.FieldEq("email", email)}, nil, store.Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.New(apperr.Unauthorized, "invalid email or password")
	}
	u, err := store.Decode[User](docs[0])
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListTechnicians returns every technician scoped to tenantID.
func (s *Store) ListTechnicians(ctx context.Context, tenantID string) ([]User, error) {
	all, err := store.FindTyped[User](ctx, s.st, globalScope, Collection,
		[]store.Filter{store.FieldEq("role", string(RoleTechnician))}, nil, store.Page{})
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(all))
	for _, u := range all {
		if u.InTenant(tenantID) {
			out = append(out, u)
		}
	}
	return out, nil
}

// TouchLogin records the user's last login timestamp. The assignment
// ranker does not read it; it breaks ties on load, then id.
func (s *Store) TouchLogin(ctx context.Context, id string, when time.Time) error {
	return s.st.UpdateOne(ctx, globalScope, Collection, id, func(doc store.Document) (store.Document, error) {
		cur, err := store.Decode[User](doc)
		if err != nil {
			return nil, err
		}
		cur.LastLoginAt = when.Unix()
		return store.Encode(cur)
	})
}
