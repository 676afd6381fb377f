// Package auth implements component L: login, refresh/rotation,
// logout-all, JWT access tokens, and the RBAC permission function.
package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Service wires the signer and the two stores together into the login/
// refresh/logout-all operations.
type Service struct {
	signer      *TokenSigner
	refresh     *RefreshStore
	users       *user.Store
	refreshTTL  time.Duration
}

// NewService builds an auth Service.
func NewService(signer *TokenSigner, refresh *RefreshStore, users *user.Store, refreshTTL time.Duration) *Service {
	return &Service{signer: signer, refresh: refresh, users: users, refreshTTL: refreshTTL}
}

// TokenPair is the response shape for login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Login verifies email+password and issues a fresh token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, *user.User, error) {
	u, err := s.users.ByEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, nil, apperr.New(apperr.Unauthorized, "invalid email or password")
	}

	tenantID := ""
	if len(u.TenantIDs) > 0 {
		tenantID = u.TenantIDs[0]
	}
	access, exp, err := s.signer.Issue(u.ID, tenantID, u.Role)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := s.refresh.issue(ctx, u.ID, s.refreshTTL)
	if err != nil {
		return nil, nil, err
	}
	_ = s.users.TouchLogin(ctx, u.ID, time.Now())

	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp.Unix()}, u, nil
}

// Refresh rotates a refresh token: the presented token is verified and
// revoked, a new pair is issued. Reusing an already-rotated token fails
// Unauthorized (spec §8 law 6 / scenario S6).
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	userID, err := s.refresh.verifyAndRevoke(ctx, rawRefresh)
	if err != nil {
		return nil, err
	}
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user for refresh: %w", err)
	}
	tenantID := ""
	if len(u.TenantIDs) > 0 {
		tenantID = u.TenantIDs[0]
	}
	access, exp, err := s.signer.Issue(u.ID, tenantID, u.Role)
	if err != nil {
		return nil, err
	}
	newRefresh, err := s.refresh.issue(ctx, u.ID, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: newRefresh, ExpiresAt: exp.Unix()}, nil
}

// LogoutAll revokes every refresh token for userID.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	return s.refresh.RevokeAll(ctx, userID)
}

// ParseAccessToken validates a bearer access token, used by Middleware.
func (s *Service) ParseAccessToken(raw string) (Identity, error) {
	return s.signer.Parse(raw)
}
