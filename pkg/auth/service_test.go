package auth

import (
	"context"
	"testing"
	"time"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/pkg/user"
)

func newTestService(t *testing.T) (*Service, *user.User) {
	t.Helper()
	st := store.NewMemoryStore()
	users := user.NewStore(st)
	refresh := NewRefreshStore(st)
	signer, err := NewTokenSigner("test-signing-key-at-least-this-long", time.Minute)
	if err != nil {
		t.Fatalf("new token signer: %v", err)
	}
	svc := NewService(signer, refresh, users, time.Hour)

	u, err := users.Create(context.Background(), user.CreateRequest{
		Email: "tech@example.com", Password: "super-secret-pw", Role: user.RoleTechnician,
		TenantIDs: []string{"t1"},
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return svc, u
}

func TestLoginIssuesTokenPair(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	pair, u, err := svc.Login(ctx, "tech@example.com", "super-secret-pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens to be populated, got %+v", pair)
	}
	if u.Email != "tech@example.com" {
		t.Fatalf("expected matching user, got %+v", u)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, _, err := svc.Login(ctx, "tech@example.com", "wrong-password")
	if apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected unauthorized for wrong password, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	pair, _, err := svc.Login(ctx, "tech@example.com", "super-secret-pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	rotated, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected a freshly rotated refresh token, got the same value back")
	}
	if rotated.AccessToken == "" {
		t.Fatalf("expected a new access token from refresh")
	}
}

func TestRefreshRejectsReuseOfRotatedToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	pair, _, err := svc.Login(ctx, "tech@example.com", "super-secret-pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	// Reusing the original (now-rotated-out) refresh token must fail.
	if _, err := svc.Refresh(ctx, pair.RefreshToken); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected unauthorized on reuse of rotated refresh token, got %v", err)
	}
}

func TestRefreshRejectsMalformedToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Refresh(ctx, "not-a-valid-token"); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected unauthorized for malformed token, got %v", err)
	}
}

func TestLogoutAllRevokesExistingRefreshTokens(t *testing.T) {
	ctx := context.Background()
	svc, u := newTestService(t)

	pair, _, err := svc.Login(ctx, "tech@example.com", "super-secret-pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := svc.LogoutAll(ctx, u.ID); err != nil {
		t.Fatalf("logout all: %v", err)
	}

	if _, err := svc.Refresh(ctx, pair.RefreshToken); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected unauthorized after logout-all revoked the refresh token, got %v", err)
	}
}

func TestParseAccessTokenRoundTrips(t *testing.T) {
	ctx := context.Background()
	svc, u := newTestService(t)

	pair, _, err := svc.Login(ctx, "tech@example.com", "super-secret-pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	identity, err := svc.ParseAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if identity.UserID != u.ID {
		t.Fatalf("expected identity user id %q, got %q", u.ID, identity.UserID)
	}
	if identity.TenantID != "t1" {
		t.Fatalf("expected tenant id t1, got %q", identity.TenantID)
	}
	if identity.Role != user.RoleTechnician {
		t.Fatalf("expected technician role, got %q", identity.Role)
	}
}
