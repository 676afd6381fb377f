package auth

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// accessClaims is the JWT payload for a patrolwire access token. Access
// tokens are signed, not encrypted: they carry no secret material, only
// the identity needed to authorize a request.
type accessClaims struct {
	jwt.Claims
	TenantID string    `json:"tenant_id"`
	Role     user.Role `json:"role"`
}

const issuer = "patrolwire"

// TokenSigner signs and parses HS256 access tokens.
type TokenSigner struct {
	signingKey []byte
	ttl        time.Duration
	signer     jose.Signer
}

// NewTokenSigner builds a TokenSigner. signingKey must be non-empty.
func NewTokenSigner(signingKey string, ttl time.Duration) (*TokenSigner, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("jwt signing key must not be empty")
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(signingKey)}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("building jwt signer: %w", err)
	}
	return &TokenSigner{signingKey: []byte(signingKey), ttl: ttl, signer: signer}, nil
}

// Issue mints a signed access token for (userID, tenantID, role).
func (s *TokenSigner) Issue(userID, tenantID string, role user.Role) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.ttl)
	claims := accessClaims{
		Claims: jwt.Claims{
			Subject:  userID,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(exp),
		},
		TenantID: tenantID,
		Role:     role,
	}
	raw, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return raw, exp, nil
}

// Parse validates a signed access token and extracts its identity.
func (s *TokenSigner) Parse(raw string) (Identity, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Identity{}, apperr.New(apperr.Unauthorized, "malformed access token")
	}
	var claims accessClaims
	if err := tok.Claims(s.signingKey, &claims); err != nil {
		return Identity{}, apperr.New(apperr.Unauthorized, "invalid access token signature")
	}
	if err := claims.Claims.Validate(jwt.Expected{Issuer: issuer, Time: time.Now()}); err != nil {
		return Identity{}, apperr.New(apperr.Unauthorized, "expired or invalid access token")
	}
	return Identity{UserID: claims.Subject, TenantID: claims.TenantID, Role: claims.Role}, nil
}
