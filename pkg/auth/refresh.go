package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/store"
)

// refreshCollection is the store collection for refresh tokens.
const refreshCollection = "refresh_tokens"

// refreshScope is the pseudo-tenant refresh tokens are stored under; a
// refresh token authenticates a user, not a tenant-scoped resource.
const refreshScope = "_global"

// refreshToken is the persisted record (spec §3 RefreshToken). Only the
// hash of the opaque secret is stored, never the secret itself.
type refreshToken struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	SecretHash string `json:"secret_hash"`
	ExpiresAt  int64  `json:"expires_at"`
	Revoked    bool   `json:"revoked"`
	CreatedAt  int64  `json:"created_at"`
}

// RefreshStore persists opaque refresh tokens.
type RefreshStore struct {
	st store.Store
}

// NewRefreshStore builds a RefreshStore over st.
func NewRefreshStore(st store.Store) *RefreshStore { return &RefreshStore{st: st} }

// issue mints a new refresh token for userID, returning the opaque
// client-facing string "<id>.<secret>".
func (s *RefreshStore) issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", apperr.Wrap(apperr.Fatal, "generating refresh secret", err)
	}
	secretHex := hex.EncodeToString(secret)
	hash := sha256.Sum256([]byte(secretHex))

	rt := refreshToken{
		ID:         uuid.New().String(),
		UserID:     userID,
		SecretHash: hex.EncodeToString(hash[:]),
		ExpiresAt:  time.Now().Add(ttl).Unix(),
		CreatedAt:  time.Now().Unix(),
	}
	if err := store.InsertTyped(ctx, s.st, refreshScope, refreshCollection, rt.ID, rt); err != nil {
		return "", fmt.Errorf("inserting refresh token: %w", err)
	}
	return rt.ID + "." + secretHex, nil
}

// verifyAndRevoke looks up the refresh token named by raw, checks it is
// unexpired/unrevoked/matching, and revokes it (refresh is single-use: spec
// §6 S6 — reusing a rotated-out refresh token must 401).
func (s *RefreshStore) verifyAndRevoke(ctx context.Context, raw string) (string, error) {
	id, secret, ok := strings.Cut(raw, ".")
	if !ok {
		return "", apperr.New(apperr.Unauthorized, "malformed refresh token")
	}
	doc, err := s.st.FindOne(ctx, refreshScope, refreshCollection, id)
	if err != nil {
		return "", apperr.New(apperr.Unauthorized, "invalid refresh token")
	}
	rt, err := store.Decode[refreshToken](doc)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256([]byte(secret))
	want, _ := hex.DecodeString(rt.SecretHash)
	if subtle.ConstantTimeCompare(hash[:], want) != 1 {
		return "", apperr.New(apperr.Unauthorized, "invalid refresh token")
	}
	if rt.Revoked || time.Now().Unix() > rt.ExpiresAt {
		return "", apperr.New(apperr.Unauthorized, "refresh token expired or revoked")
	}

	err = s.st.UpdateOne(ctx, refreshScope, refreshCollection, id, func(d store.Document) (store.Document, error) {
		cur, err := store.Decode[refreshToken](d)
		if err != nil {
			return nil, err
		}
		cur.Revoked = true
		return store.Encode(cur)
	})
	if err != nil {
		return "", err
	}
	return rt.UserID, nil
}

// RevokeAll revokes every refresh token belonging to userID (logout-all).
func (s *RefreshStore) RevokeAll(ctx context.Context, userID string) error {
	tokens, err := store.FindTyped[refreshToken](ctx, s.st, refreshScope, refreshCollection,
		[]store.Filter{store.FieldEq("user_id", userID), store.FieldEq("revoked", false)}, nil, store.Page{})
	if err != nil {
		return err
	}
	for _, rt := range tokens {
		id := rt.ID
		err := s.st.UpdateOne(ctx, refreshScope, refreshCollection, id, func(d store.Document) (store.Document, error) {
			cur, err := store.Decode[refreshToken](d)
			if err != nil {
				return nil, err
			}
			cur.Revoked = true
			return store.Encode(cur)
		})
		if err != nil {
			return fmt.Errorf("revoking refresh token %s: %w", id, err)
		}
	}
	return nil
}
