// Package idempotency implements component C: the 24-hour delivery-id
// dedup guard sitting in front of alert persistence.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/patrolwire/patrolwire/internal/store"
)

const window = 24 * time.Hour

// DeriveDeliveryID computes the fallback delivery id from the alert fields
// when the caller supplies none (spec §4.C).
func DeriveDeliveryID(tenantID, assetName, signature, message, body string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte("\x00"))
	h.Write([]byte(assetName))
	h.Write([]byte("\x00"))
	h.Write([]byte(signature))
	h.Write([]byte("\x00"))
	h.Write([]byte(message))
	h.Write([]byte("\x00"))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// Result is the dedup outcome returned to the webhook receiver.
type Result struct {
	Duplicate bool
	AlertID   string
}

// AlertLookup is the subset of the alert store the guard needs: finding an
// existing alert by delivery id within the window, and bumping its
// delivery_attempts counter. Defined here (rather than importing pkg/alert)
// to avoid a dependency cycle — pkg/alert depends on this package, not the
// other way around.
type AlertLookup interface {
	FindByDeliveryID(ctx context.Context, tenantID, deliveryID string, since time.Time) (alertID string, found bool, err error)
	IncrementDeliveryAttempts(ctx context.Context, tenantID, alertID string) error
}

// Guard deduplicates inbound alerts by delivery id. A Redis-first cache
// (delivery_id -> alert_id, 24h TTL) sits in front of AlertLookup, warming
// on a DB hit, mirroring this codebase's other hot-path/source-of-truth
// pairs (rate limiter, tenant-config cache).
type Guard struct {
	alerts AlertLookup
	rdb    *redis.Client
	st     store.Store
}

// New builds a Guard. rdb may be nil.
func New(alerts AlertLookup, rdb *redis.Client, st store.Store) *Guard {
	return &Guard{alerts: alerts, rdb: rdb, st: st}
}

// Check looks up deliveryID for tenantID. If a match is found within the
// 24h window, the existing alert's delivery_attempts is incremented and
// Result.Duplicate is true.
func (g *Guard) Check(ctx context.Context, tenantID, deliveryID string) (Result, error) {
	cacheKey := fmt.Sprintf("idempotency:%s:%s", tenantID, deliveryID)

	if g.rdb != nil {
		if alertID, err := g.rdb.Get(ctx, cacheKey).Result(); err == nil && alertID != "" {
			if err := g.alerts.IncrementDeliveryAttempts(ctx, tenantID, alertID); err != nil {
				return Result{}, err
			}
			return Result{Duplicate: true, AlertID: alertID}, nil
		}
	}

	since := store.Now().Add(-window)
	alertID, found, err := g.alerts.FindByDeliveryID(ctx, tenantID, deliveryID, since)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Duplicate: false}, nil
	}

	if err := g.alerts.IncrementDeliveryAttempts(ctx, tenantID, alertID); err != nil {
		return Result{}, err
	}
	if g.rdb != nil {
		g.rdb.Set(ctx, cacheKey, alertID, window)
	}
	return Result{Duplicate: true, AlertID: alertID}, nil
}

// Remember caches a freshly inserted alert's delivery id so a near-immediate
// duplicate hits the Redis hot path rather than the storage facade.
func (g *Guard) Remember(ctx context.Context, tenantID, deliveryID, alertID string) {
	if g.rdb == nil {
		return
	}
	cacheKey := fmt.Sprintf("idempotency:%s:%s", tenantID, deliveryID)
	g.rdb.Set(ctx, cacheKey, alertID, window)
}
