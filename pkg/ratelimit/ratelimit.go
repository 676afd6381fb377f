// Package ratelimit implements component B: a per-tenant sliding window
// admission control over the webhook receiver.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/patrolwire/patrolwire/internal/store"
)

const collection = "ratelimit_events"

// window is the fixed sliding-window size (spec §4.B: "drop entries older
// than 60s").
const window = 60 * time.Second

// Decision is the result of an admission check.
type Decision struct {
	Admitted  bool
	Limit     int
	Burst     int
	Remaining int
	RetryAfter time.Duration
}

// Limiter admits or rejects requests against a tenant's sliding-window
// burst budget. State is kept in the storage facade (source of truth) with
// an optional Redis hot path layered in front for admission latency,
// mirroring the dual-layer cache used elsewhere in this codebase
// (idempotency guard, tenant-config cache).
type Limiter struct {
	st  store.Store
	rdb *redis.Client
}

// New builds a Limiter. rdb may be nil, in which case every admission
// check goes straight to the storage facade.
func New(st store.Store, rdb *redis.Client) *Limiter {
	return &Limiter{st: st, rdb: rdb}
}

// Admit records one request for tenantID and reports whether it is allowed
// under (rpm, burst). If enabled is false, every request is admitted
// unconditionally (spec §4.B).
func (l *Limiter) Admit(ctx context.Context, tenantID string, rpm, burst int, enabled bool) (Decision, error) {
	if !enabled {
		return Decision{Admitted: true, Limit: rpm, Burst: burst, Remaining: burst}, nil
	}

	if l.rdb != nil {
		d, err := l.admitRedis(ctx, tenantID, rpm, burst)
		if err == nil {
			return d, nil
		}
		// Redis hot path failed: fall through to the storage facade so a
		// cache outage degrades latency, not correctness.
	}
	return l.admitStore(ctx, tenantID, rpm, burst)
}

func (l *Limiter) admitRedis(ctx context.Context, tenantID string, rpm, burst int) (Decision, error) {
	key := fmt.Sprintf("ratelimit:%s", tenantID)
	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis ratelimit pipeline: %w", err)
	}

	count := int(card.Val())
	if count > burst {
		l.rdb.ZRem(ctx, key, member)
		retryAfter := retryAfterFrom(oldest.Val(), now)
		return Decision{Admitted: false, Limit: rpm, Burst: burst, Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return Decision{Admitted: true, Limit: rpm, Burst: burst, Remaining: burst - count}, nil
}

func retryAfterFrom(oldest []redis.Z, now time.Time) time.Duration {
	if len(oldest) == 0 {
		return time.Second
	}
	expiresAt := time.Unix(0, int64(oldest[0].Score)).Add(window)
	d := time.Until(expiresAt)
	if d < time.Second {
		return time.Second
	}
	return d
}

// eventDoc is a single admission-window record in the storage facade.
type eventDoc struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // unix nanos
}

func (l *Limiter) admitStore(ctx context.Context, tenantID string, rpm, burst int) (Decision, error) {
	now := store.Now()
	cutoff := now.Add(-window).UnixNano()

	existing, err := store.FindTyped[eventDoc](ctx, l.st, tenantID, collection,
		[]store.Filter{store.FieldRange("timestamp", store.RangeBound{Min: cutoff, MinInclusive: true})}, nil, store.Page{})
	if err != nil {
		return Decision{}, err
	}

	if len(existing) >= burst {
		oldest := existing[0].Timestamp
		for _, e := range existing {
			if e.Timestamp < oldest {
				oldest = e.Timestamp
			}
		}
		expiresAt := time.Unix(0, oldest).Add(window)
		retryAfter := time.Until(expiresAt)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{Admitted: false, Limit: rpm, Burst: burst, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	ev := eventDoc{ID: uuid.NewString(), Timestamp: now.UnixNano()}
	if err := store.InsertTyped(ctx, l.st, tenantID, collection, ev.ID, ev); err != nil {
		return Decision{}, err
	}
	return Decision{Admitted: true, Limit: rpm, Burst: burst, Remaining: burst - len(existing) - 1}, nil
}

// RetryAfterSeconds rounds d up to whole seconds for the Retry-After header
// (spec §4.B: "ceil(seconds until earliest in-window entry expires)").
func RetryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
