package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrolwire/patrolwire/internal/store"
)

// RateLimitConfig is the per-tenant admission policy for component B.
type RateLimitConfig struct {
	RequestsPerMinute int  `json:"requests_per_minute"`
	BurstSize         int  `json:"burst_size"`
	Enabled           bool `json:"enabled"`
}

// CorrelationConfig is the per-tenant aggregation policy for component F.
type CorrelationConfig struct {
	TimeWindowSeconds int    `json:"time_window_seconds"`
	AggregationKey    string `json:"aggregation_key"` // asset|signature, asset|signature|tool, signature, asset
	AutoCorrelate     bool   `json:"auto_correlate"`
}

// WebhookSecurityConfig is the per-tenant signature-verification policy for
// component D.
type WebhookSecurityConfig struct {
	HMACEnabled          bool   `json:"hmac_enabled"`
	Secret               string `json:"secret"`
	TimestampSkewSeconds int    `json:"timestamp_skew_seconds"`
}

// Settings bundles every per-tenant config document together, stored as a
// single record in the "tenant_settings" collection.
type Settings struct {
	TenantID    string                `json:"tenant_id"`
	RateLimit   RateLimitConfig       `json:"rate_limit"`
	Correlation CorrelationConfig     `json:"correlation"`
	Webhook     WebhookSecurityConfig `json:"webhook"`
}

// DefaultSettings returns the baseline settings a tenant starts with,
// seeded from the service's configured defaults.
func DefaultSettings(tenantID string, defaultRPM, defaultBurst, defaultWindowSeconds int, defaultAggKey string) Settings {
	return Settings{
		TenantID: tenantID,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: defaultRPM,
			BurstSize:         defaultBurst,
			Enabled:           true,
		},
		Correlation: CorrelationConfig{
			TimeWindowSeconds: defaultWindowSeconds,
			AggregationKey:    defaultAggKey,
			AutoCorrelate:     true,
		},
		Webhook: WebhookSecurityConfig{
			HMACEnabled:          false,
			TimestampSkewSeconds: 300,
		},
	}
}

const settingsCollection = "tenant_settings"

// SettingsStore persists and caches per-tenant Settings. Per spec §5,
// configs are cached in memory with a 60s TTL; on write the local entry is
// invalidated. Nothing publishes or consumes config.invalidated, so another
// instance sees a change only once its cached entry expires.
type SettingsStore struct {
	st  store.Store
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	settings Settings
	expires  time.Time
}

// NewSettingsStore builds a SettingsStore with the default 60s cache TTL.
func NewSettingsStore(st store.Store) *SettingsStore {
	return &SettingsStore{st: st, ttl: 60 * time.Second, cache: make(map[string]cacheEntry)}
}

// Get returns the tenant's settings, from cache when fresh.
func (s *SettingsStore) Get(ctx context.Context, tenantID string, fallback Settings) (Settings, error) {
	s.mu.Lock()
	if e, ok := s.cache[tenantID]; ok && time.Now().Before(e.expires) {
		s.mu.Unlock()
		return e.settings, nil
	}
	s.mu.Unlock()

	doc, err := s.st.FindOne(ctx, tenantID, settingsCollection, tenantID)
	if err != nil {
		// No settings row yet: seed with the fallback defaults rather than
		// erroring every read path that hasn't provisioned settings.
		s.set(tenantID, fallback)
		return fallback, nil
	}
	cur, err := store.Decode[Settings](doc)
	if err != nil {
		return Settings{}, fmt.Errorf("decoding tenant settings: %w", err)
	}
	s.set(tenantID, cur)
	return cur, nil
}

// Put writes new settings and invalidates the local cache entry.
func (s *SettingsStore) Put(ctx context.Context, settings Settings) error {
	doc, err := store.Encode(settings)
	if err != nil {
		return err
	}
	if err := s.st.InsertOne(ctx, settings.TenantID, settingsCollection, settings.TenantID, doc); err != nil {
		return fmt.Errorf("writing tenant settings: %w", err)
	}
	s.Invalidate(settings.TenantID)
	return nil
}

// Invalidate drops the cached entry for tenantID, forcing the next Get to
// reload from storage. Called by Put after a write.
func (s *SettingsStore) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}

func (s *SettingsStore) set(tenantID string, settings Settings) {
	s.mu.Lock()
	s.cache[tenantID] = cacheEntry{settings: settings, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
}
