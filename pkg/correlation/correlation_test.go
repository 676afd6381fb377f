package correlation

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/pkg/alert"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/incident"
	"github.com/patrolwire/patrolwire/pkg/tenant"
)

func newTestEngine(t *testing.T) (*Engine, *alert.Store, *incident.Store, string) {
	t.Helper()
	st := store.NewMemoryStore()
	alerts := alert.NewStore(st)
	incidents := incident.NewStore(st)
	tenants := tenant.NewStore(st)
	settings := tenant.NewSettingsStore(st)
	bus := eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	tn, err := tenants.Create(context.Background(), tenant.CreateRequest{Name: "acme"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	engine := New(incidents, alerts, tenants, settings, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return engine, alerts, incidents, tn.ID
}

func TestScoreBaseBySeverity(t *testing.T) {
	if got := Score(alert.SeverityCritical, 1, 1, false, 0); got != 90 {
		t.Fatalf("expected critical base 90, got %d", got)
	}
	if got := Score(alert.SeverityHigh, 1, 1, false, 0); got != 60 {
		t.Fatalf("expected high base 60, got %d", got)
	}
	if got := Score(alert.SeverityInfo, 1, 1, false, 0); got != 0 {
		t.Fatalf("expected info base 0, got %d", got)
	}
}

// TestScoreScenarioS2 reproduces the worked example from the correlation
// scenario: 3 high-severity alerts on a non-critical asset, a single tool
// source, no elapsed time. 60 base + min(2*(3-1),20)=4 duplicate bonus = 64.
func TestScoreScenarioS2(t *testing.T) {
	if got := Score(alert.SeverityHigh, 3, 1, false, 0); got != 64 {
		t.Fatalf("expected scenario S2 score 64, got %d", got)
	}
}

func TestScoreCriticalAssetBonus(t *testing.T) {
	withoutBonus := Score(alert.SeverityHigh, 1, 1, false, 0)
	withBonus := Score(alert.SeverityHigh, 1, 1, true, 0)
	if withBonus-withoutBonus != criticalAssetBonus {
		t.Fatalf("expected +%d for critical asset, got delta %d", criticalAssetBonus, withBonus-withoutBonus)
	}
}

func TestScoreMultiToolBonus(t *testing.T) {
	oneTool := Score(alert.SeverityMedium, 1, 1, false, 0)
	twoTools := Score(alert.SeverityMedium, 1, 2, false, 0)
	if twoTools-oneTool != multiToolBonus {
		t.Fatalf("expected +%d for multiple tool sources, got delta %d", multiToolBonus, twoTools-oneTool)
	}
}

func TestScoreDuplicateBonusCapsAtMax(t *testing.T) {
	score := Score(alert.SeverityLow, 50, 1, false, 0)
	// severityBase[low]=10, duplicate bonus caps at 20 => 30, no age decay.
	if score != 10+maxDuplicateBonus {
		t.Fatalf("expected duplicate bonus to cap at %d, got score %d", maxDuplicateBonus, score)
	}
}

func TestScoreAgeDecayCapsAtTenHours(t *testing.T) {
	fresh := Score(alert.SeverityCritical, 1, 1, false, 0)
	fiveHoursOld := Score(alert.SeverityCritical, 1, 1, false, 5*3600)
	if fresh-fiveHoursOld != 5*ageDecayPerHour {
		t.Fatalf("expected %d decay over 5h, got %d", 5*ageDecayPerHour, fresh-fiveHoursOld)
	}

	aDayOld := Score(alert.SeverityCritical, 1, 1, false, 24*3600)
	if fresh-aDayOld != maxAgeDecay*ageDecayPerHour {
		t.Fatalf("expected decay to cap at %d after %d hours, got delta %d", maxAgeDecay*ageDecayPerHour, maxAgeDecay, fresh-aDayOld)
	}
}

func TestScoreClampsToBounds(t *testing.T) {
	// Max achievable under the corrected constants is 90+20+10+20=140, below
	// the formal upper bound of 150; assert it never exceeds that bound
	// rather than asserting an unreachable exact value.
	if got := Score(alert.SeverityCritical, 100, 5, true, 0); got <= 0 || got > maxPriorityScore {
		t.Fatalf("expected a positive score within [0, %d], got %d", maxPriorityScore, got)
	}
	if got := Score(alert.SeverityInfo, 1, 1, false, 1000*3600); got != minPriorityScore {
		t.Fatalf("expected clamp at min %d, got %d", minPriorityScore, got)
	}
}

func TestAggregationKeyPolicies(t *testing.T) {
	a := alert.Alert{Signature: "disk_full", AssetName: "host-1", ToolSource: "datadog"}

	sig, asset := aggregationKey("asset|signature", a)
	if sig != "disk_full" || asset != "host-1" {
		t.Fatalf("default policy: got sig=%q asset=%q", sig, asset)
	}

	sig, asset = aggregationKey("signature", a)
	if sig != "disk_full" || asset != "" {
		t.Fatalf("signature-only policy: got sig=%q asset=%q", sig, asset)
	}

	sig, asset = aggregationKey("asset", a)
	if sig != "" || asset != "host-1" {
		t.Fatalf("asset-only policy: got sig=%q asset=%q", sig, asset)
	}

	sig, asset = aggregationKey("asset|signature|tool", a)
	if sig != "disk_full|datadog" || asset != "host-1" {
		t.Fatalf("asset|signature|tool policy: got sig=%q asset=%q", sig, asset)
	}
}

func TestHigherSeverityPicksMoreSevere(t *testing.T) {
	if got := higherSeverity(alert.SeverityLow, alert.SeverityCritical); got != alert.SeverityCritical {
		t.Fatalf("expected critical to win, got %s", got)
	}
	if got := higherSeverity(alert.SeverityHigh, alert.SeverityMedium); got != alert.SeverityHigh {
		t.Fatalf("expected high to win, got %s", got)
	}
}

func TestKeyFiltersMirrorsAggregationKeyPolicies(t *testing.T) {
	a := alert.Alert{Signature: "disk_full", AssetName: "host-1", ToolSource: "datadog"}

	filters := keyFilters("signature", a)
	if len(filters) != 1 || filters[0].Field != "signature" {
		t.Fatalf("signature-only policy: got %+v", filters)
	}

	filters = keyFilters("asset", a)
	if len(filters) != 1 || filters[0].Field != "asset_name" {
		t.Fatalf("asset-only policy: got %+v", filters)
	}

	filters = keyFilters("asset|signature|tool", a)
	if len(filters) != 3 {
		t.Fatalf("asset|signature|tool policy: expected 3 filters, got %+v", filters)
	}

	filters = keyFilters("asset|signature", a)
	if len(filters) != 2 {
		t.Fatalf("default policy: expected 2 filters, got %+v", filters)
	}
}

func TestCorrelateAlertDefersSingleNonCriticalAlert(t *testing.T) {
	ctx := context.Background()
	engine, alerts, incidents, tenantID := newTestEngine(t)

	created, err := alerts.Create(ctx, alert.Alert{
		TenantID: tenantID, ToolSource: "datadog", AssetName: "host-1",
		Signature: "disk_full", Severity: alert.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	if err := engine.CorrelateAlert(ctx, *created); err != nil {
		t.Fatalf("correlate: %v", err)
	}

	opens, err := incidents.List(ctx, tenantID, nil, 0)
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(opens) != 0 {
		t.Fatalf("expected no incident for a single non-critical alert, got %d", len(opens))
	}

	refetched, err := alerts.Get(ctx, tenantID, created.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if refetched.IncidentID != "" {
		t.Fatalf("expected alert to remain uncorrelated, got incident_id=%q", refetched.IncidentID)
	}
}

func TestCorrelateAlertPromotesOnSecondMatchingAlert(t *testing.T) {
	ctx := context.Background()
	engine, alerts, incidents, tenantID := newTestEngine(t)

	first, err := alerts.Create(ctx, alert.Alert{
		TenantID: tenantID, ToolSource: "datadog", AssetName: "host-1",
		Signature: "disk_full", Severity: alert.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("create first alert: %v", err)
	}
	if err := engine.CorrelateAlert(ctx, *first); err != nil {
		t.Fatalf("correlate first: %v", err)
	}

	second, err := alerts.Create(ctx, alert.Alert{
		TenantID: tenantID, ToolSource: "datadog", AssetName: "host-1",
		Signature: "disk_full", Severity: alert.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("create second alert: %v", err)
	}
	if err := engine.CorrelateAlert(ctx, *second); err != nil {
		t.Fatalf("correlate second: %v", err)
	}

	opens, err := incidents.List(ctx, tenantID, nil, 0)
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(opens) != 1 {
		t.Fatalf("expected exactly one incident once the second matching alert lands, got %d", len(opens))
	}
	if opens[0].AlertCount != 2 {
		t.Fatalf("expected both alerts folded into the incident, got alert_count=%d", opens[0].AlertCount)
	}
}

func TestCorrelateAlertPromotesSingleCriticalAlertImmediately(t *testing.T) {
	ctx := context.Background()
	engine, alerts, incidents, tenantID := newTestEngine(t)

	created, err := alerts.Create(ctx, alert.Alert{
		TenantID: tenantID, ToolSource: "datadog", AssetName: "host-1",
		Signature: "oom_kill", Severity: alert.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	if err := engine.CorrelateAlert(ctx, *created); err != nil {
		t.Fatalf("correlate: %v", err)
	}

	opens, err := incidents.List(ctx, tenantID, nil, 0)
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(opens) != 1 {
		t.Fatalf("expected a single critical alert to be promoted immediately, got %d incidents", len(opens))
	}
}

func TestMergeToolSourceDeduplicates(t *testing.T) {
	sources := mergeToolSource([]string{"datadog"}, "datadog")
	if len(sources) != 1 {
		t.Fatalf("expected no duplicate tool source, got %v", sources)
	}
	sources = mergeToolSource([]string{"datadog"}, "nagios")
	if len(sources) != 2 || sources[1] != "nagios" {
		t.Fatalf("expected nagios appended, got %v", sources)
	}
	sources = mergeToolSource([]string{"datadog"}, "")
	if len(sources) != 1 {
		t.Fatalf("expected empty tool source to be a no-op, got %v", sources)
	}
}
