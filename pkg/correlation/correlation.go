// Package correlation implements component F: grouping related alerts into
// incidents and scoring incident priority.
package correlation

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/internal/telemetry"
	"github.com/patrolwire/patrolwire/pkg/alert"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/incident"
	"github.com/patrolwire/patrolwire/pkg/tenant"
)

// severityBase is the starting score contribution for each normalized
// severity (spec §4.F step 5: priority formula).
var severityBase = map[alert.Severity]int{
	alert.SeverityCritical: 90,
	alert.SeverityHigh:     60,
	alert.SeverityMedium:   30,
	alert.SeverityLow:      10,
	alert.SeverityInfo:     0,
}

const (
	criticalAssetBonus     = 20
	multiToolBonus         = 10
	duplicateFactorPerAlert = 2
	maxDuplicateBonus      = 20
	ageDecayPerHour        = 1
	maxAgeDecay            = 10
	maxPriorityScore       = 150
	minPriorityScore       = 0
)

// Score computes an incident's bounded [0, 150] priority score from its
// accumulated alerts (spec §4.F step 5). isCriticalAsset is looked up from
// the owning tenant's critical_assets list.
func Score(severity alert.Severity, alertCount, distinctToolSources int, isCriticalAsset bool, ageSeconds int64) int {
	score := severityBase[severity]
	if isCriticalAsset {
		score += criticalAssetBonus
	}
	if distinctToolSources > 1 {
		score += multiToolBonus
	}
	dup := (alertCount - 1) * duplicateFactorPerAlert
	if dup > maxDuplicateBonus {
		dup = maxDuplicateBonus
	}
	if dup > 0 {
		score += dup
	}
	ageHours := int(ageSeconds / 3600)
	if ageHours > maxAgeDecay {
		ageHours = maxAgeDecay
	}
	score -= ageHours * ageDecayPerHour

	if score > maxPriorityScore {
		score = maxPriorityScore
	}
	if score < minPriorityScore {
		score = minPriorityScore
	}
	return score
}

// higherSeverity returns whichever of a, b ranks higher, used when a new
// alert joins an incident and may raise its overall severity.
func higherSeverity(a, b alert.Severity) alert.Severity {
	if severityBase[a] >= severityBase[b] {
		return a
	}
	return b
}

// aggregationKey builds the grouping key for an alert per the tenant's
// configured aggregation_key policy (spec §4.F step 2: "asset|signature",
// "asset|signature|tool", "signature", or "asset").
func aggregationKey(policy string, a alert.Alert) (signature, assetName string) {
	switch policy {
	case "signature":
		return a.Signature, ""
	case "asset":
		return "", a.AssetName
	case "asset|signature|tool":
		return a.Signature + "|" + a.ToolSource, a.AssetName
	default: // "asset|signature"
		return a.Signature, a.AssetName
	}
}

// keyFilters builds the storage filters that find other alerts sharing a's
// aggregation key, mirroring aggregationKey's policy switch but against the
// alert's own literal fields rather than an incident's (possibly blanked)
// grouping fields.
func keyFilters(policy string, a alert.Alert) []store.Filter {
	switch policy {
	case "signature":
		return []store.Filter{store.FieldEq("signature", a.Signature)}
	case "asset":
		return []store.Filter{store.FieldEq("asset_name", a.AssetName)}
	case "asset|signature|tool":
		return []store.Filter{
			store.FieldEq("signature", a.Signature),
			store.FieldEq("asset_name", a.AssetName),
			store.FieldEq("tool_source", a.ToolSource),
		}
	default: // "asset|signature"
		return []store.Filter{
			store.FieldEq("signature", a.Signature),
			store.FieldEq("asset_name", a.AssetName),
		}
	}
}

// Engine runs the periodic and event-triggered correlation loop for every
// tenant (spec §4.F, §5).
type Engine struct {
	incidents *incident.Store
	alerts    *alert.Store
	tenants   *tenant.Store
	settings  *tenant.SettingsStore
	bus       *eventbus.Bus
	logger    *slog.Logger
}

// New builds a correlation Engine.
func New(incidents *incident.Store, alerts *alert.Store, tenants *tenant.Store, settings *tenant.SettingsStore, bus *eventbus.Bus, logger *slog.Logger) *Engine {
	return &Engine{incidents: incidents, alerts: alerts, tenants: tenants, settings: settings, bus: bus, logger: logger}
}

// Run drives the engine: a single ticker at tickInterval whose sweep visits
// every tenant, plus an opportunistic pass triggered by each alert.ingested
// event (spec §4.F: "ticks periodically... and opportunistically on
// ingest"). It blocks until ctx is canceled.
func (e *Engine) Run(ctx context.Context, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	alerts := e.bus.Subscribe(eventbus.TopicAlertIngested)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		case ev := <-alerts:
			a, ok := ev.Payload.(*alert.Alert)
			if !ok {
				continue
			}
			if err := e.CorrelateAlert(ctx, *a); err != nil {
				e.logger.Error("opportunistic correlation failed", "error", err, "alert_id", a.ID, "tenant_id", a.TenantID)
			}
		}
	}
}

// sweep re-scores every tenant's open incidents for age decay. It does not
// discover new alerts to correlate — the opportunistic path on ingest
// handles that — but priority decays with time even without new alerts.
func (e *Engine) sweep(ctx context.Context) {
	tenants, err := e.tenants.List(ctx)
	if err != nil {
		e.logger.Error("correlation sweep: listing tenants", "error", err)
		return
	}
	for _, t := range tenants {
		filters := []store.Filter{store.FieldIn("status", statusValues(incident.OpenStatuses)...)}
		opens, err := e.incidents.List(ctx, t.ID, filters, 0)
		if err != nil {
			e.logger.Error("correlation sweep: listing open incidents", "error", err, "tenant_id", t.ID)
			continue
		}
		for _, inc := range opens {
			isCritical := t.IsCriticalAsset(inc.AssetName)
			age := time.Now().Unix() - inc.CreatedAt
			if _, err := e.incidents.CAS(ctx, t.ID, inc.ID, func(cur incident.Incident) (incident.Incident, error) {
				cur.PriorityScore = Score(alert.Severity(cur.Severity), cur.AlertCount, len(cur.ToolSources), isCritical, age)
				return cur, nil
			}); err != nil {
				e.logger.Error("correlation sweep: rescoring incident", "error", err, "incident_id", inc.ID)
			}
		}
	}
}

func statusValues(statuses []incident.Status) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CorrelateAlert groups a single newly-ingested alert into an incident,
// creating one if no open incident matches its aggregation key within the
// tenant's configured time window (spec §4.F steps 2-5).
func (e *Engine) CorrelateAlert(ctx context.Context, a alert.Alert) error {
	t, err := e.tenants.Get(ctx, a.TenantID)
	if err != nil {
		return err
	}
	settings, err := e.settings.Get(ctx, a.TenantID, tenant.DefaultSettings(a.TenantID, 60, 60, 900, "asset|signature"))
	if err != nil {
		return err
	}
	if !settings.Correlation.AutoCorrelate {
		return nil
	}

	signature, assetName := aggregationKey(settings.Correlation.AggregationKey, a)
	windowStart := time.Now().Add(-time.Duration(settings.Correlation.TimeWindowSeconds) * time.Second).Unix()

	candidates, err := e.incidents.FindOpenByKey(ctx, a.TenantID, signature, assetName, windowStart)
	if err != nil {
		return err
	}

	var target *incident.Incident
	if len(candidates) > 0 {
		target = pickOldest(candidates)
	}

	isCritical := t.IsCriticalAsset(a.AssetName)

	if target == nil {
		// Single-alert groups are not promoted to an incident unless the
		// alert is critical; otherwise wait for a second matching alert
		// (spec §4.F step 4).
		if a.Severity == alert.SeverityCritical {
			return e.createIncidentFromGroup(ctx, []alert.Alert{a}, signature, assetName, isCritical)
		}

		siblings, err := e.alerts.FindUncorrelated(ctx, a.TenantID, keyFilters(settings.Correlation.AggregationKey, a), windowStart)
		if err != nil {
			return err
		}
		group := make([]alert.Alert, 0, len(siblings)+1)
		for _, s := range siblings {
			if s.ID != a.ID {
				group = append(group, s)
			}
		}
		group = append(group, a)

		if len(group) < 2 {
			return nil
		}
		return e.createIncidentFromGroup(ctx, group, signature, assetName, isCritical)
	}

	updated, err := e.incidents.CAS(ctx, a.TenantID, target.ID, func(cur incident.Incident) (incident.Incident, error) {
		if cur.HasAlert(a.ID) {
			return cur, nil
		}
		cur.AlertIDs = append(cur.AlertIDs, a.ID)
		cur.AlertCount++
		cur.Severity = string(higherSeverity(alert.Severity(cur.Severity), a.Severity))
		cur.ToolSources = mergeToolSource(cur.ToolSources, a.ToolSource)
		age := time.Now().Unix() - cur.CreatedAt
		cur.PriorityScore = Score(alert.Severity(cur.Severity), cur.AlertCount, len(cur.ToolSources), isCritical, age)
		return cur, nil
	})
	if err != nil {
		return err
	}
	if err := e.alerts.SetIncident(ctx, a.TenantID, a.ID, updated.ID); err != nil {
		return err
	}
	telemetry.IncidentPriorityScore.WithLabelValues(updated.Severity).Observe(float64(updated.PriorityScore))
	e.bus.Publish(eventbus.Event{Topic: eventbus.TopicIncidentUpdated, TenantID: a.TenantID, Payload: updated})
	return nil
}

// createIncidentFromGroup creates a new incident from a freshly-promoted
// group of one or more alerts (either a single critical alert, or a
// deferred group that just reached its second member) and attaches every
// alert in the group to it.
func (e *Engine) createIncidentFromGroup(ctx context.Context, group []alert.Alert, signature, assetName string, isCritical bool) error {
	severity := group[0].Severity
	var toolSources []string
	alertIDs := make([]string, 0, len(group))
	for _, a := range group {
		severity = higherSeverity(severity, a.Severity)
		toolSources = mergeToolSource(toolSources, a.ToolSource)
		alertIDs = append(alertIDs, a.ID)
	}

	score := Score(severity, len(group), len(toolSources), isCritical, 0)
	created, err := e.incidents.Create(ctx, incident.Incident{
		TenantID:      group[0].TenantID,
		Signature:     signature,
		AssetName:     assetName,
		AlertIDs:      alertIDs,
		AlertCount:    len(group),
		PriorityScore: score,
		Severity:      string(severity),
		ToolSources:   toolSources,
		Status:        incident.StatusNew,
	})
	if err != nil {
		return err
	}
	for _, a := range group {
		if err := e.alerts.SetIncident(ctx, a.TenantID, a.ID, created.ID); err != nil {
			return err
		}
	}
	telemetry.IncidentsCreatedTotal.WithLabelValues(string(severity)).Inc()
	telemetry.IncidentPriorityScore.WithLabelValues(string(severity)).Observe(float64(score))
	e.bus.Publish(eventbus.Event{Topic: eventbus.TopicIncidentCreated, TenantID: group[0].TenantID, Payload: created})
	return nil
}

// pickOldest breaks ties among candidate incidents by picking the oldest
// (spec §4.F step 3b: "append to the oldest matching open incident").
func pickOldest(candidates []incident.Incident) *incident.Incident {
	oldest := candidates[0]
	for _, c := range candidates[1:] {
		if c.CreatedAt < oldest.CreatedAt {
			oldest = c
		}
	}
	return &oldest
}

func mergeToolSource(sources []string, toolSource string) []string {
	if toolSource == "" {
		return sources
	}
	for _, s := range sources {
		if s == toolSource {
			return sources
		}
	}
	return append(sources, toolSource)
}
