// Package kpi implements component M: on-demand computation of the MSP
// value metrics — noise reduction, self-healed rate, and MTTR split by
// resolution kind. The patch compliance field is always left empty.
package kpi

import (
	"context"
	"time"

	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/pkg/alert"
	"github.com/patrolwire/patrolwire/pkg/incident"
)

// Window bounds a metrics query to [Start, End), both unix seconds.
type Window struct {
	Start int64
	End   int64
}

// Snapshot is the computed metric set for a Window (spec §4.M).
type Snapshot struct {
	Window                Window  `json:"window"`
	AlertsReceived         int     `json:"alerts_received"`
	IncidentsCreated       int     `json:"incidents_created"`
	NoiseReductionPercent  float64 `json:"noise_reduction_percent"`
	IncidentsResolved      int     `json:"incidents_resolved"`
	IncidentsAutoResolved  int     `json:"incidents_auto_resolved"`
	SelfHealedPercent      float64 `json:"self_healed_percent"`
	MTTRManualMinutes      float64 `json:"mttr_manual_minutes"`
	MTTRAutoMinutes        float64 `json:"mttr_auto_minutes"`
	PatchComplianceRatio   *float64 `json:"patch_compliance_ratio,omitempty"`
}

// Calculator computes Snapshots from the incident/alert stores. It holds no
// state of its own — every call recomputes over the caller-supplied window
// (spec §4.M: "computed on demand, not pre-aggregated").
type Calculator struct {
	incidents *incident.Store
	alerts    *alert.Store
}

// NewCalculator builds a kpi Calculator.
func NewCalculator(incidents *incident.Store, alerts *alert.Store) *Calculator {
	return &Calculator{incidents: incidents, alerts: alerts}
}

// Compute builds a Snapshot for tenantID over w.
func (c *Calculator) Compute(ctx context.Context, tenantID string, w Window) (Snapshot, error) {
	alertFilters := []store.Filter{
		store.FieldRange("created_at", store.RangeBound{Min: w.Start, MinInclusive: true, Max: w.End, MaxInclusive: false}),
	}
	alerts, err := c.alerts.List(ctx, tenantID, alertFilters, 0)
	if err != nil {
		return Snapshot{}, err
	}

	incidentFilters := []store.Filter{
		store.FieldRange("created_at", store.RangeBound{Min: w.Start, MinInclusive: true, Max: w.End, MaxInclusive: false}),
	}
	incidents, err := c.incidents.List(ctx, tenantID, incidentFilters, 0)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Window: w, AlertsReceived: len(alerts), IncidentsCreated: len(incidents)}

	// Noise reduction: the fraction of raw alerts that were absorbed into an
	// existing incident rather than becoming a brand-new one (spec §4.M:
	// "1 - incidents_created / alerts_received").
	if snap.AlertsReceived > 0 {
		snap.NoiseReductionPercent = (1 - float64(snap.IncidentsCreated)/float64(snap.AlertsReceived)) * 100
	}

	var manualTotal, autoTotal time.Duration
	var manualCount, autoCount int
	for _, inc := range incidents {
		if inc.Status != incident.StatusResolved || inc.ResolvedAt == 0 {
			continue
		}
		snap.IncidentsResolved++
		duration := time.Duration(inc.ResolvedAt-inc.CreatedAt) * time.Second
		switch inc.Resolution {
		case incident.ResolutionAuto:
			snap.IncidentsAutoResolved++
			autoTotal += duration
			autoCount++
		default:
			manualTotal += duration
			manualCount++
		}
	}

	if snap.IncidentsResolved > 0 {
		snap.SelfHealedPercent = float64(snap.IncidentsAutoResolved) / float64(snap.IncidentsResolved) * 100
	}
	if manualCount > 0 {
		snap.MTTRManualMinutes = (manualTotal / time.Duration(manualCount)).Minutes()
	}
	if autoCount > 0 {
		snap.MTTRAutoMinutes = (autoTotal / time.Duration(autoCount)).Minutes()
	}

	// Patch compliance depends on an executor-reported inventory this
	// codebase does not have a source for yet (no patch-scan integration is
	// wired); left nil rather than fabricated, per spec §4.M: "omit rather
	// than invent when the underlying signal isn't available".
	snap.PatchComplianceRatio = nil

	return snap, nil
}

// BeforeAfter computes two Snapshots for equal-length windows, one ending at
// pivot and one starting at it, used by the before/after comparison endpoint (spec §6).
func (c *Calculator) BeforeAfter(ctx context.Context, tenantID string, pivot int64, windowSeconds int64) (before, after Snapshot, err error) {
	before, err = c.Compute(ctx, tenantID, Window{Start: pivot - windowSeconds, End: pivot})
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	after, err = c.Compute(ctx, tenantID, Window{Start: pivot, End: pivot + windowSeconds})
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	return before, after, nil
}
