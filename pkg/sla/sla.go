// Package sla implements component J: scanning open incidents for breached
// response/resolution deadlines and escalating up the ladder.
package sla

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/internal/telemetry"
	"github.com/patrolwire/patrolwire/pkg/approval"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/incident"
	"github.com/patrolwire/patrolwire/pkg/tenant"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Step names one rung of the escalation ladder (spec §4.J step 3:
// "technician -> tenant_admin -> msp_admin").
type Step int

const (
	StepNone Step = iota
	StepTenantAdmin
	StepMSPAdmin
)

func (s Step) String() string {
	switch s {
	case StepTenantAdmin:
		return "tenant_admin"
	case StepMSPAdmin:
		return "msp_admin"
	default:
		return "none"
	}
}

// Monitor periodically scans every tenant's open incidents for SLA
// breaches (spec §4.J, §5: "5-minute scan interval").
type Monitor struct {
	incidents *incident.Store
	approvals *approval.Store
	tenants   *tenant.Store
	bus       *eventbus.Bus
	logger    *slog.Logger
}

// NewMonitor builds an SLA Monitor.
func NewMonitor(incidents *incident.Store, approvals *approval.Store, tenants *tenant.Store, bus *eventbus.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{incidents: incidents, approvals: approvals, tenants: tenants, bus: bus, logger: logger}
}

// Run drives the scan loop until ctx is canceled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	tenants, err := m.tenants.List(ctx)
	if err != nil {
		m.logger.Error("sla scan: listing tenants", "error", err)
		return
	}
	for _, t := range tenants {
		if expired, err := m.approvals.ExpirePending(ctx, t.ID); err != nil {
			m.logger.Error("sla scan: expiring approvals", "error", err, "tenant_id", t.ID)
		} else if expired > 0 {
			m.logger.Info("expired stale approval requests", "tenant_id", t.ID, "count", expired)
		}

		if err := m.scanTenant(ctx, t.ID); err != nil {
			m.logger.Error("sla scan: tenant scan failed", "error", err, "tenant_id", t.ID)
		}
	}
}

func (m *Monitor) scanTenant(ctx context.Context, tenantID string) error {
	opens, err := m.incidents.List(ctx, tenantID, []store.Filter{
		store.FieldIn("status", openStatusValues()...),
	}, 0)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, inc := range opens {
		breachedResponse := inc.ResponseDeadline != 0 && now > inc.ResponseDeadline
		breachedResolution := inc.ResolutionDeadline != 0 && now > inc.ResolutionDeadline
		if !breachedResponse && !breachedResolution {
			continue
		}

		nextStep := Step(inc.LastEscalatedStep + 1)
		if nextStep > StepMSPAdmin {
			continue // already at the top of the ladder
		}

		// One escalation per step per scan: CAS the step forward first so a
		// concurrent scan can't double-escalate the same incident.
		updated, err := m.incidents.CAS(ctx, tenantID, inc.ID, func(cur incident.Incident) (incident.Incident, error) {
			if cur.LastEscalatedStep >= int(nextStep) {
				return cur, nil // already escalated by a concurrent scan
			}
			cur.LastEscalatedStep = int(nextStep)
			cur.EscalationLevel++
			cur.EscalatedTo = nextStep.String()
			if cur.Status != incident.StatusResolved {
				cur.Status = incident.StatusEscalated
			}
			return cur, nil
		})
		if err != nil {
			return err
		}
		if updated.LastEscalatedStep != int(nextStep) {
			continue // lost the race to another scan
		}

		telemetry.EscalationsTotal.WithLabelValues(nextStep.String()).Inc()
		m.bus.Publish(eventbus.Event{Topic: eventbus.TopicIncidentUpdated, TenantID: tenantID, Payload: updated})
	}
	return nil
}

func openStatusValues() []any {
	out := make([]any, len(incident.OpenStatuses))
	for i, s := range incident.OpenStatuses {
		out[i] = string(s)
	}
	return out
}

// RoleForStep maps an escalation step to the minimum role that should be
// notified.
func RoleForStep(step Step) user.Role {
	switch step {
	case StepMSPAdmin:
		return user.RoleMSPAdmin
	default:
		return user.RoleTenantAdmin
	}
}
