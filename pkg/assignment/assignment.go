// Package assignment implements component G: ranking technicians for an
// incident and recording the assignment.
package assignment

import (
	"context"
	"sort"
	"time"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/incident"
	"github.com/patrolwire/patrolwire/pkg/user"
)

// Candidate is a technician's computed rank for one incident.
type Candidate struct {
	Technician user.User `json:"technician"`
	Score      float64   `json:"score"`
}

// Score computes the technician ranking formula (spec §4.G step 2):
// 50*expertise_match + max(0, 50-10*active_incident_count) +
// 30*on_shift + 20*(avg_resolution_minutes < 30).
func Score(expertiseMatch bool, activeIncidentCount int, onShift bool, avgResolutionMinutes float64) float64 {
	score := 0.0
	if expertiseMatch {
		score += 50
	}
	load := 50 - 10*float64(activeIncidentCount)
	if load < 0 {
		load = 0
	}
	score += load
	if onShift {
		score += 30
	}
	if avgResolutionMinutes > 0 && avgResolutionMinutes < 30 {
		score += 20
	}
	return score
}

// Ranker builds technician candidate lists for incidents.
type Ranker struct {
	users     *user.Store
	incidents *incident.Store
}

// NewRanker builds a Ranker.
func NewRanker(users *user.Store, incidents *incident.Store) *Ranker {
	return &Ranker{users: users, incidents: incidents}
}

// Rank returns the tenant's technicians ordered best-first for inc, using
// the ranking formula. Expertise match is approximated by whether the
// technician has previously resolved an incident with the same signature
// (spec §4.G step 1: "expertise_match is true if the technician has closed
// an incident with this signature before").
func (r *Ranker) Rank(ctx context.Context, tenantID string, inc incident.Incident) ([]Candidate, error) {
	technicians, err := r.users.ListTechnicians(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(technicians) == 0 {
		return nil, apperr.New(apperr.NotFound, "no technicians available in this tenant")
	}

	resolved, err := r.incidents.List(ctx, tenantID, []store.Filter{
		store.FieldEq("signature", inc.Signature),
		store.FieldEq("status", string(incident.StatusResolved)),
	}, 0)
	if err != nil {
		return nil, err
	}
	expertBy := make(map[string]bool)
	for _, done := range resolved {
		if done.AssignedTo != "" {
			expertBy[done.AssignedTo] = true
		}
	}

	active, err := r.incidents.List(ctx, tenantID, []store.Filter{
		store.FieldIn("status", openStatusValues()...),
	}, 0)
	if err != nil {
		return nil, err
	}
	activeCountBy := make(map[string]int)
	for _, open := range active {
		if open.AssignedTo != "" {
			activeCountBy[open.AssignedTo]++
		}
	}

	resolutionAvgBy := averageResolutionMinutes(resolved)

	candidates := make([]Candidate, 0, len(technicians))
	for _, tech := range technicians {
		score := Score(expertBy[tech.ID], activeCountBy[tech.ID], tech.OnShift, resolutionAvgBy[tech.ID])
		candidates = append(candidates, Candidate{Technician: tech, Score: score})
	}

	// Tie-break by fewest active incidents, then by id for determinism
	// (spec §4.G step 3: "ties broken by lowest current load, then by
	// technician id").
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		li, lj := activeCountBy[candidates[i].Technician.ID], activeCountBy[candidates[j].Technician.ID]
		if li != lj {
			return li < lj
		}
		return candidates[i].Technician.ID < candidates[j].Technician.ID
	})
	return candidates, nil
}

func averageResolutionMinutes(resolved []incident.Incident) map[string]float64 {
	totalMinutes := make(map[string]float64)
	count := make(map[string]int)
	for _, inc := range resolved {
		if inc.AssignedTo == "" || inc.ResolvedAt == 0 || inc.AssignedAt == 0 {
			continue
		}
		minutes := float64(inc.ResolvedAt-inc.AssignedAt) / 60
		totalMinutes[inc.AssignedTo] += minutes
		count[inc.AssignedTo]++
	}
	out := make(map[string]float64, len(totalMinutes))
	for id, total := range totalMinutes {
		out[id] = total / float64(count[id])
	}
	return out
}

func openStatusValues() []any {
	out := make([]any, len(incident.OpenStatuses))
	for i, s := range incident.OpenStatuses {
		out[i] = string(s)
	}
	return out
}

// Assigner applies an assignment decision to an incident.
type Assigner struct {
	incidents *incident.Store
	bus       *eventbus.Bus
}

// NewAssigner builds an Assigner.
func NewAssigner(incidents *incident.Store, bus *eventbus.Bus) *Assigner {
	return &Assigner{incidents: incidents, bus: bus}
}

// Assign records technicianID as the assignee, starts the SLA clock, and
// transitions a new incident into in_progress (spec §4.G step 4).
func (a *Assigner) Assign(ctx context.Context, tenantID, incidentID, technicianID string, responseSLASeconds, resolutionSLASeconds int64) (*incident.Incident, error) {
	now := time.Now().Unix()
	updated, err := a.incidents.CAS(ctx, tenantID, incidentID, func(cur incident.Incident) (incident.Incident, error) {
		cur.AssignedTo = technicianID
		cur.AssignedAt = now
		if cur.Status == incident.StatusNew {
			cur.Status = incident.StatusInProgress
		}
		if cur.ResponseDeadline == 0 {
			cur.ResponseDeadline = now + responseSLASeconds
		}
		if cur.ResolutionDeadline == 0 {
			cur.ResolutionDeadline = now + resolutionSLASeconds
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	a.bus.Publish(eventbus.Event{Topic: eventbus.TopicIncidentAssigned, TenantID: tenantID, Payload: updated})
	return updated, nil
}
