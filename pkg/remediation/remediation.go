// Package remediation implements component H: runbook execution gated by
// risk level, dispatched through an Executor and polled to completion.
package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/internal/telemetry"
	"github.com/patrolwire/patrolwire/pkg/approval"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/incident"
	"github.com/patrolwire/patrolwire/pkg/runbook"
	"github.com/patrolwire/patrolwire/pkg/tenant"
)

// Collection is the store collection name for remediation executions.
const Collection = "remediation_executions"

// maxOutputBytes truncates stdout/stderr capture (spec §4.H step 6:
// "truncate captured output to 64KiB").
const maxOutputBytes = 64 * 1024

// pollTimeout bounds the total wall-clock time a single execution may spend
// polling before it is marked timed out (spec §4.H step 5).
const pollTimeout = 30 * time.Minute

// Execution is the persisted record of one runbook run.
type Execution struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	IncidentID  string `json:"incident_id"`
	RunbookID   string `json:"runbook_id"`
	RiskLevel   string `json:"risk_level"`
	Target      string `json:"target"`
	CommandID   string `json:"command_id,omitempty"`
	Status      string `json:"status"` // pending_approval, dispatching, running, succeeded, failed, timed_out, cancelled
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	ExitCode    int32  `json:"exit_code,omitempty"`
	TriggeredBy string `json:"triggered_by"`
	ApprovalID  string `json:"approval_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

// Store is the remediation execution repository.
type Store struct {
	st store.Store
}

// NewStore builds a remediation Store over st.
func NewStore(st store.Store) *Store { return &Store{st: st} }

func (s *Store) create(ctx context.Context, exec Execution) (*Execution, error) {
	exec.ID = uuid.New().String()
	exec.CreatedAt = time.Now().Unix()
	if err := store.InsertTyped(ctx, s.st, exec.TenantID, Collection, exec.ID, exec); err != nil {
		return nil, fmt.Errorf("inserting remediation execution: %w", err)
	}
	return &exec, nil
}

// Get fetches an execution by id, tenant-scoped.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Execution, error) {
	exec, err := store.FindOneTyped[Execution](ctx, s.st, tenantID, Collection, id)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// FindByApprovalID looks up the execution waiting on a given approval
// request, used to resume dispatch once that request is decided.
func (s *Store) FindByApprovalID(ctx context.Context, tenantID, approvalID string) (*Execution, error) {
	execs, err := store.FindTyped[Execution](ctx, s.st, tenantID, Collection,
		[]store.Filter{store.FieldEq("approval_id", approvalID)}, nil, store.Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, apperr.New(apperr.NotFound, "no execution waiting on this approval request")
	}
	return &execs[0], nil
}

func (s *Store) update(ctx context.Context, exec Execution) error {
	return s.st.UpdateOne(ctx, exec.TenantID, Collection, exec.ID, func(store.Document) (store.Document, error) {
		return store.Encode(exec)
	})
}

// Dispatcher checks a requested runbook against the incident, gates on
// risk, and drives an execution to a terminal state.
type Dispatcher struct {
	executions *Store
	runbooks   *runbook.Store
	approvals  *approval.Store
	incidents  *incident.Store
	tenants    *tenant.Store
	executor   Executor
	bus        *eventbus.Bus
	logger     *slog.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(executions *Store, runbooks *runbook.Store, approvals *approval.Store, incidents *incident.Store, tenants *tenant.Store, executor Executor, bus *eventbus.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{executions: executions, runbooks: runbooks, approvals: approvals, incidents: incidents, tenants: tenants, executor: executor, bus: bus, logger: logger}
}

// Trigger starts remediation for an incident with the runbook given by
// runbookID: it rejects the runbook with a Validation error when it does
// not match the incident's signature, and otherwise either dispatches immediately (low risk, or
// auto_approve set) or opens an approval request and returns it pending
// (medium/high risk) — spec §4.H steps 1-3.
func (d *Dispatcher) Trigger(ctx context.Context, tenantID, incidentID, runbookID, triggeredBy string) (*Execution, *approval.Request, error) {
	rb, err := d.runbooks.Get(ctx, tenantID, runbookID)
	if err != nil {
		return nil, nil, err
	}
	inc, err := d.incidents.Get(ctx, tenantID, incidentID)
	if err != nil {
		return nil, nil, err
	}
	if !rb.MatchesIncidentSignature(inc.Signature) {
		return nil, nil, apperr.New(apperr.Validation, "runbook does not match incident signature")
	}

	needsApproval := rb.RiskLevel != runbook.RiskLow && !rb.AutoApprove
	if needsApproval {
		req, err := d.approvals.Create(ctx, tenantID, incidentID, runbookID, string(rb.RiskLevel), triggeredBy)
		if err != nil {
			return nil, nil, err
		}
		exec, err := d.executions.create(ctx, Execution{
			TenantID: tenantID, IncidentID: incidentID, RunbookID: runbookID, RiskLevel: string(rb.RiskLevel),
			Target: inc.AssetName, Status: "pending_approval", TriggeredBy: triggeredBy, ApprovalID: req.ID,
		})
		if err != nil {
			return nil, nil, err
		}
		if _, err := d.incidents.CAS(ctx, tenantID, incidentID, func(cur incident.Incident) (incident.Incident, error) {
			cur.Status = incident.StatusPendingApproval
			cur.RunbookExecution = exec.ID
			return cur, nil
		}); err != nil {
			return nil, nil, err
		}
		d.bus.Publish(eventbus.Event{Topic: eventbus.TopicApprovalRequested, TenantID: tenantID, Payload: req})
		return exec, req, nil
	}

	exec, err := d.executions.create(ctx, Execution{
		TenantID: tenantID, IncidentID: incidentID, RunbookID: runbookID, RiskLevel: string(rb.RiskLevel),
		Target: inc.AssetName, Status: "dispatching", TriggeredBy: triggeredBy,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := d.dispatch(ctx, inc.TenantID, exec, rb.Actions); err != nil {
		return exec, nil, err
	}
	return exec, nil, nil
}

// Run subscribes to approval decisions and resumes or cancels the waiting
// execution accordingly (spec §4.H step 3: "an approved request dispatches
// the held execution; a rejected one cancels it"). It blocks until ctx is
// canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	decisions := d.bus.Subscribe(eventbus.TopicApprovalDecided)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-decisions:
			req, ok := ev.Payload.(*approval.Request)
			if !ok {
				continue
			}
			exec, err := d.executions.FindByApprovalID(ctx, ev.TenantID, req.ID)
			if err != nil {
				continue
			}
			if req.Status == approval.StatusApproved {
				if err := d.Resume(ctx, ev.TenantID, exec.ID); err != nil {
					d.logger.Error("resuming approved remediation", "error", err, "execution_id", exec.ID)
				}
			} else if req.Status == approval.StatusRejected {
				exec.Status = "cancelled"
				exec.CompletedAt = time.Now().Unix()
				if err := d.executions.update(ctx, *exec); err != nil {
					d.logger.Error("cancelling rejected remediation", "error", err, "execution_id", exec.ID)
				}
				// Rejection returns the incident to its pre-remediation state
				// (spec §4.I: "a rejected request returns the incident to
				// in_progress").
				if _, err := d.incidents.CAS(ctx, ev.TenantID, exec.IncidentID, func(cur incident.Incident) (incident.Incident, error) {
					cur.Status = incident.StatusInProgress
					return cur, nil
				}); err != nil {
					d.logger.Error("reverting incident after rejected remediation", "error", err, "incident_id", exec.IncidentID)
				}
			}
		}
	}
}

// Resume dispatches an execution that was waiting on an approval which has
// since been approved; Run calls it for each approved approval.decided
// event.
func (d *Dispatcher) Resume(ctx context.Context, tenantID, executionID string) error {
	exec, err := d.executions.Get(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	if exec.Status != "pending_approval" {
		return nil
	}
	rb, err := d.runbooks.Get(ctx, tenantID, exec.RunbookID)
	if err != nil {
		return err
	}
	exec.Status = "dispatching"
	return d.dispatch(ctx, tenantID, exec, rb.Actions)
}

// dispatch submits actions via the executor, retrying transient submit
// failures up to 3 times at 1s/2s/4s (spec §4.H step 4), then polls to
// completion.
func (d *Dispatcher) dispatch(ctx context.Context, tenantID string, exec *Execution, actions []string) error {
	t, err := d.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if _, err := d.incidents.CAS(ctx, tenantID, exec.IncidentID, func(cur incident.Incident) (incident.Incident, error) {
		cur.Status = incident.StatusRemediating
		cur.RunbookExecution = exec.ID
		return cur, nil
	}); err != nil {
		d.logger.Error("dispatch: transitioning incident to remediating", "error", err, "incident_id", exec.IncidentID)
	}

	var commandID string
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(eb, 3)
	submitErr := backoff.Retry(func() error {
		id, err := d.executor.Send(ctx, t.AWSIntegration.AccountID, t.AWSIntegration.Region, exec.Target, actions)
		if err != nil {
			return err
		}
		commandID = id
		return nil
	}, backoff.WithContext(bo, ctx))

	if submitErr != nil {
		exec.Status = "failed"
		exec.Stderr = truncate(submitErr.Error())
		exec.CompletedAt = time.Now().Unix()
		_ = d.executions.update(ctx, *exec)
		telemetry.RemediationExecutionsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("dispatching remediation: %w", submitErr)
	}

	exec.CommandID = commandID
	exec.Status = "running"
	if err := d.executions.update(ctx, *exec); err != nil {
		return err
	}

	go d.poll(context.WithoutCancel(ctx), tenantID, exec.ID)
	return nil
}

// poll drives an in-flight execution to a terminal state, at a capped
// exponential interval and an overall 30-minute wall-clock timeout.
func (d *Dispatcher) poll(ctx context.Context, tenantID, executionID string) {
	deadline := time.Now().Add(pollTimeout)
	attempt := 0
	for {
		if time.Now().After(deadline) {
			d.finish(ctx, tenantID, executionID, CommandResult{Status: "TimedOut"})
			return
		}

		exec, err := d.executions.Get(ctx, tenantID, executionID)
		if err != nil {
			d.logger.Error("polling remediation: loading execution", "error", err, "execution_id", executionID)
			return
		}

		result, err := d.executor.Poll(ctx, exec.CommandID, exec.Target)
		if err != nil {
			d.logger.Warn("polling remediation: executor poll failed, retrying", "error", err, "execution_id", executionID)
		} else if IsTerminal(result.Status) {
			d.finish(ctx, tenantID, executionID, result)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollBackoff(attempt)):
		}
		attempt++
	}
}

func (d *Dispatcher) finish(ctx context.Context, tenantID, executionID string, result CommandResult) {
	exec, err := d.executions.Get(ctx, tenantID, executionID)
	if err != nil {
		d.logger.Error("finishing remediation: loading execution", "error", err, "execution_id", executionID)
		return
	}
	exec.Stdout = truncate(result.Stdout)
	exec.Stderr = truncate(result.Stderr)
	exec.ExitCode = result.ExitCode
	exec.CompletedAt = time.Now().Unix()
	switch result.Status {
	case "Success":
		exec.Status = "succeeded"
	case "TimedOut":
		exec.Status = "timed_out"
	default:
		exec.Status = "failed"
	}
	if err := d.executions.update(ctx, *exec); err != nil {
		d.logger.Error("finishing remediation: updating execution", "error", err, "execution_id", executionID)
		return
	}
	telemetry.RemediationExecutionsTotal.WithLabelValues(exec.Status).Inc()

	// A successful run self-heals the incident (spec §4.H step 7); a failed
	// or timed-out one falls back to in_progress for a technician to pick up
	// manually rather than being left stuck in remediating.
	if _, err := d.incidents.CAS(ctx, tenantID, exec.IncidentID, func(cur incident.Incident) (incident.Incident, error) {
		if exec.Status == "succeeded" {
			cur.Status = incident.StatusResolved
			cur.Resolution = incident.ResolutionAuto
			cur.ResolvedAt = exec.CompletedAt
		} else {
			cur.Status = incident.StatusInProgress
			cur.Resolution = incident.ResolutionUnresolved
		}
		return cur, nil
	}); err != nil {
		d.logger.Error("finishing remediation: transitioning incident", "error", err, "incident_id", exec.IncidentID)
	}

	d.bus.Publish(eventbus.Event{Topic: eventbus.TopicRemediationCompleted, TenantID: tenantID, Payload: exec})
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes]
}
