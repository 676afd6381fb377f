package remediation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/patrolwire/patrolwire/internal/apperr"
	"github.com/patrolwire/patrolwire/internal/store"
	"github.com/patrolwire/patrolwire/pkg/approval"
	"github.com/patrolwire/patrolwire/pkg/eventbus"
	"github.com/patrolwire/patrolwire/pkg/incident"
	"github.com/patrolwire/patrolwire/pkg/runbook"
	"github.com/patrolwire/patrolwire/pkg/tenant"
)

// fakeExecutor never reaches a terminal state on its own; tests that
// trigger dispatch only assert on the synchronous portion (submit +
// status transition to "running"), not on the background poll loop.
type fakeExecutor struct {
	sendCommandID string
	sendErr       error
	sent          bool
}

func (f *fakeExecutor) Send(ctx context.Context, accountID, region, target string, actions []string) (string, error) {
	f.sent = true
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if f.sendCommandID == "" {
		return "cmd-1", nil
	}
	return f.sendCommandID, nil
}

func (f *fakeExecutor) Poll(ctx context.Context, commandID, target string) (CommandResult, error) {
	return CommandResult{Status: "InProgress"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupDispatcher(t *testing.T, executor Executor) (*Dispatcher, string, *tenant.Store, *runbook.Store, *incident.Store, *approval.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	tenants := tenant.NewStore(st)
	runbooks := runbook.NewStore(st)
	incidents := incident.NewStore(st)
	approvals := approval.NewStore(st)
	executions := NewStore(st)
	bus := eventbus.New(testLogger())

	tn, err := tenants.Create(context.Background(), tenant.CreateRequest{Name: "acme"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	d := NewDispatcher(executions, runbooks, approvals, incidents, tenants, executor, bus, testLogger())
	return d, tn.ID, tenants, runbooks, incidents, approvals
}

func mustCreateIncident(t *testing.T, incidents *incident.Store, tenantID, signature string) *incident.Incident {
	t.Helper()
	inc, err := incidents.Create(context.Background(), incident.Incident{
		TenantID: tenantID, Signature: signature, AssetName: "host-1", Status: incident.StatusNew,
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	return inc
}

func mustCreateRunbook(t *testing.T, runbooks *runbook.Store, tenantID string, risk runbook.RiskLevel, autoApprove bool) *runbook.Runbook {
	t.Helper()
	rb, err := runbooks.Create(context.Background(), tenantID, runbook.CreateRequest{
		Name: "restart-service", Signature: "disk_full", RiskLevel: risk,
		Actions: []string{"systemctl restart app"}, AutoApprove: autoApprove,
	})
	if err != nil {
		t.Fatalf("create runbook: %v", err)
	}
	return rb
}

func TestTriggerLowRiskDispatchesImmediately(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{}
	d, tenantID, _, runbooks, incidents, _ := setupDispatcher(t, executor)

	inc := mustCreateIncident(t, incidents, tenantID, "disk_full")
	rb := mustCreateRunbook(t, runbooks, tenantID, runbook.RiskLow, false)

	exec, req, err := d.Trigger(ctx, tenantID, inc.ID, rb.ID, "dispatcher-svc")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if req != nil {
		t.Fatalf("expected no approval request for low-risk runbook, got %+v", req)
	}
	if !executor.sent {
		t.Fatalf("expected executor.Send to be called for low-risk auto-dispatch")
	}
	if exec.Status != "running" {
		t.Fatalf("expected status running after synchronous dispatch, got %q", exec.Status)
	}

	updatedInc, err := incidents.Get(ctx, tenantID, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if updatedInc.Status != incident.StatusRemediating {
		t.Fatalf("expected incident status remediating after dispatch, got %q", updatedInc.Status)
	}
}

func TestTriggerAutoApproveSkipsApprovalRegardlessOfRisk(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{}
	d, tenantID, _, runbooks, incidents, _ := setupDispatcher(t, executor)

	inc := mustCreateIncident(t, incidents, tenantID, "disk_full")
	rb := mustCreateRunbook(t, runbooks, tenantID, runbook.RiskHigh, true)

	_, req, err := d.Trigger(ctx, tenantID, inc.ID, rb.ID, "dispatcher-svc")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if req != nil {
		t.Fatalf("expected auto_approve to skip the approval gate even at high risk")
	}
	if !executor.sent {
		t.Fatalf("expected executor.Send to be called")
	}
}

func TestTriggerHighRiskOpensApprovalAndDoesNotDispatch(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{}
	d, tenantID, _, runbooks, incidents, _ := setupDispatcher(t, executor)

	inc := mustCreateIncident(t, incidents, tenantID, "disk_full")
	rb := mustCreateRunbook(t, runbooks, tenantID, runbook.RiskHigh, false)

	exec, req, err := d.Trigger(ctx, tenantID, inc.ID, rb.ID, "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if req == nil || !req.IsPending() {
		t.Fatalf("expected a pending approval request, got %+v", req)
	}
	if exec.Status != "pending_approval" {
		t.Fatalf("expected execution status pending_approval, got %q", exec.Status)
	}
	if executor.sent {
		t.Fatalf("expected executor.Send NOT to be called before approval")
	}

	updatedInc, err := incidents.Get(ctx, tenantID, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if updatedInc.Status != incident.StatusPendingApproval {
		t.Fatalf("expected incident status pending_approval, got %q", updatedInc.Status)
	}
}

func TestTriggerRejectsMismatchedSignature(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{}
	d, tenantID, _, runbooks, incidents, _ := setupDispatcher(t, executor)

	inc := mustCreateIncident(t, incidents, tenantID, "oom_kill")
	rb := mustCreateRunbook(t, runbooks, tenantID, runbook.RiskLow, false)

	_, _, err := d.Trigger(ctx, tenantID, inc.ID, rb.ID, "alice")
	if apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("expected validation error for mismatched signature, got %v", err)
	}
	if executor.sent {
		t.Fatalf("expected executor.Send not to be called on signature mismatch")
	}
}

func TestResumeDispatchesApprovedExecution(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{}
	d, tenantID, _, runbooks, incidents, approvals := setupDispatcher(t, executor)

	inc := mustCreateIncident(t, incidents, tenantID, "disk_full")
	rb := mustCreateRunbook(t, runbooks, tenantID, runbook.RiskHigh, false)

	exec, req, err := d.Trigger(ctx, tenantID, inc.ID, rb.ID, "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	decided, err := approvals.Decide(ctx, tenantID, req.ID, "bob", true, "looks safe")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != approval.StatusApproved {
		t.Fatalf("expected approved status, got %q", decided.Status)
	}

	if err := d.Resume(ctx, tenantID, exec.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !executor.sent {
		t.Fatalf("expected executor.Send to be called on resume after approval")
	}

	updated, err := d.executions.Get(ctx, tenantID, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if updated.Status != "running" {
		t.Fatalf("expected status running after resume, got %q", updated.Status)
	}

	updatedInc, err := incidents.Get(ctx, tenantID, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if updatedInc.Status != incident.StatusRemediating {
		t.Fatalf("expected incident status remediating after resume, got %q", updatedInc.Status)
	}
}

func TestRunRevertsIncidentToInProgressOnRejection(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{}
	d, tenantID, _, runbooks, incidents, approvals := setupDispatcher(t, executor)

	inc := mustCreateIncident(t, incidents, tenantID, "disk_full")
	rb := mustCreateRunbook(t, runbooks, tenantID, runbook.RiskHigh, false)

	_, req, err := d.Trigger(ctx, tenantID, inc.ID, rb.ID, "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.Run(runCtx)

	decided, err := approvals.Decide(ctx, tenantID, req.ID, "bob", false, "too risky")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != approval.StatusRejected {
		t.Fatalf("expected rejected status, got %q", decided.Status)
	}
	// Run's Subscribe call races with this goroutine's startup, so retry the
	// publish until it lands on a registered subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for {
		d.bus.Publish(eventbus.Event{Topic: eventbus.TopicApprovalDecided, TenantID: tenantID, Payload: decided})
		updatedInc, err := incidents.Get(ctx, tenantID, inc.ID)
		if err != nil {
			t.Fatalf("get incident: %v", err)
		}
		if updatedInc.Status == incident.StatusInProgress {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected incident to revert to in_progress after rejection, still %q", updatedInc.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestResumeIsNoOpWhenNotPendingApproval(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{}
	d, tenantID, _, runbooks, incidents, _ := setupDispatcher(t, executor)

	inc := mustCreateIncident(t, incidents, tenantID, "disk_full")
	rb := mustCreateRunbook(t, runbooks, tenantID, runbook.RiskLow, false)

	exec, _, err := d.Trigger(ctx, tenantID, inc.ID, rb.ID, "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	executor.sent = false

	if err := d.Resume(ctx, tenantID, exec.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if executor.sent {
		t.Fatalf("expected resume to be a no-op for an already-dispatched execution")
	}
}

func TestFinishResolvesIncidentOnSuccess(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{}
	d, tenantID, _, runbooks, incidents, _ := setupDispatcher(t, executor)

	inc := mustCreateIncident(t, incidents, tenantID, "disk_full")
	rb := mustCreateRunbook(t, runbooks, tenantID, runbook.RiskLow, false)

	exec, _, err := d.Trigger(ctx, tenantID, inc.ID, rb.ID, "dispatcher-svc")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	d.finish(ctx, tenantID, exec.ID, CommandResult{Status: "Success"})

	updatedInc, err := incidents.Get(ctx, tenantID, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if updatedInc.Status != incident.StatusResolved {
		t.Fatalf("expected incident status resolved, got %q", updatedInc.Status)
	}
	if updatedInc.Resolution != incident.ResolutionAuto {
		t.Fatalf("expected resolution auto, got %q", updatedInc.Resolution)
	}
	if updatedInc.ResolvedAt == 0 {
		t.Fatalf("expected resolved_at to be set")
	}
}

func TestFinishRevertsIncidentToInProgressOnFailure(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{}
	d, tenantID, _, runbooks, incidents, _ := setupDispatcher(t, executor)

	inc := mustCreateIncident(t, incidents, tenantID, "disk_full")
	rb := mustCreateRunbook(t, runbooks, tenantID, runbook.RiskLow, false)

	exec, _, err := d.Trigger(ctx, tenantID, inc.ID, rb.ID, "dispatcher-svc")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	d.finish(ctx, tenantID, exec.ID, CommandResult{Status: "Failed"})

	updatedInc, err := incidents.Get(ctx, tenantID, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if updatedInc.Status != incident.StatusInProgress {
		t.Fatalf("expected incident status in_progress after failed remediation, got %q", updatedInc.Status)
	}
	if updatedInc.Resolution != incident.ResolutionUnresolved {
		t.Fatalf("expected resolution unresolved, got %q", updatedInc.Resolution)
	}
}
