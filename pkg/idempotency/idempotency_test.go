package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/patrolwire/patrolwire/internal/store"
)

func TestDeriveDeliveryIDIsStableForSamePayload(t *testing.T) {
	a := DeriveDeliveryID("t1", "host-1", "disk_full", "disk at 95%", `{"x":1}`)
	b := DeriveDeliveryID("t1", "host-1", "disk_full", "disk at 95%", `{"x":1}`)
	if a != b {
		t.Fatalf("expected deterministic delivery id, got %q vs %q", a, b)
	}
}

func TestDeriveDeliveryIDDiffersOnAnyField(t *testing.T) {
	base := DeriveDeliveryID("t1", "host-1", "disk_full", "msg", "body")
	variants := []string{
		DeriveDeliveryID("t2", "host-1", "disk_full", "msg", "body"),
		DeriveDeliveryID("t1", "host-2", "disk_full", "msg", "body"),
		DeriveDeliveryID("t1", "host-1", "oom", "msg", "body"),
		DeriveDeliveryID("t1", "host-1", "disk_full", "other", "body"),
		DeriveDeliveryID("t1", "host-1", "disk_full", "msg", "other"),
	}
	for _, v := range variants {
		if v == base {
			t.Fatalf("expected distinct delivery id for differing field, got collision %q", v)
		}
	}
}

func TestGuardCheckNoRedisFallsBackToStoreLookup(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	lookup := &recordingLookup{}
	g := New(lookup, nil, st)

	result, err := g.Check(ctx, "t1", "delivery-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("expected no duplicate on first check")
	}
	if !lookup.findCalled {
		t.Fatalf("expected store lookup to be consulted when redis is nil")
	}
}

func TestGuardCheckDetectsDuplicateViaLookup(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	lookup := &recordingLookup{foundAlertID: "alert-1"}
	g := New(lookup, nil, st)

	result, err := g.Check(ctx, "t1", "delivery-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Duplicate || result.AlertID != "alert-1" {
		t.Fatalf("expected duplicate pointing at alert-1, got %+v", result)
	}
	if lookup.incrementedFor != "alert-1" {
		t.Fatalf("expected delivery attempts incremented for alert-1, got %q", lookup.incrementedFor)
	}
}

type recordingLookup struct {
	foundAlertID   string
	findCalled     bool
	incrementedFor string
}

func (r *recordingLookup) FindByDeliveryID(ctx context.Context, tenantID, deliveryID string, since time.Time) (string, bool, error) {
	r.findCalled = true
	if r.foundAlertID == "" {
		return "", false, nil
	}
	return r.foundAlertID, true, nil
}

func (r *recordingLookup) IncrementDeliveryAttempts(ctx context.Context, tenantID, alertID string) error {
	r.incrementedFor = alertID
	return nil
}
