package ratelimit

import (
	"context"
	"testing"

	"github.com/patrolwire/patrolwire/internal/store"
)

func TestAdmitUnconditionalWhenDisabled(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), nil)

	for i := 0; i < 100; i++ {
		d, err := l.Admit(ctx, "t1", 1, 1, false)
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if !d.Admitted {
			t.Fatalf("expected unconditional admission when disabled, rejected at iteration %d", i)
		}
	}
}

func TestAdmitAllowsUpToBurstThenRejects(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), nil)

	for i := 0; i < 3; i++ {
		d, err := l.Admit(ctx, "t1", 60, 3, true)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !d.Admitted {
			t.Fatalf("expected admission %d within burst of 3", i)
		}
	}

	d, err := l.Admit(ctx, "t1", 60, 3, true)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Admitted {
		t.Fatalf("expected 4th request within the window to be rejected at burst 3")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected a positive retry-after on rejection")
	}
}

func TestAdmitTracksTenantsIndependently(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), nil)

	for i := 0; i < 2; i++ {
		if d, err := l.Admit(ctx, "t1", 60, 2, true); err != nil || !d.Admitted {
			t.Fatalf("t1 admit %d: admitted=%v err=%v", i, d.Admitted, err)
		}
	}
	// t1 is now at burst; t2 must be unaffected.
	d, err := l.Admit(ctx, "t2", 60, 2, true)
	if err != nil {
		t.Fatalf("t2 admit: %v", err)
	}
	if !d.Admitted {
		t.Fatalf("expected t2 to be admitted independently of t1's exhausted burst")
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	if got := RetryAfterSeconds(1); got != 1 {
		t.Fatalf("expected 1ns to round up to 1, got %d", got)
	}
}
