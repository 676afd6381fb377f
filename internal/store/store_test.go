package store

import (
	"context"
	"testing"

	"github.com/patrolwire/patrolwire/internal/apperr"
)

type widget struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Tags     []any  `json:"tags"`
}

func TestInsertAndFindOneTyped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	w := widget{ID: "w1", TenantID: "t1", Name: "alpha", Priority: 10, Tags: []any{"a", "b"}}
	if err := InsertTyped(ctx, s, "t1", "widgets", "w1", w); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := FindOneTyped[widget](ctx, s, "t1", "widgets", "w1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Name != "alpha" || got.Priority != 10 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestFindOneMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.FindOne(ctx, "t1", "widgets", "missing")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRequireTenantRejectsEmptyTenant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.InsertOne(ctx, "", "widgets", "w1", Document{"id": "w1"})
	if apperr.KindOf(err) != apperr.Fatal {
		t.Fatalf("expected Fatal for missing tenant, got %v", err)
	}
}

func TestFindWithRangeFilterAndSort(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	widgets := []widget{
		{ID: "w1", TenantID: "t1", Name: "alpha", Priority: 10},
		{ID: "w2", TenantID: "t1", Name: "beta", Priority: 50},
		{ID: "w3", TenantID: "t1", Name: "gamma", Priority: 90},
		{ID: "w4", TenantID: "t2", Name: "delta", Priority: 90},
	}
	for _, w := range widgets {
		if err := InsertTyped(ctx, s, w.TenantID, "widgets", w.ID, w); err != nil {
			t.Fatalf("insert %s: %v", w.ID, err)
		}
	}

	results, err := FindTyped[widget](ctx, s, "t1", "widgets", []Filter{
		FieldRange("priority", RangeBound{Min: 20, MinInclusive: true}),
	}, []Sort{{Field: "priority"}}, Page{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results in [20, inf) for t1, got %d", len(results))
	}
	if results[0].Name != "beta" || results[1].Name != "gamma" {
		t.Fatalf("expected ascending priority order, got %+v", results)
	}

	// Tenant isolation: t2's widget at priority 90 must never appear in t1's query.
	for _, r := range results {
		if r.TenantID != "t1" {
			t.Fatalf("cross-tenant leak: %+v", r)
		}
	}
}

func TestFieldSetContains(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	w := widget{ID: "w1", TenantID: "t1", Name: "alpha", Tags: []any{"prod", "db"}}
	if err := InsertTyped(ctx, s, "t1", "widgets", "w1", w); err != nil {
		t.Fatalf("insert: %v", err)
	}

	results, err := s.Find(ctx, "t1", "widgets", []Filter{FieldSetContains("tags", "prod")}, nil, Page{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 match, got %d", len(results))
	}

	none, err := s.Find(ctx, "t1", "widgets", []Filter{FieldSetContains("tags", "staging")}, nil, Page{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected 0 matches for absent tag, got %d", len(none))
	}
}

func TestUpdateOneAppliesMutation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	w := widget{ID: "w1", TenantID: "t1", Name: "alpha", Priority: 10}
	if err := InsertTyped(ctx, s, "t1", "widgets", "w1", w); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := s.UpdateOne(ctx, "t1", "widgets", "w1", func(d Document) (Document, error) {
		d["priority"] = 99.0
		return d, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := FindOneTyped[widget](ctx, s, "t1", "widgets", "w1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Priority != 99 {
		t.Fatalf("expected updated priority 99, got %d", got.Priority)
	}
}

func TestDeleteOneMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.DeleteOne(ctx, "t1", "widgets", "missing")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRenderFilterBuildsPostgresClauses(t *testing.T) {
	clause, args := renderFilter(FieldEq("status", "open"), []any{"t1", "incidents"})
	if clause != "doc->>'status' = $3" {
		t.Fatalf("unexpected clause: %s", clause)
	}
	if len(args) != 3 || args[2] != "open" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildWhereIncludesTenantAndCollection(t *testing.T) {
	where, args := buildWhere("t1", "incidents", []Filter{FieldEq("status", "open")})
	want := "tenant_id = $1 AND collection = $2 AND doc->>'status' = $3"
	if where != want {
		t.Fatalf("got %q want %q", where, want)
	}
	if args[0] != "t1" || args[1] != "incidents" {
		t.Fatalf("unexpected args: %v", args)
	}
}
