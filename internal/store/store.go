// Package store provides the tenant-scoped document storage facade used by
// every domain package. Rather than one hand-rolled SQL query per domain
// type, each domain package encodes its structs to a Document and decodes
// them back, and queries through a small tagged filter variant instead of
// a free-form query builder.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrolwire/patrolwire/internal/apperr"
)

// Document is the generic JSON-document shape every record is stored as.
type Document map[string]any

// Op identifies a filter comparison.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpIn          Op = "in"
	OpRange       Op = "range"
	OpSetContains Op = "set_contains"
)

// RangeBound describes an inclusive-or-exclusive [Min, Max] bound. A nil
// Min or Max means unbounded on that side.
type RangeBound struct {
	Min          any
	Max          any
	MinInclusive bool
	MaxInclusive bool
}

// Filter is one tagged predicate in a Find/Count/UpdateMany call.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// FieldEq filters for documents where Field equals v.
func FieldEq(field string, v any) Filter { return Filter{Field: field, Op: OpEq, Value: v} }

// FieldNe filters for documents where Field does not equal v.
func FieldNe(field string, v any) Filter { return Filter{Field: field, Op: OpNe, Value: v} }

// FieldIn filters for documents where Field is one of values.
func FieldIn(field string, values ...any) Filter { return Filter{Field: field, Op: OpIn, Value: values} }

// FieldRange filters for documents where Field falls within bound.
func FieldRange(field string, bound RangeBound) Filter {
	return Filter{Field: field, Op: OpRange, Value: bound}
}

// FieldSetContains filters for documents whose Field (expected to be a JSON
// array) contains v as an element.
func FieldSetContains(field string, v any) Filter {
	return Filter{Field: field, Op: OpSetContains, Value: v}
}

// Sort orders Find results by Field, ascending unless Desc is set.
type Sort struct {
	Field string
	Desc  bool
}

// Page bounds a Find call.
type Page struct {
	Limit  int
	Offset int
}

// Store is the tenant-scoped document facade. Every operation requires an
// explicit tenantID; there is no way to issue a query that spans tenants.
type Store interface {
	InsertOne(ctx context.Context, tenantID, collection, id string, doc Document) error
	FindOne(ctx context.Context, tenantID, collection, id string) (Document, error)
	Find(ctx context.Context, tenantID, collection string, filters []Filter, sorts []Sort, page Page) ([]Document, error)
	Count(ctx context.Context, tenantID, collection string, filters []Filter) (int, error)
	UpdateOne(ctx context.Context, tenantID, collection, id string, mutate func(Document) (Document, error)) error
	UpdateMany(ctx context.Context, tenantID, collection string, filters []Filter, mutate func(Document) (Document, error)) (int, error)
	DeleteOne(ctx context.Context, tenantID, collection, id string) error
}

// requireTenant guards against the programming error of issuing a
// tenant-scoped query with no tenant. It is not a substitute for proper
// authorization; it is a defensive floor under it.
func requireTenant(tenantID string) error {
	if tenantID == "" {
		return apperr.New(apperr.Fatal, "tenant_id is required for all store operations")
	}
	return nil
}

// Encode marshals v (expected to be a struct with json tags) into a
// Document.
func Encode(v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decoding encoded document: %w", err)
	}
	return doc, nil
}

// Decode unmarshals a Document into a value of type T.
func Decode[T any](doc Document) (T, error) {
	var out T
	b, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("marshaling document: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decoding document into %T: %w", out, err)
	}
	return out, nil
}

// FindTyped runs Find and decodes every result into T.
func FindTyped[T any](ctx context.Context, s Store, tenantID, collection string, filters []Filter, sorts []Sort, page Page) ([]T, error) {
	docs, err := s.Find(ctx, tenantID, collection, filters, sorts, page)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := Decode[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FindOneTyped runs FindOne and decodes the result into T.
func FindOneTyped[T any](ctx context.Context, s Store, tenantID, collection, id string) (T, error) {
	var out T
	doc, err := s.FindOne(ctx, tenantID, collection, id)
	if err != nil {
		return out, err
	}
	return Decode[T](doc)
}

// InsertTyped encodes v and inserts it.
func InsertTyped(ctx context.Context, s Store, tenantID, collection, id string, v any) error {
	doc, err := Encode(v)
	if err != nil {
		return err
	}
	return s.InsertOne(ctx, tenantID, collection, id, doc)
}

// Now exists so tests and domain packages have a single seam for the
// current time without reaching for time.Now directly in store internals.
var Now = time.Now
