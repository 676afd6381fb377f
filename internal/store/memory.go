package store

import (
	"context"
	"sort"
	"sync"

	"github.com/patrolwire/patrolwire/internal/apperr"
)

// MemoryStore is an in-process Store used by domain package unit tests so
// they can exercise real filter/sort semantics without a database.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]Document // tenantID|collection -> id -> doc
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]Document)}
}

func key(tenantID, collection string) string { return tenantID + "|" + collection }

func (s *MemoryStore) InsertOne(ctx context.Context, tenantID, collection, id string, doc Document) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, collection)
	if s.data[k] == nil {
		s.data[k] = make(map[string]Document)
	}
	cp := make(Document, len(doc))
	for kk, v := range doc {
		cp[kk] = v
	}
	s.data[k][id] = cp
	return nil
}

func (s *MemoryStore) FindOne(ctx context.Context, tenantID, collection, id string) (Document, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[key(tenantID, collection)][id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, collection+" "+id+" not found")
	}
	return doc, nil
}

func (s *MemoryStore) Find(ctx context.Context, tenantID, collection string, filters []Filter, sorts []Sort, page Page) ([]Document, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Document
	for _, doc := range s.data[key(tenantID, collection)] {
		if matchesAll(doc, filters) {
			out = append(out, doc)
		}
	}

	applySort(out, sorts)

	if page.Offset > 0 && page.Offset < len(out) {
		out = out[page.Offset:]
	} else if page.Offset >= len(out) {
		out = nil
	}
	if page.Limit > 0 && page.Limit < len(out) {
		out = out[:page.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, tenantID, collection string, filters []Filter) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, doc := range s.data[key(tenantID, collection)] {
		if matchesAll(doc, filters) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateOne(ctx context.Context, tenantID, collection, id string, mutate func(Document) (Document, error)) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, collection)
	doc, ok := s.data[k][id]
	if !ok {
		return apperr.New(apperr.NotFound, collection+" "+id+" not found")
	}
	next, err := mutate(doc)
	if err != nil {
		return err
	}
	s.data[k][id] = next
	return nil
}

func (s *MemoryStore) UpdateMany(ctx context.Context, tenantID, collection string, filters []Filter, mutate func(Document) (Document, error)) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, collection)
	n := 0
	for id, doc := range s.data[k] {
		if !matchesAll(doc, filters) {
			continue
		}
		next, err := mutate(doc)
		if err != nil {
			return n, err
		}
		s.data[k][id] = next
		n++
	}
	return n, nil
}

func (s *MemoryStore) DeleteOne(ctx context.Context, tenantID, collection, id string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, collection)
	if _, ok := s.data[k][id]; !ok {
		return apperr.New(apperr.NotFound, collection+" "+id+" not found")
	}
	delete(s.data[k], id)
	return nil
}

func matchesAll(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matches(doc, f) {
			return false
		}
	}
	return true
}

func matches(doc Document, f Filter) bool {
	v, present := doc[f.Field]
	switch f.Op {
	case OpEq:
		return present && equalLoose(v, f.Value)
	case OpNe:
		return !present || !equalLoose(v, f.Value)
	case OpIn:
		values, _ := f.Value.([]any)
		for _, want := range values {
			if present && equalLoose(v, want) {
				return true
			}
		}
		return false
	case OpRange:
		bound, _ := f.Value.(RangeBound)
		if !present {
			return false
		}
		return inRange(v, bound)
	case OpSetContains:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if equalLoose(item, f.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func equalLoose(a, b any) bool {
	return toComparable(a) == toComparable(b)
}

func toComparable(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

func inRange(v any, bound RangeBound) bool {
	vf, ok := toFloat(v)
	if !ok {
		return false
	}
	if bound.Min != nil {
		minf, _ := toFloat(bound.Min)
		if bound.MinInclusive {
			if vf < minf {
				return false
			}
		} else if vf <= minf {
			return false
		}
	}
	if bound.Max != nil {
		maxf, _ := toFloat(bound.Max)
		if bound.MaxInclusive {
			if vf > maxf {
				return false
			}
		} else if vf >= maxf {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func applySort(docs []Document, sorts []Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range sorts {
			less, eq := compareField(docs[i][s.Field], docs[j][s.Field])
			if eq {
				continue
			}
			if s.Desc {
				return !less
			}
			return less
		}
		return false
	})
}

// compareField reports (less, equal) for two field values, comparing as
// numbers when both are numeric and falling back to string comparison
// otherwise (RFC3339 timestamps sort correctly as strings).
func compareField(a, b any) (bool, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			if af == bf {
				return false, true
			}
			return af < bf, false
		}
	}
	as := toStr(a)
	bs := toStr(b)
	if as == bs {
		return false, true
	}
	return as < bs, false
}

func toStr(v any) string {
	s, _ := v.(string)
	return s
}
