package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patrolwire/patrolwire/internal/apperr"
)

// PostgresStore implements Store on a single physical table, keeping every
// domain record as a JSONB document keyed by (tenant_id, collection, id).
// This trades the teacher's schema-per-tenant isolation for row-level
// tenant_id isolation enforced at the facade boundary, and trades
// one-query-per-entity-type for one filter variant every domain package
// shares.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const documentsTable = "documents"

func (s *PostgresStore) InsertOne(ctx context.Context, tenantID, collection, id string, doc Document) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (tenant_id, collection, id, doc, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, now(), now())
		ON CONFLICT (tenant_id, collection, id) DO UPDATE
		SET doc = $4, version = %s.version + 1, updated_at = now()
	`, documentsTable, documentsTable), tenantID, collection, id, b)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "inserting document", err)
	}
	return nil
}

func (s *PostgresStore) FindOne(ctx context.Context, tenantID, collection, id string) (Document, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT doc FROM %s WHERE tenant_id = $1 AND collection = $2 AND id = $3
	`, documentsTable), tenantID, collection, id)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("%s %s not found", collection, id))
		}
		return nil, apperr.Wrap(apperr.Transient, "fetching document", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) Find(ctx context.Context, tenantID, collection string, filters []Filter, sorts []Sort, page Page) ([]Document, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	where, args := buildWhere(tenantID, collection, filters)
	order := buildOrder(sorts)

	query := fmt.Sprintf(`SELECT doc FROM %s WHERE %s %s`, documentsTable, where, order)

	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "querying documents", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("unmarshaling document row: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating document rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context, tenantID, collection string, filters []Filter) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	where, args := buildWhere(tenantID, collection, filters)
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, documentsTable, where)

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.Transient, "counting documents", err)
	}
	return n, nil
}

// UpdateOne applies mutate to the current document and writes it back with
// a version bump, in one transaction that holds a row lock (SELECT ... FOR
// UPDATE) from read to write; it makes a single attempt and does not retry. Domain
// packages that need strict compare-and-set semantics (incidents, approval
// requests) should check their own `version` field inside mutate and return
// apperr.Conflict when it does not match the expected value.
func (s *PostgresStore) UpdateOne(ctx context.Context, tenantID, collection, id string, mutate func(Document) (Document, error)) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT doc FROM %s WHERE tenant_id = $1 AND collection = $2 AND id = $3 FOR UPDATE
	`, documentsTable), tenantID, collection, id)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == pgx.ErrNoRows {
			return apperr.New(apperr.NotFound, fmt.Sprintf("%s %s not found", collection, id))
		}
		return apperr.Wrap(apperr.Transient, "fetching document for update", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshaling document: %w", err)
	}

	next, err := mutate(doc)
	if err != nil {
		return err
	}

	b, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshaling updated document: %w", err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET doc = $4, version = version + 1, updated_at = now()
		WHERE tenant_id = $1 AND collection = $2 AND id = $3
	`, documentsTable), tenantID, collection, id, b)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "writing updated document", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Transient, "committing update", err)
	}
	return nil
}

// UpdateMany locks every document matching filters within one transaction,
// applies mutate to each, and writes them back with a version bump, failing
// the whole batch atomically if any mutate call errors.
func (s *PostgresStore) UpdateMany(ctx context.Context, tenantID, collection string, filters []Filter, mutate func(Document) (Document, error)) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	where, args := buildWhere(tenantID, collection, filters)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT id, doc FROM %s WHERE %s FOR UPDATE
	`, documentsTable, where), args...)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "querying documents for update", err)
	}

	type locked struct {
		id  string
		doc Document
	}
	var targets []locked
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning document row: %w", err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			rows.Close()
			return 0, fmt.Errorf("unmarshaling document row: %w", err)
		}
		targets = append(targets, locked{id: id, doc: doc})
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return 0, fmt.Errorf("iterating document rows: %w", rowsErr)
	}

	n := 0
	for _, t := range targets {
		next, err := mutate(t.doc)
		if err != nil {
			return n, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return n, fmt.Errorf("marshaling updated document: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET doc = $4, version = version + 1, updated_at = now()
			WHERE tenant_id = $1 AND collection = $2 AND id = $3
		`, documentsTable), tenantID, collection, t.id, b); err != nil {
			return n, apperr.Wrap(apperr.Transient, "writing updated document", err)
		}
		n++
	}

	if err := tx.Commit(ctx); err != nil {
		return n, apperr.Wrap(apperr.Transient, "committing update", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteOne(ctx context.Context, tenantID, collection, id string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE tenant_id = $1 AND collection = $2 AND id = $3
	`, documentsTable), tenantID, collection, id)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "deleting document", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, fmt.Sprintf("%s %s not found", collection, id))
	}
	return nil
}

// buildWhere renders the fixed tenant/collection predicates plus one JSONB
// expression per filter. Every filter reads through doc->>'field' (or the
// containment operator for SetContains) rather than a promoted column,
// keeping the table schema generic across every domain package's document
// shape.
func buildWhere(tenantID, collection string, filters []Filter) (string, []any) {
	args := []any{tenantID, collection}
	clauses := []string{"tenant_id = $1", "collection = $2"}

	for _, f := range filters {
		clause, newArgs := renderFilter(f, args)
		args = newArgs
		clauses = append(clauses, clause)
	}

	return strings.Join(clauses, " AND "), args
}

func renderFilter(f Filter, args []any) (string, []any) {
	path := fmt.Sprintf("doc->>'%s'", f.Field)

	switch f.Op {
	case OpEq:
		args = append(args, fmt.Sprintf("%v", f.Value))
		return fmt.Sprintf("%s = $%d", path, len(args)), args
	case OpNe:
		args = append(args, fmt.Sprintf("%v", f.Value))
		return fmt.Sprintf("%s <> $%d", path, len(args)), args
	case OpIn:
		values, _ := f.Value.([]any)
		if len(values) == 0 {
			return "false", args
		}
		placeholders := make([]string, 0, len(values))
		for _, v := range values {
			args = append(args, fmt.Sprintf("%v", v))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		return fmt.Sprintf("%s IN (%s)", path, strings.Join(placeholders, ", ")), args
	case OpRange:
		bound, _ := f.Value.(RangeBound)
		var clauses []string
		if bound.Min != nil {
			args = append(args, formatBound(bound.Min))
			op := ">="
			if !bound.MinInclusive {
				op = ">"
			}
			clauses = append(clauses, fmt.Sprintf("%s %s $%d", path, op, len(args)))
		}
		if bound.Max != nil {
			args = append(args, formatBound(bound.Max))
			op := "<="
			if !bound.MaxInclusive {
				op = "<"
			}
			clauses = append(clauses, fmt.Sprintf("%s %s $%d", path, op, len(args)))
		}
		if len(clauses) == 0 {
			return "true", args
		}
		return strings.Join(clauses, " AND "), args
	case OpSetContains:
		args = append(args, fmt.Sprintf(`["%v"]`, f.Value))
		return fmt.Sprintf("doc->'%s' @> $%d::jsonb", f.Field, len(args)), args
	default:
		return "true", args
	}
}

// formatBound renders a range bound value as the text representation used
// for the doc->>'field' text comparison, formatting time.Time as RFC3339 so
// lexicographic text ordering matches chronological ordering.
func formatBound(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}

func buildOrder(sorts []Sort) string {
	if len(sorts) == 0 {
		return ""
	}
	clauses := make([]string, 0, len(sorts))
	for _, s := range sorts {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		clauses = append(clauses, fmt.Sprintf("doc->>'%s' %s", s.Field, dir))
	}
	return "ORDER BY " + strings.Join(clauses, ", ")
}
