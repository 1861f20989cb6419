package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/livefeed-io/livefeed/internal/gateway"
)

// TableSpec binds an entity kind to its table. Columns lists the mutable
// data columns; the bigserial "id" primary key is implicit. Table and
// column names come from registration code, never from clients.
type TableSpec struct {
	Kind    string
	Table   string
	Columns []string
}

// Store is a gateway.Store backed by one PostgreSQL table.
type Store struct {
	pool *pgxpool.Pool
	feed *gateway.Feed
	spec TableSpec
	cols map[string]struct{}
}

var _ gateway.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, feed *gateway.Feed, spec TableSpec) *Store {
	cols := make(map[string]struct{}, len(spec.Columns))
	for _, c := range spec.Columns {
		cols[c] = struct{}{}
	}
	return &Store{pool: pool, feed: feed, spec: spec, cols: cols}
}

// selectList is "id, col1, col2, ..." in declaration order.
func (s *Store) selectList() string {
	return "id, " + strings.Join(s.spec.Columns, ", ")
}

func (s *Store) scanEntity(row pgx.CollectableRow) (gateway.Entity, error) {
	values, err := row.Values()
	if err != nil {
		return gateway.Entity{}, err
	}

	fields := make(gateway.Fields, len(values))
	for i, desc := range row.FieldDescriptions() {
		fields[desc.Name] = normalizeValue(values[i])
	}

	id, ok := fields["id"].(int64)
	if !ok {
		return gateway.Entity{}, fmt.Errorf("table %s: id column is not bigint", s.spec.Table)
	}
	return gateway.Entity{PK: strconv.FormatInt(id, 10), Fields: fields}, nil
}

// normalizeValue maps pgx scan results onto the encoding/json conventions
// the rest of the system uses.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

func (s *Store) Get(ctx context.Context, field, value string) (gateway.Entity, error) {
	if field == "id" {
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return gateway.Entity{}, fmt.Errorf("%w: %q is not a valid id", gateway.ErrInvalidLookup, value)
		}
		return s.getWhere(ctx, "id = $1", id)
	}

	if _, ok := s.cols[field]; !ok {
		return gateway.Entity{}, fmt.Errorf("%w: unknown field %q", gateway.ErrInvalidLookup, field)
	}
	// Text comparison keeps the lookup generic across column types.
	return s.getWhere(ctx, fmt.Sprintf("(%s)::text = $1", field), value)
}

func (s *Store) getWhere(ctx context.Context, cond string, arg any) (gateway.Entity, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1", s.selectList(), s.spec.Table, cond), arg)
	if err != nil {
		return gateway.Entity{}, fmt.Errorf("failed to query %s: %w", s.spec.Table, err)
	}

	entity, err := pgx.CollectOneRow(rows, s.scanEntity)
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.Entity{}, gateway.ErrNotFound
	}
	if err != nil {
		return gateway.Entity{}, fmt.Errorf("failed to scan %s row: %w", s.spec.Table, err)
	}
	return entity, nil
}

func (s *Store) Filter(ctx context.Context, criteria gateway.Criteria) ([]gateway.Entity, error) {
	if len(criteria) == 0 {
		return nil, nil
	}

	var (
		conds []string
		args  []any
	)
	for key, want := range criteria {
		field, op := gateway.ParseKey(key)
		if _, ok := s.cols[field]; !ok && field != "id" {
			return nil, fmt.Errorf("%w: unknown field %q", gateway.ErrInvalidLookup, field)
		}
		cond, arg, err := buildCondition(field, op, want, len(args)+1)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
		if arg != nil {
			args = append(args, arg)
		}
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY id",
		s.selectList(), s.spec.Table, strings.Join(conds, " AND "))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s: %w", s.spec.Table, err)
	}

	entities, err := pgx.CollectRows(rows, s.scanEntity)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s rows: %w", s.spec.Table, err)
	}
	return entities, nil
}

// buildCondition renders one criterion. Numbers compare numerically and
// strings textually, matching the in-memory store's coercion rules.
func buildCondition(field string, op gateway.Op, want any, argPos int) (string, any, error) {
	switch v := want.(type) {
	case nil:
		if op != gateway.OpEq {
			return "", nil, fmt.Errorf("%w: cannot order against null", gateway.ErrInvalidLookup)
		}
		return fmt.Sprintf("%s IS NULL", field), nil, nil
	case bool:
		if op != gateway.OpEq {
			return "", nil, fmt.Errorf("%w: cannot order against bool", gateway.ErrInvalidLookup)
		}
		return fmt.Sprintf("%s = $%d", field, argPos), v, nil
	case float64:
		return fmt.Sprintf("(%s)::numeric %s $%d", field, op, argPos), v, nil
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return fmt.Sprintf("(%s)::numeric %s $%d", field, op, argPos), f, nil
		}
		return fmt.Sprintf("(%s)::text %s $%d", field, op, argPos), v, nil
	default:
		return "", nil, fmt.Errorf("%w: cannot filter on %T", gateway.ErrInvalidLookup, want)
	}
}

func (s *Store) Create(ctx context.Context, fields gateway.Fields, opts ...gateway.MutateOption) (gateway.Entity, error) {
	cfg := gateway.ApplyMutateOptions(opts)

	var (
		cols         []string
		placeholders []string
		args         []any
	)
	for _, col := range s.spec.Columns {
		v, ok := fields[col]
		if !ok {
			continue
		}
		cols = append(cols, col)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, v)
	}

	query := fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", s.spec.Table, s.selectList())
	if len(cols) > 0 {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			s.spec.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), s.selectList())
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return gateway.Entity{}, fmt.Errorf("failed to insert into %s: %w", s.spec.Table, err)
	}
	entity, err := pgx.CollectOneRow(rows, s.scanEntity)
	if err != nil {
		return gateway.Entity{}, fmt.Errorf("failed to scan inserted %s row: %w", s.spec.Table, err)
	}

	s.feed.Publish(gateway.Event{Kind: s.spec.Kind, Entity: entity, Action: gateway.ChangeCreate, Suppressed: cfg.SuppressBroadcast})
	return entity, nil
}

func (s *Store) Update(ctx context.Context, e gateway.Entity, fields gateway.Fields, opts ...gateway.MutateOption) (gateway.Entity, error) {
	cfg := gateway.ApplyMutateOptions(opts)

	id, err := strconv.ParseInt(e.PK, 10, 64)
	if err != nil {
		return gateway.Entity{}, fmt.Errorf("%w: %q is not a valid id", gateway.ErrInvalidLookup, e.PK)
	}

	var (
		sets []string
		args []any
	)
	for _, col := range s.spec.Columns {
		v, ok := fields[col]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)+1))
		args = append(args, v)
	}

	if len(sets) == 0 {
		// Nothing to change; re-read so the broadcast carries current state.
		entity, err := s.getWhere(ctx, "id = $1", id)
		if err != nil {
			return gateway.Entity{}, err
		}
		s.feed.Publish(gateway.Event{Kind: s.spec.Kind, Entity: entity, Action: gateway.ChangeUpdate, Suppressed: cfg.SuppressBroadcast})
		return entity, nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING %s",
		s.spec.Table, strings.Join(sets, ", "), len(args), s.selectList())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return gateway.Entity{}, fmt.Errorf("failed to update %s: %w", s.spec.Table, err)
	}
	entity, err := pgx.CollectOneRow(rows, s.scanEntity)
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.Entity{}, gateway.ErrNotFound
	}
	if err != nil {
		return gateway.Entity{}, fmt.Errorf("failed to scan updated %s row: %w", s.spec.Table, err)
	}

	s.feed.Publish(gateway.Event{Kind: s.spec.Kind, Entity: entity, Action: gateway.ChangeUpdate, Suppressed: cfg.SuppressBroadcast})
	return entity, nil
}

func (s *Store) Delete(ctx context.Context, e gateway.Entity, opts ...gateway.MutateOption) error {
	cfg := gateway.ApplyMutateOptions(opts)

	id, err := strconv.ParseInt(e.PK, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not a valid id", gateway.ErrInvalidLookup, e.PK)
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1 RETURNING %s", s.spec.Table, s.selectList()), id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", s.spec.Table, err)
	}
	entity, err := pgx.CollectOneRow(rows, s.scanEntity)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("delete %q: %w", e.PK, gateway.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to scan deleted %s row: %w", s.spec.Table, err)
	}

	s.feed.Publish(gateway.Event{Kind: s.spec.Kind, Entity: entity, Action: gateway.ChangeDelete, Suppressed: cfg.SuppressBroadcast})
	return nil
}
