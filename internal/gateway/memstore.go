package gateway

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore is an in-memory Store used for tests and single-process
// deployments without a database.
type MemoryStore struct {
	kind string
	feed *Feed

	mu     sync.Mutex
	nextID int64
	items  map[string]Fields
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(kind string, feed *Feed) *MemoryStore {
	return &MemoryStore{
		kind:   kind,
		feed:   feed,
		nextID: 1,
		items:  make(map[string]Fields),
	}
}

func (s *MemoryStore) Get(ctx context.Context, field, value string) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pk, fields := range s.items {
		stored, ok := fields[field]
		if !ok {
			continue
		}
		cmp, err := CompareValues(stored, value)
		if err != nil {
			return Entity{}, err
		}
		if cmp == 0 {
			return Entity{PK: pk, Fields: fields.Clone()}, nil
		}
	}
	return Entity{}, ErrNotFound
}

func (s *MemoryStore) Filter(ctx context.Context, criteria Criteria) ([]Entity, error) {
	if len(criteria) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Entity
	for pk, fields := range s.items {
		match, err := s.matches(fields, criteria)
		if err != nil {
			return nil, err
		}
		if match {
			result = append(result, Entity{PK: pk, Fields: fields.Clone()})
		}
	}

	// Map iteration order is random; keep results stable for callers.
	sort.Slice(result, func(i, j int) bool { return result[i].PK < result[j].PK })
	return result, nil
}

func (s *MemoryStore) matches(fields Fields, criteria Criteria) (bool, error) {
	for key, want := range criteria {
		field, op := ParseKey(key)
		stored, ok := fields[field]
		if !ok {
			return false, nil
		}
		cmp, err := CompareValues(stored, want)
		if err != nil {
			return false, err
		}
		switch op {
		case OpEq:
			if cmp != 0 {
				return false, nil
			}
		case OpLt:
			if cmp >= 0 {
				return false, nil
			}
		case OpLte:
			if cmp > 0 {
				return false, nil
			}
		case OpGt:
			if cmp <= 0 {
				return false, nil
			}
		case OpGte:
			if cmp < 0 {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *MemoryStore) Create(ctx context.Context, fields Fields, opts ...MutateOption) (Entity, error) {
	cfg := ApplyMutateOptions(opts)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	pk := strconv.FormatInt(id, 10)

	stored := fields.Clone()
	stored["id"] = id
	s.items[pk] = stored
	entity := Entity{PK: pk, Fields: stored.Clone()}
	s.mu.Unlock()

	s.feed.Publish(Event{Kind: s.kind, Entity: entity, Action: ChangeCreate, Suppressed: cfg.SuppressBroadcast})
	return entity, nil
}

func (s *MemoryStore) Update(ctx context.Context, e Entity, fields Fields, opts ...MutateOption) (Entity, error) {
	cfg := ApplyMutateOptions(opts)

	s.mu.Lock()
	stored, ok := s.items[e.PK]
	if !ok {
		s.mu.Unlock()
		return Entity{}, ErrNotFound
	}
	for k, v := range fields {
		if k == "id" {
			// The primary key is immutable after creation.
			continue
		}
		stored[k] = v
	}
	entity := Entity{PK: e.PK, Fields: stored.Clone()}
	s.mu.Unlock()

	s.feed.Publish(Event{Kind: s.kind, Entity: entity, Action: ChangeUpdate, Suppressed: cfg.SuppressBroadcast})
	return entity, nil
}

func (s *MemoryStore) Delete(ctx context.Context, e Entity, opts ...MutateOption) error {
	cfg := ApplyMutateOptions(opts)

	s.mu.Lock()
	stored, ok := s.items[e.PK]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %q: %w", e.PK, ErrNotFound)
	}
	delete(s.items, e.PK)
	entity := Entity{PK: e.PK, Fields: stored.Clone()}
	s.mu.Unlock()

	s.feed.Publish(Event{Kind: s.kind, Entity: entity, Action: ChangeDelete, Suppressed: cfg.SuppressBroadcast})
	return nil
}
