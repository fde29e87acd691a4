package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Repository. Records are kept as JSON documents so
// callers never share memory with the store, mirroring the Postgres twin.
type Memory[T any, P interface {
	*T
	Entity
}] struct {
	mu     sync.RWMutex
	kind   Kind
	nextID int64
	rows   map[int64][]byte
	now    func() time.Time
}

// NewMemory constructs an empty in-memory repository.
func NewMemory[T any, P interface {
	*T
	Entity
}](kind Kind) *Memory[T, P] {
	return &Memory[T, P]{
		kind: kind,
		rows: make(map[int64][]byte),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Find returns every record matching q.
func (m *Memory[T, P]) Find(_ context.Context, q Query) ([]*T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.find(q)
}

// First returns the first record matching q or ErrNotFound.
func (m *Memory[T, P]) First(ctx context.Context, q Query) (*T, error) {
	found, err := m.Find(ctx, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

// Get loads a record by id regardless of its archived state.
func (m *Memory[T, P]) Get(_ context.Context, id int64) (*T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeRow[T](raw)
}

// Count returns the number of records matching q.
func (m *Memory[T, P]) Count(ctx context.Context, q Query) (int, error) {
	found, err := m.Find(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(found), nil
}

// Create inserts rec, assigning its id and timestamps.
func (m *Memory[T, P]) Create(_ context.Context, rec *T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := P(rec).Meta()
	m.nextID++
	now := m.now()
	meta.ID = m.nextID
	meta.Active = true
	meta.CreatedAt = now
	meta.UpdatedAt = now
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store/%s: encode: %w", m.kind, err)
	}
	m.rows[meta.ID] = raw
	return nil
}

// Update replaces the stored copy of rec.
func (m *Memory[T, P]) Update(_ context.Context, rec *T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := P(rec).Meta()
	if _, ok := m.rows[meta.ID]; !ok {
		return ErrNotFound
	}
	meta.UpdatedAt = m.now()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store/%s: encode: %w", m.kind, err)
	}
	m.rows[meta.ID] = raw
	return nil
}

// Archive marks rec inactive.
func (m *Memory[T, P]) Archive(ctx context.Context, rec *T) error {
	P(rec).Meta().Active = false
	return m.Update(ctx, rec)
}

// Delete removes the record permanently.
func (m *Memory[T, P]) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *Memory[T, P]) find(q Query) ([]*T, error) {
	type match struct {
		id  int64
		doc map[string]any
		raw []byte
	}
	conds, err := normalise(q.conds)
	if err != nil {
		return nil, fmt.Errorf("store/%s: %w", m.kind, err)
	}
	var matches []match
	for id, raw := range m.rows {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("store/%s: decode: %w", m.kind, err)
		}
		if !matchesScope(q, doc) || !matchesAll(conds, doc) {
			continue
		}
		matches = append(matches, match{id: id, doc: doc, raw: raw})
	}
	sort.Slice(matches, func(i, j int) bool {
		if q.orderBy != "" {
			if c := compareValues(matches[i].doc[q.orderBy], matches[j].doc[q.orderBy], q.nullsFirst); c != 0 {
				if q.desc {
					return c > 0
				}
				return c < 0
			}
		}
		return matches[i].id < matches[j].id
	})
	if q.limit > 0 && len(matches) > q.limit {
		matches = matches[:q.limit]
	}
	out := make([]*T, 0, len(matches))
	for _, mt := range matches {
		rec, err := decodeRow[T](mt.raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRow[T any](raw []byte) (*T, error) {
	rec := new(T)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("store: decode: %w", err)
	}
	return rec, nil
}

// normalise round-trips condition values through JSON so they compare equal
// to decoded document values (numbers become float64 and so on).
func normalise(conds []cond) ([]cond, error) {
	out := make([]cond, len(conds))
	for i, c := range conds {
		values := make([]any, len(c.values))
		for j, v := range c.values {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", c.field, err)
			}
			if err := json.Unmarshal(raw, &values[j]); err != nil {
				return nil, fmt.Errorf("decode %s: %w", c.field, err)
			}
		}
		out[i] = cond{field: c.field, op: c.op, values: values}
	}
	return out, nil
}

func matchesScope(q Query, doc map[string]any) bool {
	if q.hasCompany {
		company, _ := doc["company_id"].(float64)
		if int64(company) != q.companyID {
			return false
		}
	}
	active, _ := doc["active"].(bool)
	switch q.archived {
	case ActiveOnly:
		return active
	case ArchivedOnly:
		return !active
	default:
		return true
	}
}

func matchesAll(conds []cond, doc map[string]any) bool {
	for _, c := range conds {
		value, present := doc[c.field]
		switch c.op {
		case opEq:
			if !present || !reflect.DeepEqual(value, c.values[0]) {
				return false
			}
		case opNe:
			if present && reflect.DeepEqual(value, c.values[0]) {
				return false
			}
		case opIn:
			hit := false
			for _, v := range c.values {
				if present && reflect.DeepEqual(value, v) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		case opNull:
			if present && value != nil {
				return false
			}
		case opNotNull:
			if !present || value == nil {
				return false
			}
		}
	}
	return true
}

func compareValues(a, b any, nullsFirst bool) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil && nullsFirst, b == nil && !nullsFirst:
			return -1
		default:
			return 1
		}
	}
	switch av := a.(type) {
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv, _ := b.(string)
		at, aerr := time.Parse(time.RFC3339Nano, av)
		bt, berr := time.Parse(time.RFC3339Nano, bv)
		if aerr == nil && berr == nil {
			return at.Compare(bt)
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case bool:
		bv, _ := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	}
	return 0
}
