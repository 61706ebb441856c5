// ABOUTME: In-memory document store used by tests and the "memory" database driver
// ABOUTME: Keeps insertion order for stable sorting and returns copies to callers

package docstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

type memRecord struct {
	doc Document
}

// MemoryStore is a Store held entirely in process memory.
// It does not implement Transactor.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Collection][]*memRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Collection][]*memRecord),
	}
}

// FindOne returns the first document in insertion order matching filter.
func (m *MemoryStore) FindOne(ctx context.Context, coll Collection, filter Filter) (Document, error) {
	schema, filter, err := m.prepare(ctx, coll, filter)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records[schema.name] {
		if matches(rec.doc, filter) {
			return rec.doc.clone(), nil
		}
	}
	return nil, ErrNotFound
}

// FindMany returns matching documents ordered by opts.Sort, then insertion order
// (reversed for opts.NewestFirst).
func (m *MemoryStore) FindMany(ctx context.Context, coll Collection, filter Filter, opts FindOptions) ([]Document, error) {
	schema, filter, err := m.prepare(ctx, coll, filter)
	if err != nil {
		return nil, err
	}
	if err := schema.validateSort(opts.Sort); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var found []Document
	for _, rec := range m.records[schema.name] {
		if matches(rec.doc, filter) {
			found = append(found, rec.doc.clone())
		}
	}
	m.mu.RUnlock()

	if opts.NewestFirst {
		slices.Reverse(found)
	}

	// Records are scanned in insertion order, so a stable sort keeps it for ties.
	slices.SortStableFunc(found, func(a, b Document) int {
		for _, f := range opts.Sort {
			c := compareValues(a[f.Field], b[f.Field])
			if f.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})

	if opts.Limit > 0 && len(found) > opts.Limit {
		found = found[:opts.Limit]
	}
	return found, nil
}

// InsertOne stores a copy of doc.
func (m *MemoryStore) InsertOne(ctx context.Context, coll Collection, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	schema, err := schemaFor(coll)
	if err != nil {
		return err
	}
	doc, err = schema.normalizeDocument(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUnique(schema, doc, nil); err != nil {
		return err
	}

	m.records[schema.name] = append(m.records[schema.name], &memRecord{doc: doc})
	return nil
}

// UpdateOne patches the first matching document.
func (m *MemoryStore) UpdateOne(ctx context.Context, coll Collection, filter Filter, patch Patch) (UpdateResult, error) {
	return m.update(ctx, coll, filter, patch, 1)
}

// UpdateMany patches every matching document.
func (m *MemoryStore) UpdateMany(ctx context.Context, coll Collection, filter Filter, patch Patch) (UpdateResult, error) {
	return m.update(ctx, coll, filter, patch, -1)
}

func (m *MemoryStore) update(ctx context.Context, coll Collection, filter Filter, patch Patch, limit int) (UpdateResult, error) {
	schema, filter, err := m.prepare(ctx, coll, filter)
	if err != nil {
		return UpdateResult{}, err
	}
	patch, err = schema.normalizePatch(patch)
	if err != nil {
		return UpdateResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Build every new version first so a unique violation leaves nothing applied.
	var targets []*memRecord
	var updated []Document
	for _, rec := range m.records[schema.name] {
		if limit >= 0 && len(targets) == limit {
			break
		}
		if !matches(rec.doc, filter) {
			continue
		}
		next := rec.doc.clone()
		for k, v := range patch.Set {
			next[k] = v
		}
		for k, delta := range patch.Inc {
			next[k] = next.Int(k) + delta
		}
		targets = append(targets, rec)
		updated = append(updated, next)
	}

	var result UpdateResult
	for i, rec := range targets {
		if err := m.checkUnique(schema, updated[i], rec); err != nil {
			return UpdateResult{}, err
		}
	}
	for i, rec := range targets {
		result.Matched++
		if !sameDocument(rec.doc, updated[i]) {
			result.Modified++
		}
		rec.doc = updated[i]
	}
	return result, nil
}

// DeleteOne removes the first matching document.
func (m *MemoryStore) DeleteOne(ctx context.Context, coll Collection, filter Filter) (int64, error) {
	return m.delete(ctx, coll, filter, 1)
}

// DeleteMany removes every matching document.
func (m *MemoryStore) DeleteMany(ctx context.Context, coll Collection, filter Filter) (int64, error) {
	return m.delete(ctx, coll, filter, -1)
}

func (m *MemoryStore) delete(ctx context.Context, coll Collection, filter Filter, limit int) (int64, error) {
	schema, filter, err := m.prepare(ctx, coll, filter)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	kept := m.records[schema.name][:0]
	for _, rec := range m.records[schema.name] {
		if (limit < 0 || deleted < int64(limit)) && matches(rec.doc, filter) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.records[schema.name] = kept
	return deleted, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) prepare(ctx context.Context, coll Collection, filter Filter) (*collectionSchema, Filter, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	schema, err := schemaFor(coll)
	if err != nil {
		return nil, nil, err
	}
	filter, err = schema.normalizeFilter(filter)
	if err != nil {
		return nil, nil, err
	}
	return schema, filter, nil
}

// checkUnique must be called with the write lock held. self is skipped so a
// document never conflicts with its own previous version.
func (m *MemoryStore) checkUnique(schema *collectionSchema, doc Document, self *memRecord) error {
	for _, key := range schema.uniqueFields() {
		v, ok := doc[key]
		if !ok {
			continue
		}
		for _, rec := range m.records[schema.name] {
			if rec == self {
				continue
			}
			if other, ok := rec.doc[key]; ok && compareValues(other, v) == 0 {
				return fmt.Errorf("%w: %s.%s", ErrDuplicateKey, schema.name, key)
			}
		}
	}
	return nil
}

func sameDocument(a, b Document) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || compareValues(av, bv) != 0 {
			return false
		}
	}
	return true
}
