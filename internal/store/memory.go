package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store backed by a map per bucket, grounded on the
// map+sync.RWMutex shape of a plain in-memory repository. It is the default
// driver for tests and for single-process development.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*Record
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string]*Record)}
}

func (m *Memory) bucket(name string) map[string]*Record {
	b, ok := m.buckets[name]
	if !ok {
		b = make(map[string]*Record)
		m.buckets[name] = b
	}
	return b
}

func (m *Memory) Put(ctx context.Context, bucket, key string, value []byte, index IndexSet, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(bucket, key, value, index, expectedVersion)
}

func (m *Memory) putLocked(bucket, key string, value []byte, index IndexSet, expectedVersion int64) (int64, error) {
	b := m.bucket(bucket)
	cur, exists := b[key]

	if expectedVersion == 0 {
		if exists {
			return 0, ErrVersionConflict
		}
	} else {
		if !exists || cur.Version != expectedVersion {
			return 0, ErrVersionConflict
		}
	}

	newVersion := expectedVersion + 1
	valCopy := make([]byte, len(value))
	copy(valCopy, value)
	b[key] = &Record{Key: key, Value: valCopy, Index: cloneIndex(index), Version: newVersion}
	return newVersion, nil
}

func (m *Memory) Get(ctx context.Context, bucket, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.bucket(bucket)[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.bucket(bucket), key)
	return nil
}

func (m *Memory) Find(ctx context.Context, bucket string, filter Filter, opts FindOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Record, 0, len(m.bucket(bucket)))
	for _, rec := range m.bucket(bucket) {
		if matches(rec.Index, filter) {
			matched = append(matched, cloneRecord(rec))
		}
	}

	sortRecords(matched, opts.SortBy, opts.Desc)
	return paginate(matched, opts), nil
}

func (m *Memory) Batch(ctx context.Context, ops []BatchOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate every op before mutating anything, so the batch is
	// all-or-nothing.
	for _, op := range ops {
		b := m.bucket(op.Bucket)
		cur, exists := b[op.Key]
		if op.Put {
			if op.ExpectedVersion == 0 {
				if exists {
					return ErrVersionConflict
				}
			} else if !exists || cur.Version != op.ExpectedVersion {
				return ErrVersionConflict
			}
		}
	}

	for _, op := range ops {
		if op.Put {
			if _, err := m.putLocked(op.Bucket, op.Key, op.Value, op.Index, op.ExpectedVersion); err != nil {
				return err
			}
		} else {
			delete(m.bucket(op.Bucket), op.Key)
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneIndex(idx IndexSet) IndexSet {
	if idx == nil {
		return nil
	}
	out := make(IndexSet, len(idx))
	for k, v := range idx {
		out[k] = v
	}
	return out
}

func cloneRecord(r *Record) *Record {
	valCopy := make([]byte, len(r.Value))
	copy(valCopy, r.Value)
	return &Record{Key: r.Key, Value: valCopy, Index: cloneIndex(r.Index), Version: r.Version}
}

func sortRecords(recs []*Record, sortBy string, desc bool) {
	if sortBy == "" {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		cmp := compareValues(recs[i].Index[sortBy], recs[j].Index[sortBy])
		if cmp != 0 {
			if desc {
				return cmp > 0
			}
			return cmp < 0
		}
		// Deterministic tie-break: lexicographic by key (ticket uuid),
		// regardless of sort direction, per spec's FIFO ordering rule.
		return recs[i].Key < recs[j].Key
	})
}

func paginate(recs []*Record, opts FindOptions) []*Record {
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(recs) {
		return []*Record{}
	}
	end := len(recs)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return recs[start:end]
}
