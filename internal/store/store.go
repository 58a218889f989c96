// Package store defines the pluggable transactional object store the
// Waitlist Scheduler uses for ticket durability, along with in-memory,
// SQLite, and Postgres backends.
//
// A Store is a bucketed key/value store with optimistic concurrency and a
// small secondary-index query facility (Find). Callers supply the indexed
// fields explicitly at write time (rather than the store introspecting
// opaque values), which keeps every backend — in-memory map, SQLite table,
// Postgres table — free to represent those fields as real, queryable
// columns.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by Put/Batch when expectedVersion does not
// match the record's current version (optimistic concurrency failure).
// Callers match it directly and retry; it is not converted to another
// error type.
var ErrVersionConflict = errors.New("store: version conflict")

// Bucket names used by the Waitlist Scheduler, per spec §6.
const (
	BucketWaitlistTickets = "cnapi_waitlist_tickets"
	BucketWaitlistQueues  = "cnapi_waitlist_queues"
)

// IndexSet carries the indexed-field values associated with a record. Valid
// value types are string, int64, float64, bool, and time.Time (an int is
// stored as int64). The SQLite and Postgres backends reject anything else
// when encoding index_json; Memory stores values as given.
type IndexSet map[string]any

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Condition is a single "field OP value" predicate over indexed fields.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction (AND) of Conditions. A nil/empty Filter matches
// everything.
type Filter []Condition

// FindOptions controls sorting and paging of a Find call.
type FindOptions struct {
	SortBy string // indexed field name; "" sorts ascending by key
	Desc   bool
	Limit  int // 0 means no limit: every match from Offset on
	Offset int
}

// Record is one stored value plus its indexed fields and version.
type Record struct {
	Key     string
	Value   []byte
	Index   IndexSet
	Version int64
}

// BatchOp is one operation within an atomic Batch call.
type BatchOp struct {
	Put             bool // true = put, false = delete
	Bucket          string
	Key             string
	Value           []byte
	Index           IndexSet
	ExpectedVersion int64 // only consulted when Put is true
}

// Store is the abstract transactional K/V the Waitlist Scheduler is built
// against (spec §4.1).
type Store interface {
	// Put writes value/index under (bucket, key). expectedVersion of 0
	// means "create, must not already exist"; any other value must match
	// the record's current version or ErrVersionConflict is returned. On
	// success the new version is returned.
	Put(ctx context.Context, bucket, key string, value []byte, index IndexSet, expectedVersion int64) (int64, error)

	// Get returns the current record, or ErrNotFound.
	Get(ctx context.Context, bucket, key string) (*Record, error)

	// Delete removes a key. Idempotent: deleting an absent key is not an
	// error.
	Delete(ctx context.Context, bucket, key string) error

	// Find returns records matching filter, sorted/paged per opts.
	Find(ctx context.Context, bucket string, filter Filter, opts FindOptions) ([]*Record, error)

	// Batch applies ops atomically: all succeed or none are visible. The
	// first ExpectedVersion mismatch aborts the whole batch with
	// ErrVersionConflict.
	Batch(ctx context.Context, ops []BatchOp) error

	// Close releases backend resources (connection pools, file handles).
	Close() error
}
