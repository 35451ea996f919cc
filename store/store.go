// Package store is the document store the coordinator is written against.
//
// Documents are JSON objects addressed by (collection, key) and carry a
// version that increases on every write. Batches are atomic and can be
// made conditional on versions or on a document's absence, which is how
// callers get compare-and-set semantics without any in-process lock.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when the document does not exist.
	ErrNotFound = errors.New("store: document not found")

	// ErrExists is returned when a create targets an existing document.
	ErrExists = errors.New("store: document already exists")

	// ErrVersionConflict is returned when a conditional write finds the
	// document at a different version than expected.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrUnavailable wraps timeouts and connectivity failures. Callers
	// should retry.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrSubscriptionUnavailable is returned by Subscribe when the backend
	// cannot push change notifications. Observe falls back to polling.
	ErrSubscriptionUnavailable = errors.New("store: subscriptions unavailable")
)

// Collection names a group of documents of one record kind.
type Collection string

// Document is a stored JSON object with its version.
type Document struct {
	Collection Collection      `json:"collection"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// WriteMode selects how Set treats an existing document.
type WriteMode int

const (
	// Overwrite replaces the whole document.
	Overwrite WriteMode = iota
	// Merge overlays the top-level fields of the new data.
	Merge
)

// OpKind is the kind of a batch operation.
type OpKind int

const (
	OpPut OpKind = iota
	OpMerge
	OpCreate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpMerge:
		return "merge"
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Op is one write inside a batch.
type Op struct {
	Kind       OpKind
	Collection Collection
	Key        string
	Data       json.RawMessage

	// MatchVersion, when positive, makes the op conditional on the
	// document currently being at exactly that version.
	MatchVersion int64
}

// Put returns an op that writes data unconditionally.
func Put(c Collection, key string, data json.RawMessage) Op {
	return Op{Kind: OpPut, Collection: c, Key: key, Data: data}
}

// MergeOp returns an op that overlays data onto the current document.
func MergeOp(c Collection, key string, data json.RawMessage) Op {
	return Op{Kind: OpMerge, Collection: c, Key: key, Data: data}
}

// Create returns an op that fails with ErrExists if the document exists.
func Create(c Collection, key string, data json.RawMessage) Op {
	return Op{Kind: OpCreate, Collection: c, Key: key, Data: data}
}

// Delete returns an op removing the document. Deleting a missing document
// is not an error.
func Delete(c Collection, key string) Op {
	return Op{Kind: OpDelete, Collection: c, Key: key}
}

// IfVersion makes the op conditional on the document's current version.
func (o Op) IfVersion(v int64) Op {
	o.MatchVersion = v
	return o
}

// BatchError reports which op of a batch was rejected.
type BatchError struct {
	Index int
	Op    Op
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("store: batch op %d (%s %s/%s): %v", e.Index, e.Op.Kind, e.Op.Collection, e.Op.Key, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Filter is an equality condition on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Eq builds a Filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Query selects documents of one collection.
type Query struct {
	Collection Collection
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Watch describes what a subscription observes: a single document when
// Key is set, otherwise the documents matching Filters.
type Watch struct {
	Collection Collection
	Key        string
	Filters    []Filter
	OrderBy    string
	Descending bool
}

func (w Watch) query() Query {
	return Query{Collection: w.Collection, Filters: w.Filters, OrderBy: w.OrderBy, Descending: w.Descending}
}

// Snapshot is the observed state at a point in time.
type Snapshot struct {
	Documents []Document
	At        time.Time
}

// Subscription delivers snapshots until closed or its context ends. The
// first snapshot is the current state; later ones are sent only when the
// observed documents change.
type Subscription interface {
	Updates() <-chan Snapshot
	Close() error
}

// Store is implemented by every backend. All methods must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, c Collection, key string) (Document, error)
	Set(ctx context.Context, c Collection, key string, data json.RawMessage, mode WriteMode) error
	Query(ctx context.Context, q Query) ([]Document, error)

	// Batch applies all ops or none.
	Batch(ctx context.Context, ops []Op) error

	// Subscribe streams changes. Backends without push support return
	// ErrSubscriptionUnavailable.
	Subscribe(ctx context.Context, w Watch) (Subscription, error)
}

func setOp(c Collection, key string, data json.RawMessage, mode WriteMode) Op {
	if mode == Merge {
		return MergeOp(c, key, data)
	}
	return Put(c, key, data)
}
