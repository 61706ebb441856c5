// ABOUTME: Document store contract shared by the SQLite, MongoDB and in-memory backends
// ABOUTME: Defines filters, patches, find options and the sentinel errors callers check

package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when FindOne matches no document.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateKey is returned when an insert or update violates a unique key.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnavailable wraps infrastructure failures from the backing database.
	ErrUnavailable = errors.New("document store unavailable")
	// ErrInvalidQuery is returned for unknown collections, unknown fields or mistyped values.
	ErrInvalidQuery = errors.New("invalid document query")
	// ErrTransactionsUnsupported is returned by WithTransaction when the backend cannot run one.
	ErrTransactionsUnsupported = errors.New("transactions not supported")
)

// Collection names a logical set of documents.
type Collection string

const (
	Users    Collection = "users"
	Sessions Collection = "sessions"
	Messages Collection = "messages"
)

// Document is a flat record. Values are normalized to string, int64, bool or time.Time.
type Document map[string]any

// String returns the string field or "" when absent.
func (d Document) String(key string) string {
	v, _ := d[key].(string)
	return v
}

// Int returns the integer field or 0 when absent.
func (d Document) Int(key string) int64 {
	v, _ := d[key].(int64)
	return v
}

// Bool returns the boolean field or false when absent.
func (d Document) Bool(key string) bool {
	v, _ := d[key].(bool)
	return v
}

// Time returns the timestamp field or the zero time when absent.
func (d Document) Time(key string) time.Time {
	v, _ := d[key].(time.Time)
	return v
}

func (d Document) clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Filter matches documents whose fields equal every given value.
type Filter map[string]any

// Patch is applied atomically to each matched document.
type Patch struct {
	Set map[string]any
	Inc map[string]int64
}

func (p Patch) empty() bool {
	return len(p.Set) == 0 && len(p.Inc) == 0
}

// SortField orders results by one field.
type SortField struct {
	Field string
	Desc  bool
}

// FindOptions controls ordering and size of FindMany results.
// Documents that compare equal on every sort field keep insertion order,
// or reverse insertion order when NewestFirst is set.
type FindOptions struct {
	Sort        []SortField
	Limit       int
	NewestFirst bool
}

// UpdateResult reports how many documents an update touched.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// Store is the narrow document API the session services are written against.
type Store interface {
	FindOne(ctx context.Context, coll Collection, filter Filter) (Document, error)
	FindMany(ctx context.Context, coll Collection, filter Filter, opts FindOptions) ([]Document, error)
	InsertOne(ctx context.Context, coll Collection, doc Document) error
	UpdateOne(ctx context.Context, coll Collection, filter Filter, patch Patch) (UpdateResult, error)
	UpdateMany(ctx context.Context, coll Collection, filter Filter, patch Patch) (UpdateResult, error)
	DeleteOne(ctx context.Context, coll Collection, filter Filter) (int64, error)
	DeleteMany(ctx context.Context, coll Collection, filter Filter) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Transactor is implemented by backends that can run several operations atomically.
// The Store handed to fn must be used for every operation inside the transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
