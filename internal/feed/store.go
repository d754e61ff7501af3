package feed

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// Collection names and field keys used by the stored documents.
const (
	PostsCollection    = "posts"
	ProfilesCollection = "profiles"

	// CreatedAtField orders a query by the server-assigned creation timestamp.
	CreatedAtField = "timestamp"
)

// Fields is the raw field map of a stored document. Stores normalize values
// through JSON, so readers see string, float64, bool, []any and map[string]any.
type Fields map[string]any

// Record is one document as delivered by the document store.
type Record struct {
	ID     string
	Fields Fields

	// CreatedAt is the server-assigned creation timestamp. It is nil while the
	// write that created the document has not been committed by the server.
	CreatedAt *time.Time
}

// Snapshot is the complete, point-in-time result set of a watched query.
type Snapshot struct {
	Records []Record

	// Seq orders the read that produced the snapshot against mutation
	// writes. Stores set it with BeginRead before loading; the subscription
	// stamps snapshots that arrive without one.
	Seq uint64
}

var readSeq atomic.Uint64

// BeginRead returns the sequence number of a snapshot read starting now.
// Every write that completed before the call is visible to the read.
func BeginRead() uint64 { return readSeq.Add(1) }

// lastRead returns the sequence number of the most recently started read.
func lastRead() uint64 { return readSeq.Load() }

// Filter is an equality predicate on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents from one collection.
type Query struct {
	Collection string

	// DocID restricts the query to a single document when non-empty.
	DocID string

	Filters []Filter

	// OrderBy names the sort field. CreatedAtField (or "") sorts by server
	// timestamp; any other value sorts by that field's scalar value.
	OrderBy    string
	Descending bool
}

// PostsQuery returns the home feed query: every post, newest first.
func PostsQuery() Query {
	return Query{Collection: PostsCollection, OrderBy: CreatedAtField, Descending: true}
}

// AuthorPostsQuery returns the posts written by handle, newest first.
func AuthorPostsQuery(handle string) Query {
	q := PostsQuery()
	q.Filters = []Filter{{Field: "username", Value: handle}}
	return q
}

// TagPostsQuery returns the posts carrying tag, newest first.
func TagPostsQuery(tag string) Query {
	q := PostsQuery()
	q.Filters = []Filter{{Field: "tag", Value: tag}}
	return q
}

// ProfileQuery watches a single profile document.
func ProfileQuery(handle string) Query {
	return Query{Collection: ProfilesCollection, DocID: handle}
}

// OpKind identifies a field mutation.
type OpKind int

const (
	// OpSet replaces the field value.
	OpSet OpKind = iota
	// OpArrayUnion appends the value unless an equal element is present.
	OpArrayUnion
	// OpArrayRemove removes every element equal to the value.
	OpArrayRemove
	// OpArrayAppend appends the value unconditionally.
	OpArrayAppend
	// OpArrayRemoveFirst removes the first element equal to the value.
	OpArrayRemoveFirst
	// OpIncrement adds Delta to a numeric field, optionally clamped at Floor.
	OpIncrement
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpArrayUnion:
		return "array_union"
	case OpArrayRemove:
		return "array_remove"
	case OpArrayAppend:
		return "array_append"
	case OpArrayRemoveFirst:
		return "array_remove_first"
	case OpIncrement:
		return "increment"
	default:
		return "unknown"
	}
}

// FieldOp is a single field mutation applied atomically by DocumentStore.Update.
type FieldOp struct {
	Kind  OpKind
	Field string
	Value any
	Delta int64
	Floor *int64
}

func Set(field string, value any) FieldOp {
	return FieldOp{Kind: OpSet, Field: field, Value: value}
}

func ArrayUnion(field string, value any) FieldOp {
	return FieldOp{Kind: OpArrayUnion, Field: field, Value: value}
}

func ArrayRemove(field string, value any) FieldOp {
	return FieldOp{Kind: OpArrayRemove, Field: field, Value: value}
}

func ArrayAppend(field string, value any) FieldOp {
	return FieldOp{Kind: OpArrayAppend, Field: field, Value: value}
}

func ArrayRemoveFirst(field string, value any) FieldOp {
	return FieldOp{Kind: OpArrayRemoveFirst, Field: field, Value: value}
}

func Increment(field string, delta int64) FieldOp {
	return FieldOp{Kind: OpIncrement, Field: field, Delta: delta}
}

// IncrementFloor is Increment with the result clamped to be at least floor.
func IncrementFloor(field string, delta, floor int64) FieldOp {
	return FieldOp{Kind: OpIncrement, Field: field, Delta: delta, Floor: &floor}
}

// ChangeStream yields full snapshots of a watched query.
// The first call to Next returns the current state without waiting.
type ChangeStream interface {
	// Next blocks until the next snapshot is available. It returns ErrClosed
	// once the stream has been closed.
	Next(ctx context.Context) (Snapshot, error)

	// Close releases the stream. It is safe to call concurrently with Next
	// and more than once.
	Close() error
}

// DocumentStore is the realtime document database the feed is synchronized against.
type DocumentStore interface {
	// Watch opens a change stream over the query.
	Watch(ctx context.Context, q Query) (ChangeStream, error)

	// Get returns a single document, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Record, error)

	// Create inserts a new document. The store assigns its creation timestamp.
	Create(ctx context.Context, collection, id string, fields Fields) error

	// Set merges fields into a document, creating it if it does not exist.
	Set(ctx context.Context, collection, id string, fields Fields) error

	// Update applies ops atomically to an existing document, or returns ErrNotFound.
	Update(ctx context.Context, collection, id string, ops ...FieldOp) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Close releases the store and ends every open change stream.
	Close() error
}

// BlobStore holds uploaded media and hands out URLs for it.
type BlobStore interface {
	// DownloadURL returns a fetchable, possibly expiring URL for path,
	// or ErrNotFound if nothing was uploaded there.
	DownloadURL(ctx context.Context, path string) (string, error)

	// Upload stores size bytes read from r at path, replacing any existing blob.
	Upload(ctx context.Context, path string, r io.Reader, size int64) error

	// ValidateSetup verifies that the store is reachable and properly configured.
	ValidateSetup(ctx context.Context) error
}
