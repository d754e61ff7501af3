package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gnar-go/internal/feed"
)

type memDoc struct {
	collection string
	data       []byte
	createdAt  *time.Time
}

// MemoryStore is an in-process feed.DocumentStore.
//
// Documents are kept JSON-encoded, so readers never share maps with the
// store. With HoldTimestamps enabled, Create leaves new documents without a
// creation timestamp until CommitTimestamps is called, the way a realtime
// database shows local writes before the server acknowledges them.
type MemoryStore struct {
	clock feed.Clock
	hub   *hub

	mu      sync.RWMutex
	docs    map[string]map[string]*memDoc
	hold    bool
	pending []*memDoc
	closed  bool
}

var _ feed.DocumentStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store stamping documents with clock.
func NewMemoryStore(clock feed.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock,
		hub:   newHub(),
		docs:  make(map[string]map[string]*memDoc),
	}
}

// HoldTimestamps controls whether Create defers timestamp assignment.
func (m *MemoryStore) HoldTimestamps(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// CommitTimestamps stamps every document created while timestamps were held.
func (m *MemoryStore) CommitTimestamps() {
	m.mu.Lock()
	now := m.clock.Now()
	touched := make(map[string]struct{})
	for _, d := range m.pending {
		ts := now
		d.createdAt = &ts
		touched[d.collection] = struct{}{}
	}
	m.pending = nil
	m.mu.Unlock()

	for coll := range touched {
		m.hub.notify(coll)
	}
}

func (m *MemoryStore) Watch(ctx context.Context, q feed.Query) (feed.ChangeStream, error) {
	cq, err := compile(q)
	if err != nil {
		return nil, err
	}
	return m.hub.open(q.Collection, func(ctx context.Context) (feed.Snapshot, error) {
		return m.query(cq)
	})
}

func (m *MemoryStore) query(cq compiledQuery) (feed.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return feed.Snapshot{}, feed.ErrClosed
	}

	docs := m.docs[cq.Collection]
	recs := make([]feed.Record, 0, len(docs))
	for id, d := range docs {
		if cq.DocID != "" && id != cq.DocID {
			continue
		}
		rec, err := d.record(id)
		if err != nil {
			return feed.Snapshot{}, err
		}
		recs = append(recs, rec)
	}
	return cq.result(recs), nil
}

func (d *memDoc) record(id string) (feed.Record, error) {
	fields := feed.Fields{}
	if err := json.Unmarshal(d.data, &fields); err != nil {
		return feed.Record{}, fmt.Errorf("decoding document %s: %w", id, err)
	}
	rec := feed.Record{ID: id, Fields: fields}
	if d.createdAt != nil {
		ts := *d.createdAt
		rec.CreatedAt = &ts
	}
	return rec, nil
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (*feed.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, feed.ErrClosed
	}

	d, ok := m.docs[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, feed.ErrNotFound)
	}
	rec, err := d.record(id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *MemoryStore) Create(ctx context.Context, collection, id string, fields feed.Fields) error {
	fields, err := normalize(fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return feed.ErrClosed
	}
	if _, exists := m.docs[collection][id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%s/%s already exists", collection, id)
	}
	d := &memDoc{collection: collection, data: data}
	if m.hold {
		m.pending = append(m.pending, d)
	} else {
		now := m.clock.Now()
		d.createdAt = &now
	}
	m.collection(collection)[id] = d
	m.mu.Unlock()

	m.hub.notify(collection)
	return nil
}

func (m *MemoryStore) Set(ctx context.Context, collection, id string, fields feed.Fields) error {
	return m.write(collection, id, true, func(cur feed.Fields) (feed.Fields, error) {
		return merge(cur, fields)
	})
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, ops ...feed.FieldOp) error {
	return m.write(collection, id, false, func(cur feed.Fields) (feed.Fields, error) {
		return applyOps(cur, ops)
	})
}

// write replaces a document with fn's result. upsert creates missing documents.
func (m *MemoryStore) write(collection, id string, upsert bool, fn func(feed.Fields) (feed.Fields, error)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return feed.ErrClosed
	}

	d, ok := m.docs[collection][id]
	cur := feed.Fields{}
	if ok {
		if err := json.Unmarshal(d.data, &cur); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("decoding document %s: %w", id, err)
		}
	} else if !upsert {
		m.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", collection, id, feed.ErrNotFound)
	}

	next, err := fn(cur)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encoding document: %w", err)
	}

	if ok {
		d.data = data
	} else {
		now := m.clock.Now()
		m.collection(collection)[id] = &memDoc{collection: collection, data: data, createdAt: &now}
	}
	m.mu.Unlock()

	m.hub.notify(collection)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return feed.ErrClosed
	}
	_, ok := m.docs[collection][id]
	delete(m.docs[collection], id)
	m.mu.Unlock()

	if ok {
		m.hub.notify(collection)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.close()
	return nil
}

func (m *MemoryStore) collection(name string) map[string]*memDoc {
	c, ok := m.docs[name]
	if !ok {
		c = make(map[string]*memDoc)
		m.docs[name] = c
	}
	return c
}
