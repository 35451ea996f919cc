package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps documents in process memory. It supports streaming
// subscriptions and is what tests and single-node development run on.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Collection]map[string]Document

	watchMu  sync.Mutex
	watchers map[*memoryWatcher]struct{}

	now func() time.Time
}

type memoryWatcher struct {
	collection Collection
	signal     chan struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[Collection]map[string]Document),
		watchers: make(map[*memoryWatcher]struct{}),
		now:      time.Now,
	}
}

// Get returns a copy of the document.
func (m *MemoryStore) Get(ctx context.Context, c Collection, key string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.data[c][key]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

// Set writes a single document.
func (m *MemoryStore) Set(ctx context.Context, c Collection, key string, data json.RawMessage, mode WriteMode) error {
	return m.Batch(ctx, []Op{setOp(c, key, data, mode)})
}

// Query scans the collection.
func (m *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	docs := make([]Document, 0, len(m.data[q.Collection]))
	for _, d := range m.data[q.Collection] {
		docs = append(docs, cloneDocument(d))
	}
	m.mu.RUnlock()

	return selectDocuments(docs, q), nil
}

// Batch applies ops atomically under the write lock.
func (m *MemoryStore) Batch(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	m.mu.Lock()
	current := make(map[docID]Document)
	for _, id := range touchedIDs(ops) {
		if doc, ok := m.data[id.c][id.key]; ok {
			current[id] = doc
		}
	}
	changes, err := plan(ops, current, m.now().UTC())
	if err != nil {
		m.mu.Unlock()
		return err
	}

	touched := make(map[Collection]bool)
	for _, ch := range changes {
		touched[ch.id.c] = true
		if ch.deleted {
			delete(m.data[ch.id.c], ch.id.key)
			continue
		}
		coll, ok := m.data[ch.id.c]
		if !ok {
			coll = make(map[string]Document)
			m.data[ch.id.c] = coll
		}
		coll[ch.id.key] = cloneDocument(ch.doc)
	}
	m.mu.Unlock()

	m.notify(touched)
	return nil
}

// Subscribe streams changes to the watched documents.
func (m *MemoryStore) Subscribe(ctx context.Context, w Watch) (Subscription, error) {
	watcher := &memoryWatcher{collection: w.Collection, signal: make(chan struct{}, 1)}

	m.watchMu.Lock()
	m.watchers[watcher] = struct{}{}
	m.watchMu.Unlock()

	stop := func() {
		m.watchMu.Lock()
		delete(m.watchers, watcher)
		m.watchMu.Unlock()
	}
	return startFeed(ctx, evaluator(m, w), watcher.signal, stop), nil
}

func (m *MemoryStore) notify(touched map[Collection]bool) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	for w := range m.watchers {
		if !touched[w.collection] {
			continue
		}
		select {
		case w.signal <- struct{}{}:
		default:
			// A re-evaluation is already pending.
		}
	}
}

// Len reports the number of documents in a collection.
func (m *MemoryStore) Len(c Collection) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[c])
}
