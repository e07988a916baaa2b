package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
)

// Operation names accepted by MemoryStore.FailNext.
const (
	OpSet    = "set"
	OpMerge  = "merge"
	OpDelete = "delete"
	OpCommit = "commit"
	OpWatch  = "watch"
)

type memoryCollection struct {
	order []string
	docs  map[string]Document
}

type memoryWatch struct {
	id         uint64
	collection shared.Collection
	onSnapshot SnapshotHandler
	onError    ErrorHandler
}

// MemoryStore is an in-process Store. Snapshots are delivered
// synchronously on the writing goroutine, one per successful Set, Delete
// or Commit and per affected collection.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[shared.Collection]*memoryCollection
	watches     map[uint64]*memoryWatch
	nextID      uint64
	failures    map[string][]error
	commits     int
	closed      bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[shared.Collection]*memoryCollection),
		watches:     make(map[uint64]*memoryWatch),
		failures:    make(map[string][]error),
	}
}

// Name implements Store.
func (m *MemoryStore) Name() string { return "memory" }

// FailNext queues err to be returned by the next call of op.
func (m *MemoryStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Commits returns the number of successful Commit calls.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Docs returns the ordered documents of collection.
func (m *MemoryStore) Docs(collection shared.Collection) []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collections[collection]
	if c == nil {
		return []Document{}
	}
	out := make([]Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.docs[id])
	}
	return out
}

// Break terminates every subscription on collection with err.
func (m *MemoryStore) Break(collection shared.Collection, err error) {
	m.mu.Lock()
	var broken []*memoryWatch
	for id, w := range m.watches {
		if w.collection == collection {
			broken = append(broken, w)
			delete(m.watches, id)
		}
	}
	m.mu.Unlock()

	for _, w := range broken {
		if w.onError != nil {
			w.onError(err)
		}
	}
}

// Watch implements Store.
func (m *MemoryStore) Watch(_ context.Context, collection shared.Collection, onSnapshot SnapshotHandler, onError ErrorHandler) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if err := m.takeFailure(OpWatch); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.nextID++
	w := &memoryWatch{id: m.nextID, collection: collection, onSnapshot: onSnapshot, onError: onError}
	m.watches[w.id] = w
	snapshot := m.snapshotLocked(collection)
	m.mu.Unlock()

	onSnapshot(snapshot)
	return &memorySubscription{store: m, id: w.id}, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, collection shared.Collection, id string, doc Document, mode WriteMode) error {
	op := OpSet
	if mode == Merge {
		op = OpMerge
	}

	m.mu.Lock()
	if err := m.precheck(op); err != nil {
		m.mu.Unlock()
		return err
	}
	m.applyLocked(Write{Collection: collection, ID: id, Doc: doc, Mode: mode})
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, collection shared.Collection, id string) error {
	m.mu.Lock()
	if err := m.precheck(OpDelete); err != nil {
		m.mu.Unlock()
		return err
	}
	m.applyLocked(Write{Collection: collection, ID: id, Delete: true})
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

// Commit implements Store.
func (m *MemoryStore) Commit(_ context.Context, writes []Write) error {
	if len(writes) > MaxBatchWrites {
		return ErrBatchTooLarge
	}

	m.mu.Lock()
	if err := m.precheck(OpCommit); err != nil {
		m.mu.Unlock()
		return err
	}
	var touched []shared.Collection
	seen := make(map[shared.Collection]bool)
	for _, w := range writes {
		m.applyLocked(w)
		if !seen[w.Collection] {
			seen[w.Collection] = true
			touched = append(touched, w.Collection)
		}
	}
	m.commits++
	m.mu.Unlock()

	for _, c := range touched {
		m.notify(c)
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.watches = make(map[uint64]*memoryWatch)
	return nil
}

func (m *MemoryStore) precheck(op string) error {
	if m.closed {
		return ErrClosed
	}
	return m.takeFailure(op)
}

func (m *MemoryStore) takeFailure(op string) error {
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}

func (m *MemoryStore) applyLocked(w Write) {
	c := m.collections[w.Collection]
	if c == nil {
		c = &memoryCollection{docs: make(map[string]Document)}
		m.collections[w.Collection] = c
	}

	if w.Delete {
		if _, ok := c.docs[w.ID]; !ok {
			return
		}
		delete(c.docs, w.ID)
		for i, id := range c.order {
			if id == w.ID {
				c.order = append(c.order[:i:i], c.order[i+1:]...)
				break
			}
		}
		return
	}

	existing, ok := c.docs[w.ID]
	next := cloneDocument(w.Doc)
	if ok && w.Mode == Merge {
		merged := cloneDocument(existing)
		for k, v := range next {
			merged[k] = v
		}
		next = merged
	}
	next["id"] = w.ID
	if !ok {
		c.order = append(c.order, w.ID)
	}
	c.docs[w.ID] = next
}

func (m *MemoryStore) snapshotLocked(collection shared.Collection) []json.RawMessage {
	c := m.collections[collection]
	if c == nil {
		return []json.RawMessage{}
	}
	out := make([]json.RawMessage, 0, len(c.order))
	for _, id := range c.order {
		raw, err := json.Marshal(c.docs[id])
		if err != nil {
			raw = []byte(fmt.Sprintf(`{"id":%q}`, id))
		}
		out = append(out, raw)
	}
	return out
}

func (m *MemoryStore) notify(collection shared.Collection) {
	m.mu.Lock()
	var targets []*memoryWatch
	for _, w := range m.watches {
		if w.collection == collection {
			targets = append(targets, w)
		}
	}
	snapshot := m.snapshotLocked(collection)
	m.mu.Unlock()

	for _, w := range targets {
		w.onSnapshot(snapshot)
	}
}

func cloneDocument(doc Document) Document {
	out := make(Document, len(doc)+1)
	if doc == nil {
		return out
	}
	data, err := json.Marshal(doc)
	if err != nil {
		for k, v := range doc {
			out[k] = v
		}
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

type memorySubscription struct {
	store *MemoryStore
	id    uint64
	once  sync.Once
}

func (s *memorySubscription) Cancel() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.watches, s.id)
		s.store.mu.Unlock()
	})
}
