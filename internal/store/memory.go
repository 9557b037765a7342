package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-node runs.
// It honours the replicated-store contract (field-merge puts, nil
// tombstones, replay-then-live child subscriptions) without crossing a
// network.
type MemoryStore struct {
	mu          sync.RWMutex
	nodes       map[string]Value
	subscribers map[string]map[int64]*childSubscriber
	nextID      int64
}

type childSubscriber struct {
	id int64
	fn ChildFunc
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]Value),
		subscribers: make(map[string]map[int64]*childSubscriber),
	}
}

// Put merges value into the node at path, or tombstones it when value is nil.
// Subscribers on the parent path are notified synchronously.
func (m *MemoryStore) Put(ctx context.Context, path string, value Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = Join(path)
	if path == "" {
		return ErrInvalidPath
	}

	parent, key := splitParent(path)

	m.mu.Lock()
	var notify Value
	if value == nil {
		delete(m.nodes, path)
	} else {
		existing := m.nodes[path]
		if existing == nil {
			existing = make(Value, len(value))
		}
		for field, fieldValue := range value {
			existing[field] = fieldValue
		}
		m.nodes[path] = existing
		notify = existing.Clone()
	}
	listeners := m.listenersLocked(parent)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener.fn(key, notify)
	}
	return nil
}

// Once returns a copy of the node at path, or (nil, nil) when absent.
func (m *MemoryStore) Once(ctx context.Context, path string) (Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[Join(path)]
	if !ok {
		return nil, nil
	}
	return node.Clone(), nil
}

// Children returns copies of every direct child node under path.
func (m *MemoryStore) Children(ctx context.Context, path string) (map[string]Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := Join(path) + "/"

	m.mu.RLock()
	defer m.mu.RUnlock()
	children := make(map[string]Value)
	for nodePath, node := range m.nodes {
		if !strings.HasPrefix(nodePath, prefix) {
			continue
		}
		rest := nodePath[len(prefix):]
		if strings.Contains(rest, "/") {
			continue
		}
		children[rest] = node.Clone()
	}
	return children, nil
}

// Subscribe replays current children in key order, then delivers every
// subsequent child write until the returned cancel runs.
func (m *MemoryStore) Subscribe(path string, fn ChildFunc) CancelFunc {
	path = Join(path)
	subscriber := &childSubscriber{fn: fn}

	m.mu.Lock()
	m.nextID++
	subscriber.id = m.nextID
	if _, ok := m.subscribers[path]; !ok {
		m.subscribers[path] = make(map[int64]*childSubscriber)
	}
	m.subscribers[path][subscriber.id] = subscriber

	prefix := path + "/"
	keys := make([]string, 0)
	replay := make(map[string]Value)
	for nodePath, node := range m.nodes {
		if !strings.HasPrefix(nodePath, prefix) {
			continue
		}
		rest := nodePath[len(prefix):]
		if strings.Contains(rest, "/") {
			continue
		}
		keys = append(keys, rest)
		replay[rest] = node.Clone()
	}
	m.mu.Unlock()

	sort.Strings(keys)
	for _, key := range keys {
		fn(key, replay[key])
	}

	return func() {
		m.mu.Lock()
		listeners := m.subscribers[path]
		if listeners != nil {
			delete(listeners, subscriber.id)
			if len(listeners) == 0 {
				delete(m.subscribers, path)
			}
		}
		m.mu.Unlock()
	}
}

func (m *MemoryStore) listenersLocked(path string) []*childSubscriber {
	listeners := m.subscribers[path]
	if len(listeners) == 0 {
		return nil
	}
	copies := make([]*childSubscriber, 0, len(listeners))
	for _, listener := range listeners {
		copies = append(copies, listener)
	}
	return copies
}

func splitParent(path string) (parent, key string) {
	index := strings.LastIndex(path, "/")
	if index < 0 {
		return "", path
	}
	return path[:index], path[index+1:]
}
