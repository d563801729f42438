package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryNamespace struct {
	name    string
	entries map[Key]*Entry
}

// Memory is a thread-safe in-process Store. Entries live until their
// namespace is deleted.
type Memory struct {
	mu    sync.Mutex
	order []*memoryNamespace
	byKey map[string]*memoryNamespace
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byKey: make(map[string]*memoryNamespace),
	}
}

// Open creates namespace if it does not already exist.
func (m *Memory) Open(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openLocked(namespace)
	return nil
}

func (m *Memory) openLocked(namespace string) *memoryNamespace {
	if ns, ok := m.byKey[namespace]; ok {
		return ns
	}
	ns := &memoryNamespace{name: namespace, entries: make(map[Key]*Entry)}
	m.order = append(m.order, ns)
	m.byKey[namespace] = ns
	return ns
}

// Namespaces lists namespaces in creation order.
func (m *Memory) Namespaces(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.order))
	for _, ns := range m.order {
		names = append(names, ns.name)
	}
	return names, nil
}

// Retain drops every namespace other than keep while holding the lock, so
// no concurrent Open or Put observes a half-purged store.
func (m *Memory) Retain(_ context.Context, keep string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []string
	kept := m.order[:0]
	for _, ns := range m.order {
		if ns.name == keep {
			kept = append(kept, ns)
			continue
		}
		deleted = append(deleted, ns.name)
		delete(m.byKey, ns.name)
	}
	for i := len(kept); i < len(m.order); i++ {
		m.order[i] = nil
	}
	m.order = kept
	return deleted, nil
}

// Get returns the entry for key in namespace.
func (m *Memory) Get(_ context.Context, namespace string, key Key) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.byKey[namespace]
	if !ok {
		return nil, false, nil
	}
	e, ok := ns.entries[key]
	if !ok {
		return nil, false, nil
	}
	return cloneEntry(e), true, nil
}

// Put writes entries into namespace, replacing existing keys.
func (m *Memory) Put(_ context.Context, namespace string, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.byKey[namespace]
	if !ok {
		return ErrNamespaceNotFound
	}
	now := time.Now().UTC()
	for i := range entries {
		e := cloneEntry(&entries[i])
		if e.StoredAt.IsZero() {
			e.StoredAt = now
		}
		ns.entries[e.Key] = e
	}
	return nil
}

// Keys lists keys in namespace in lexical order.
func (m *Memory) Keys(_ context.Context, namespace string) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.byKey[namespace]
	if !ok {
		return nil, nil
	}
	keys := make([]Key, 0, len(ns.entries))
	for k := range ns.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

func cloneEntry(e *Entry) *Entry {
	c := *e
	c.Header = e.Header.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}
