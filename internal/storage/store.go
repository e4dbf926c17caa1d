package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dreamware/bulkload/internal/errors"
)

// Store defines the interface of a hierarchical coordination store.
//
// Nodes are addressed by Path and each node holds an opaque value. A node
// can only be created once its parent exists, which mirrors the
// ZooKeeper-style stores the meta server has historically run on. Root
// always exists.
//
// Errors carry codes from internal/errors:
//   - errors.ErrNodeExists from Create when the node is already present
//   - errors.ErrNodeNotFound from Get, Set and Delete on a missing node, and
//     from Create when the parent is missing
//   - errors.ErrInvalidState from a non-recursive Delete of a node that
//     still has children
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Create adds a node with the given value.
	Create(ctx context.Context, p Path, value []byte) error

	// Get returns a copy of the value stored at p.
	Get(ctx context.Context, p Path) ([]byte, error)

	// Set replaces the value of an existing node.
	Set(ctx context.Context, p Path, value []byte) error

	// Delete removes a node. With recursive set, every descendant goes
	// with it in one step.
	Delete(ctx context.Context, p Path, recursive bool) error

	// Children returns the names of the direct children of p in
	// lexical order.
	Children(ctx context.Context, p Path) ([]string, error)
}

// MemoryStore implements Store with an in-process map.
//
// It is the store used by tests and by single-process deployments that do
// not need to survive a restart. Values are copied on the way in and on
// the way out so callers can never alias stored bytes.
type MemoryStore struct {
	mu   sync.RWMutex    // Protects concurrent access
	data map[Path][]byte // Node values keyed by cleaned path
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[Path][]byte),
	}
}

func (m *MemoryStore) exists(p Path) bool {
	if p.IsRoot() {
		return true
	}
	_, ok := m.data[p]
	return ok
}

func (m *MemoryStore) Create(ctx context.Context, p Path, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = NewPath(string(p))
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exists(p) {
		return errors.Newf(errors.ErrNodeExists, "node %s exists", p)
	}
	if !m.exists(p.Parent()) {
		return errors.Newf(errors.ErrNodeNotFound, "parent of %s not found", p)
	}
	m.data[p] = cloneBytes(value)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, p Path) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = NewPath(string(p))
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p.IsRoot() {
		return nil, nil
	}
	value, ok := m.data[p]
	if !ok {
		return nil, errors.Newf(errors.ErrNodeNotFound, "node %s not found", p)
	}
	return cloneBytes(value), nil
}

func (m *MemoryStore) Set(ctx context.Context, p Path, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = NewPath(string(p))
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[p]; !ok {
		return errors.Newf(errors.ErrNodeNotFound, "node %s not found", p)
	}
	m.data[p] = cloneBytes(value)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, p Path, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = NewPath(string(p))
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IsRoot() {
		return errors.New(errors.ErrInvalidParameters, "cannot delete root")
	}
	if _, ok := m.data[p]; !ok {
		return errors.Newf(errors.ErrNodeNotFound, "node %s not found", p)
	}
	var descendants []Path
	for k := range m.data {
		if p.IsAncestorOf(k) {
			descendants = append(descendants, k)
		}
	}
	if len(descendants) > 0 && !recursive {
		return errors.Newf(errors.ErrInvalidState, "node %s has %d descendants", p, len(descendants))
	}
	for _, k := range descendants {
		delete(m.data, k)
	}
	delete(m.data, p)
	return nil
}

func (m *MemoryStore) Children(ctx context.Context, p Path) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = NewPath(string(p))
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.exists(p) {
		return nil, errors.Newf(errors.ErrNodeNotFound, "node %s not found", p)
	}
	names := make([]string, 0)
	for k := range m.data {
		if k.Parent() == p && k != p {
			names = append(names, k.Base())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Len returns the number of nodes, Root excluded.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Dump returns every node below p with its value rendered as a string.
// It is meant for debugging and tests.
func (m *MemoryStore) Dump(p Path) map[string]string {
	p = NewPath(string(p))
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string)
	for k, v := range m.data {
		if k == p || p.IsAncestorOf(k) {
			out[k.String()] = string(v)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
