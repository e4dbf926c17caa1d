// Package storage provides the coordination store the meta server persists
// its workflow state in, and the leader election that decides which meta
// server is active.
//
// # Overview
//
// The coordination store is a small hierarchical key/value tree:
//
//	/
//	└── <cluster_root>
//	    └── bulk_load
//	        ├── 3            app record (JSON)
//	        │   ├── 0        partition record (JSON)
//	        │   ├── 1
//	        │   └── ...
//	        └── 7
//	            └── ...
//
// Every node holds an opaque value and may have children. A node can only
// be created under an existing parent, and deletion is either of a leaf or
// of a whole subtree.
//
// # Implementations
//
// MemoryStore keeps the tree in a map guarded by a sync.RWMutex. It is used
// in tests and by single-process deployments.
//
// EtcdStore maps the tree onto etcd keys under a configurable prefix. Each
// write is a single etcd transaction, so "create if parent exists and node
// is missing" and "delete node and descendants" are atomic.
//
// # Leader Election
//
// Elector abstracts how a meta server becomes the single active leader.
// EtcdElector campaigns through the etcd concurrency package; leadership is
// tied to a lease, and Done is closed when the lease is lost. StaticElector
// always wins and is used when only one meta server runs.
//
// # Error Handling
//
// Errors are coded with internal/errors so callers can branch on
// ErrNodeExists and ErrNodeNotFound without string matching.
package storage
