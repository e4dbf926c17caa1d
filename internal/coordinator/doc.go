// Package coordinator holds the meta server's view of the cluster: the app
// table, where each partition's replicas live, and the health of the
// replica nodes.
//
// # Overview
//
// The bulk load controller never talks to nodes directly by id. It asks the
// AppRegistry for an app, or for the current placement of a partition, and
// sends its request to whatever primary that placement names at that
// moment. Placement therefore changes under a running bulk load, and the
// controller is built to tolerate that.
//
//	┌─────────────────────────────────────┐
//	│             META SERVER             │
//	├─────────────────────────────────────┤
//	│  ┌───────────────────────────────┐  │
//	│  │  AppRegistry                  │  │
//	│  │  - app table (id, name, ...)  │  │
//	│  │  - partition -> replicas      │  │
//	│  │  - is_bulk_loading flag       │  │
//	│  └───────────────────────────────┘  │
//	│  ┌───────────────────────────────┐  │
//	│  │  HealthMonitor                │  │
//	│  │  - periodic /health probes    │  │
//	│  │  - drops failed nodes         │  │
//	│  └───────────────────────────────┘  │
//	└─────────────────────────────────────┘
//
// # Core Components
//
// AppRegistry: the app table and partition placement
//   - Apps are created with a partition count and a replica count
//   - Partitions are placed round-robin over registered nodes
//   - The ballot of a partition increases whenever its primary changes
//   - Dropped apps stay visible by id with status "dropped"
//
// HealthMonitor: replica node liveness
//   - Probes every node's /health endpoint on a fixed interval
//   - Marks a node unhealthy after 3 consecutive failures
//   - Invokes a callback once per transition to unhealthy
//
// # Failure Handling
//
// When a node is removed, each partition it led promotes its first
// secondary. A partition with no replica left has an empty primary; bulk
// load drivers treat that as a transient condition and retry on their next
// tick.
//
// # Thread Safety
//
// Both components guard their state with a sync.RWMutex and hand out
// copies, so callers may hold returned values across calls freely.
package coordinator
