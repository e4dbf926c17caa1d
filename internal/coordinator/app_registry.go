package coordinator

import (
	"sort"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
)

// appEntry is one row of the app table together with the placement of its
// partitions, indexed by partition index.
type appEntry struct {
	info       cluster.AppInfo
	partitions []cluster.PartitionConfig
}

// AppRegistry is the meta server's app table. It records every app, where
// each of its partitions is placed and whether the app is currently bulk
// loading.
//
// Placement is deliberately simple: partitions are spread round-robin over
// the registered nodes, the first node of a partition is its primary and
// the next ReplicaCount-1 nodes are secondaries. Whenever the primary of a
// partition changes, its ballot is incremented.
//
// Thread-safety: all methods are safe for concurrent use. Getters return
// copies so callers never observe later mutation.
type AppRegistry struct {
	apps   map[int32]*appEntry // appID -> entry, dropped apps included
	byName map[string]int32    // name -> appID, available apps only
	nodes  []cluster.NodeInfo  // registration order

	mu sync.RWMutex // Protects all fields

	nextAppID int32
}

func NewAppRegistry() *AppRegistry {
	return &AppRegistry{
		apps:      make(map[int32]*appEntry),
		byName:    make(map[string]int32),
		nextAppID: 1,
	}
}

// CreateApp adds an available app and places its partitions on the
// current nodes. App ids are assigned sequentially from 1.
func (r *AppRegistry) CreateApp(name string, partitionCount, replicaCount int32) (cluster.AppInfo, error) {
	if name == "" {
		return cluster.AppInfo{}, errors.New(errors.ErrInvalidParameters, "app name cannot be empty")
	}
	if partitionCount <= 0 {
		return cluster.AppInfo{}, errors.Newf(errors.ErrInvalidParameters, "invalid partition count %d", partitionCount)
	}
	if replicaCount <= 0 {
		replicaCount = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return cluster.AppInfo{}, errors.Newf(errors.ErrInvalidParameters, "app %s already exists", name)
	}
	id := r.nextAppID
	r.nextAppID++

	e := &appEntry{
		info: cluster.AppInfo{
			AppID:          id,
			AppName:        name,
			PartitionCount: partitionCount,
			ReplicaCount:   replicaCount,
			Status:         cluster.AppAvailable,
		},
		partitions: make([]cluster.PartitionConfig, partitionCount),
	}
	for i := range e.partitions {
		e.partitions[i].Pid = cluster.PartitionID{AppID: id, Index: int32(i)}
	}
	r.placeLocked(e)
	r.apps[id] = e
	r.byName[name] = id
	return e.info, nil
}

// DropApp marks an app dropped. The entry is kept so that lookups by id
// report the app as unavailable rather than unknown.
func (r *AppRegistry) DropApp(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return errors.Newf(errors.ErrObjectNotFound, "app %s not found", name)
	}
	delete(r.byName, name)
	e := r.apps[id]
	e.info.Status = cluster.AppDropped
	e.info.IsBulkLoading = false
	return nil
}

// App returns the app with the given id, dropped apps included.
func (r *AppRegistry) App(appID int32) (cluster.AppInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apps[appID]
	if !ok {
		return cluster.AppInfo{}, false
	}
	return e.info, true
}

// AppByName returns the available app with the given name.
func (r *AppRegistry) AppByName(name string) (cluster.AppInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return cluster.AppInfo{}, false
	}
	return r.apps[id].info, true
}

// Apps lists every app ordered by id.
func (r *AppRegistry) Apps() []cluster.AppInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.AppInfo, 0, len(r.apps))
	for _, e := range r.apps {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}

// Partition returns the current placement of a partition.
func (r *AppRegistry) Partition(pid cluster.PartitionID) (cluster.PartitionConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apps[pid.AppID]
	if !ok || pid.Index < 0 || int(pid.Index) >= len(e.partitions) {
		return cluster.PartitionConfig{}, false
	}
	return copyConfig(e.partitions[pid.Index]), true
}

// SetBulkLoading sets the "is bulk loading" flag of an app.
func (r *AppRegistry) SetBulkLoading(appID int32, loading bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.apps[appID]
	if !ok {
		return errors.Newf(errors.ErrObjectNotFound, "app %d not found", appID)
	}
	if loading && e.info.Status != cluster.AppAvailable {
		return errors.Newf(errors.ErrAppNotAvailable, "app %d is %s", appID, e.info.Status)
	}
	e.info.IsBulkLoading = loading
	return nil
}

// AddNode registers a node, or updates its address if already known. New
// nodes only receive partitions on the next Rebalance.
func (r *AppRegistry) AddNode(node cluster.NodeInfo) error {
	if node.ID == "" || node.Addr == "" {
		return errors.New(errors.ErrInvalidParameters, "node id and addr are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(r.nodes, func(n cluster.NodeInfo) bool { return n.ID == node.ID })
	if i >= 0 {
		r.nodes[i] = node
		return nil
	}
	r.nodes = append(r.nodes, node)
	return nil
}

// RemoveNode forgets a node and strips it from every placement. When the
// node was a primary, the first remaining secondary is promoted; a
// partition left without replicas has no primary until the next Rebalance.
func (r *AppRegistry) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if i < 0 {
		return
	}
	addr := r.nodes[i].Addr
	r.nodes = slices.Delete(r.nodes, i, i+1)

	for _, e := range r.apps {
		for pi := range e.partitions {
			p := &e.partitions[pi]
			p.Secondaries = slices.DeleteFunc(p.Secondaries, func(s string) bool { return s == addr })
			if p.Primary != addr {
				continue
			}
			p.Primary = ""
			if len(p.Secondaries) > 0 {
				p.Primary = p.Secondaries[0]
				p.Secondaries = p.Secondaries[1:]
			}
			p.Ballot++
		}
	}
}

func (r *AppRegistry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.nodes)
}

// Rebalance re-places every partition of every available app on the
// current node set.
func (r *AppRegistry) Rebalance() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nodes) == 0 {
		return errors.New(errors.ErrInvalidState, "cannot rebalance with no nodes")
	}
	for _, e := range r.apps {
		if e.info.Status == cluster.AppAvailable {
			r.placeLocked(e)
		}
	}
	return nil
}

// placeLocked assigns replicas round-robin. Partition i starts at node
// (appID+i) mod n so different apps do not all lead on the same node.
func (r *AppRegistry) placeLocked(e *appEntry) {
	n := len(r.nodes)
	for i := range e.partitions {
		p := &e.partitions[i]
		if n == 0 {
			if p.Primary != "" {
				p.Ballot++
			}
			p.Primary, p.Secondaries = "", nil
			continue
		}
		start := (int(e.info.AppID) + i) % n
		replicas := int(e.info.ReplicaCount)
		if replicas > n {
			replicas = n
		}
		primary := r.nodes[start].Addr
		secondaries := make([]string, 0, replicas-1)
		for k := 1; k < replicas; k++ {
			secondaries = append(secondaries, r.nodes[(start+k)%n].Addr)
		}
		if p.Primary != primary {
			p.Ballot++
		}
		p.Primary = primary
		p.Secondaries = secondaries
	}
}

func copyConfig(c cluster.PartitionConfig) cluster.PartitionConfig {
	c.Secondaries = slices.Clone(c.Secondaries)
	return c
}
