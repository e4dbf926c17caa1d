package bulkload

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
)

// ProgressTracker keeps the last replica states reported for each partition
// and rolls them up. It is memory only; states are rebuilt from the next
// replies after a restart.
//
// A partition is only as far along as its slowest replica, so partition
// progress is the minimum over its replicas. App progress is the average of
// partition progress.
type ProgressTracker struct {
	mu     sync.RWMutex
	states map[cluster.PartitionID]map[string]cluster.ReplicaState
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		states: make(map[cluster.PartitionID]map[string]cluster.ReplicaState),
	}
}

// Update replaces the states of the given replicas of pid. Replicas absent
// from states keep their last known state.
func (t *ProgressTracker) Update(pid cluster.PartitionID, states map[string]cluster.ReplicaState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.states[pid]
	if !ok {
		m = make(map[string]cluster.ReplicaState, len(states))
		t.states[pid] = m
	}
	for addr, st := range states {
		if st.DownloadProgress < 0 {
			st.DownloadProgress = 0
		} else if st.DownloadProgress > 100 {
			st.DownloadProgress = 100
		}
		m[addr] = st
	}
}

// PartitionProgress returns the minimum download progress over the tracked
// replicas of pid, 0 when none are tracked.
func (t *ProgressTracker) PartitionProgress(pid cluster.PartitionID) int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitionProgressLocked(pid)
}

func (t *ProgressTracker) partitionProgressLocked(pid cluster.PartitionID) int32 {
	m := t.states[pid]
	if len(m) == 0 {
		return 0
	}
	min := int32(100)
	for _, st := range m {
		if st.DownloadProgress < min {
			min = st.DownloadProgress
		}
	}
	return min
}

// Complete reports whether every replica in replicas has reported 100%
// without a download error. Tracked replicas outside replicas are ignored.
// An empty replica set is never complete.
func (t *ProgressTracker) Complete(pid cluster.PartitionID, replicas []string) bool {
	if len(replicas) == 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.states[pid]
	for _, addr := range replicas {
		st, ok := m[addr]
		if !ok || st.DownloadProgress < 100 || st.DownloadErr != errors.OK {
			return false
		}
	}
	return true
}

// Retain forgets the tracked states of pid's replicas that are not in
// replicas, such as a secondary removed from the group.
func (t *ProgressTracker) Retain(pid cluster.PartitionID, replicas []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.states[pid]
	for addr := range m {
		if !slices.Contains(replicas, addr) {
			delete(m, addr)
		}
	}
}

// AppProgress averages partition progress over partitions [0, count).
// Untracked partitions count as 0.
func (t *ProgressTracker) AppProgress(appID, partitionCount int32) int32 {
	if partitionCount <= 0 {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for i := int32(0); i < partitionCount; i++ {
		total += int64(t.partitionProgressLocked(cluster.PartitionID{AppID: appID, Index: i}))
	}
	return int32(total / int64(partitionCount))
}

// Replicas returns a copy of the tracked replica states of pid.
func (t *ProgressTracker) Replicas(pid cluster.PartitionID) map[string]cluster.ReplicaState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.states[pid])
}

// Reset forgets pid, for example when a partition rolls back.
func (t *ProgressTracker) Reset(pid cluster.PartitionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, pid)
}

// RemoveApp forgets every partition of appID.
func (t *ProgressTracker) RemoveApp(appID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid := range t.states {
		if pid.AppID == appID {
			delete(t.states, pid)
		}
	}
}
