package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
)

// NodeStatus is the health verdict for one replica node.
type NodeStatus string

const (
	NodeUnknown   NodeStatus = "unknown"
	NodeHealthy   NodeStatus = "healthy"
	NodeUnhealthy NodeStatus = "unhealthy"
)

// NodeHealth tracks the health of a single replica node.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time  // Timestamp of the last health check attempt
	LastHealthy      time.Time  // Timestamp of the last successful health check
	NodeID           string     // Unique identifier of the node
	Status           NodeStatus // Current verdict
	ConsecutiveFails int        // Number of consecutive failed health checks
}

// HealthMonitor periodically probes every registered replica node. A node
// that fails MaxFailures checks in a row is reported through the
// unhealthy callback, which the meta server uses to drop the node from
// partition placement. Bulk-load drivers then observe a changed (or
// missing) primary and keep resending until the placement settles.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                         // Current health status per node
	client      *cluster.Client                                // Client for the default check
	checkFunc   func(ctx context.Context, addr string) error   // Function to perform health check
	onUnhealthy func(nodeID string)                            // Callback when node becomes unhealthy
	logger      logger.Logger                                  // Destination for state changes
	ctx         context.Context                                // Context for cancellation
	cancel      context.CancelFunc                             // Cancel function for shutdown
	interval    time.Duration                                  // How often to check node health
	timeout     time.Duration                                  // Timeout of one check
	mu          sync.RWMutex                                   // Protects nodes map
	wg          sync.WaitGroup                                 // Wait group for graceful shutdown
	maxFailures int                                            // Failures before marking unhealthy
}

// NewHealthMonitor creates a health monitor that checks each node's
// /health endpoint every interval. Nodes are marked unhealthy after 3
// consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, log)
//	monitor.SetOnUnhealthy(func(id string) { registry.RemoveNode(id) })
//	go monitor.Start(ctx, registry.Nodes)
func NewHealthMonitor(interval time.Duration, l logger.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if l == nil {
		l = logger.NopLogger
	}

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		client:      cluster.NewClient(cluster.ClientOptions{Timeout: 2 * time.Second}),
		logger:      l,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked, in its own goroutine, when a
// node transitions to unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the default HTTP check. Used by tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start runs the monitoring loop in the current goroutine until ctx is
// canceled or Stop is called. nodeProvider is consulted on every round, so
// nodes that registered or left in between are picked up.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Infof("health monitor started with interval %v", h.interval)

	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Debugf("health monitor stopping: context canceled")
			return
		case <-h.ctx.Done():
			h.logger.Debugf("health monitor stopping: stopped")
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes checks every node and forgets nodes that are no longer
// provided.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Debugf("removed node %s from health monitoring", nodeID)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      NodeUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(cctx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warnf("health check failed for node %s (attempt %d/%d): %v",
			node.ID, health.ConsecutiveFails, h.maxFailures, err)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != NodeUnhealthy {
			health.Status = NodeUnhealthy
			h.logger.Warnf("node %s marked unhealthy after %d failures", node.ID, health.ConsecutiveFails)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	if health.Status == NodeUnhealthy {
		h.logger.Infof("node %s recovered", node.ID)
	}
	health.Status = NodeHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// defaultHealthCheck GETs <addr>/health. addr may be a full URL or
// host:port.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}
	return errors.Wrap(h.client.GetJSON(ctx, url, nil), "health check")
}

// GetNodeHealth returns a copy of a node's health, nil if not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	out := *health
	return &out
}

// GetAllNodeHealth returns copies of every monitored node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether a node's last verdict was healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == NodeHealthy
}
