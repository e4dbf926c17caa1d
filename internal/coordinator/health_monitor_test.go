package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/logger"
)

func twoNodes() []cluster.NodeInfo {
	return []cluster.NodeInfo{
		{ID: "node-1", Addr: "http://localhost:8081"},
		{ID: "node-2", Addr: "http://localhost:8082"},
	}
}

// TestNewHealthMonitor verifies the defaults of a new monitor.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, nil)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.client)
	assert.NotNil(t, monitor.logger)
	assert.Len(t, monitor.nodes, 0)
}

// TestHealthMonitorStart verifies that checks run on every interval.
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, nil)
	defer monitor.Stop()

	var mu sync.Mutex
	checkCalls := 0
	monitor.SetCheckFunction(func(ctx context.Context, addr string) error {
		mu.Lock()
		checkCalls++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, twoNodes)

	// initial round plus two ticks, two nodes each
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return checkCalls >= 6
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))
	assert.Len(t, monitor.GetAllNodeHealth(), 2)
}

// TestHealthMonitorNodeFailure verifies a node is marked unhealthy after
// consecutive failures and the callback fires once.
func TestHealthMonitorNodeFailure(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, logger.NewLogfLogger(t))
	defer monitor.Stop()

	var mu sync.Mutex
	failing := false
	monitor.SetCheckFunction(func(ctx context.Context, addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if addr == "http://localhost:8081" && failing {
			return fmt.Errorf("node is down")
		}
		return nil
	})

	var unhealthyCalls []string
	monitor.SetOnUnhealthy(func(nodeID string) {
		mu.Lock()
		unhealthyCalls = append(unhealthyCalls, nodeID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, twoNodes)

	require.Eventually(t, func() bool { return monitor.IsHealthy("node-1") }, time.Second, 5*time.Millisecond)

	mu.Lock()
	failing = true
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(unhealthyCalls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))

	health := monitor.GetNodeHealth("node-1")
	require.NotNil(t, health)
	assert.Equal(t, NodeUnhealthy, health.Status)
	assert.GreaterOrEqual(t, health.ConsecutiveFails, 3)

	// Staying unhealthy does not fire the callback again.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"node-1"}, unhealthyCalls)
	mu.Unlock()

	// Recovery
	mu.Lock()
	failing = false
	mu.Unlock()
	require.Eventually(t, func() bool { return monitor.IsHealthy("node-1") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, monitor.GetNodeHealth("node-1").ConsecutiveFails)
}

// TestHealthMonitorNodeRemoval verifies that nodes no longer provided are
// forgotten.
func TestHealthMonitorNodeRemoval(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, nil)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(ctx context.Context, addr string) error { return nil })

	var mu sync.Mutex
	nodes := twoNodes()
	provider := func() []cluster.NodeInfo {
		mu.Lock()
		defer mu.Unlock()
		return append([]cluster.NodeInfo(nil), nodes...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	require.Eventually(t, func() bool { return monitor.GetNodeHealth("node-2") != nil }, time.Second, 5*time.Millisecond)

	mu.Lock()
	nodes = nodes[:1]
	mu.Unlock()

	require.Eventually(t, func() bool { return monitor.GetNodeHealth("node-2") == nil }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, monitor.GetNodeHealth("node-1"))
}

// TestHealthMonitorStop verifies no checks run after Stop returns.
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, nil)

	var mu sync.Mutex
	checkCount := 0
	monitor.SetCheckFunction(func(ctx context.Context, addr string) error {
		mu.Lock()
		defer mu.Unlock()
		checkCount++
		return nil
	})

	go monitor.Start(nil, twoNodes) // internal context
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return checkCount > 0
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
	mu.Lock()
	before := checkCount
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, before, checkCount)
	mu.Unlock()
}

// TestHealthMonitorDefaultCheck runs the HTTP check against real servers.
func TestHealthMonitorDefaultCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer broken.Close()

	monitor := NewHealthMonitor(time.Second, nil)
	defer monitor.Stop()

	assert.NoError(t, monitor.defaultHealthCheck(context.Background(), healthy.URL))
	assert.NoError(t, monitor.defaultHealthCheck(context.Background(), healthy.URL+"/"))
	assert.Error(t, monitor.defaultHealthCheck(context.Background(), broken.URL))
}

// TestHealthMonitorRemovesNodeFromPlacement wires the monitor to an
// AppRegistry the way the meta server does.
func TestHealthMonitorRemovesNodeFromPlacement(t *testing.T) {
	reg := NewAppRegistry()
	for _, n := range twoNodes() {
		require.NoError(t, reg.AddNode(n))
	}
	app, err := reg.CreateApp("temp", 2, 2)
	require.NoError(t, err)

	monitor := NewHealthMonitor(10*time.Millisecond, nil)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(ctx context.Context, addr string) error {
		if addr == "http://localhost:8082" {
			return fmt.Errorf("down")
		}
		return nil
	})
	monitor.SetOnUnhealthy(reg.RemoveNode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, reg.Nodes)

	require.Eventually(t, func() bool { return len(reg.Nodes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	for i := int32(0); i < app.PartitionCount; i++ {
		cfg, ok := reg.Partition(cluster.PartitionID{AppID: app.AppID, Index: i})
		require.True(t, ok)
		assert.Equal(t, "http://localhost:8081", cfg.Primary)
		assert.Empty(t, cfg.Secondaries)
	}
}
