// Package integration runs bulk loads end to end: a bulk load controller
// drives real replica executors over HTTP, reading files from a local
// file provider.
package integration

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bulkload/internal/bulkload"
	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/coordinator"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
	"github.com/dreamware/bulkload/internal/provider"
	"github.com/dreamware/bulkload/internal/replica"
	"github.com/dreamware/bulkload/internal/storage"
)

const clusterName = "onebox"

type replicaNode struct {
	addr string
	data string
	exec *replica.Executor
}

type testCluster struct {
	t        *testing.T
	root     string
	registry *coordinator.AppRegistry
	ctl      *bulkload.Controller
	nodes    []*replicaNode
}

// startNode serves an executor's RPCs on a fresh port.
func startNode(t *testing.T, providers *provider.Registry) *replicaNode {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n := &replicaNode{addr: "http://" + ln.Addr().String(), data: t.TempDir()}
	n.exec = replica.NewExecutor(replica.Options{
		Addr:      n.addr,
		DataDir:   n.data,
		Providers: providers,
		Logger:    logger.NewLogfLogger(t).WithPrefix(n.addr + " "),
	})

	r := mux.NewRouter()
	r.HandleFunc(cluster.PathBulkLoadRequest, func(w http.ResponseWriter, r *http.Request) {
		var req cluster.BulkLoadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(n.exec.HandleBulkLoad(r.Context(), &req))
	}).Methods(http.MethodPost)
	r.HandleFunc(cluster.PathIngestion, func(w http.ResponseWriter, r *http.Request) {
		var req cluster.IngestionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(n.exec.HandleIngestion(r.Context(), &req))
	}).Methods(http.MethodPost)

	srv := httptest.NewUnstartedServer(r)
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(func() {
		srv.Close()
		n.exec.Close()
	})
	return n
}

func newTestCluster(t *testing.T, nodes int) *testCluster {
	tc := &testCluster{t: t, root: t.TempDir(), registry: coordinator.NewAppRegistry()}
	providers := provider.NewRegistry()
	providers.Register(provider.TypeLocal, provider.NewLocal(provider.LocalConfig{}))

	for i := 0; i < nodes; i++ {
		n := startNode(t, providers)
		tc.nodes = append(tc.nodes, n)
		require.NoError(t, tc.registry.AddNode(cluster.NodeInfo{ID: fmt.Sprintf("node-%d", i), Addr: n.addr}))
	}

	cfg := bulkload.NewConfig()
	cfg.ProviderRoot = tc.root
	cfg.RequestInterval = bulkload.Duration(10 * time.Millisecond)
	cfg.Retry.Interval = bulkload.Duration(10 * time.Millisecond)
	cfg.StoreRetryInterval = bulkload.Duration(10 * time.Millisecond)

	ctl, err := bulkload.NewController(bulkload.Options{
		Config:    cfg,
		Store:     storage.NewMemoryStore(),
		Apps:      tc.registry,
		Providers: providers,
		Client:    cluster.NewHTTPReplicaClient(cluster.NewClient(cluster.ClientOptions{Timeout: 2 * time.Second})),
		Logger:    logger.NewLogfLogger(t).WithPrefix("[bulkload] "),
	})
	require.NoError(t, err)
	require.NoError(t, ctl.OnLeadershipAcquired(context.Background()))
	t.Cleanup(ctl.Close)
	tc.ctl = ctl
	return tc
}

// prepare writes bulk_load_info and per-partition files for app. Each
// partition gets files named "<pidx>-<n>.sst"; partitions listed in
// corrupt carry a wrong checksum for their first file.
func (tc *testCluster) prepare(app cluster.AppInfo, filesPerPartition int, corrupt ...int32) {
	t := tc.t
	info, err := json.Marshal(cluster.BulkLoadInfo{AppID: app.AppID, AppName: app.AppName, PartitionCount: app.PartitionCount})
	require.NoError(t, err)
	infoPath := filepath.FromSlash(provider.InfoPath(tc.root, clusterName, app.AppName))
	require.NoError(t, os.MkdirAll(filepath.Dir(infoPath), 0o755))
	require.NoError(t, os.WriteFile(infoPath, info, 0o644))

	bad := make(map[int32]bool)
	for _, p := range corrupt {
		bad[p] = true
	}
	for pidx := int32(0); pidx < app.PartitionCount; pidx++ {
		dir := filepath.FromSlash(provider.PartitionDir(tc.root, clusterName, app.AppName, pidx))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		var md cluster.Metadata
		for i := 0; i < filesPerPartition; i++ {
			name := fmt.Sprintf("%d-%d.sst", pidx, i)
			content := fmt.Sprintf("partition %d file %d", pidx, i)
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
			sum := md5.Sum([]byte(content))
			if bad[pidx] && i == 0 {
				sum = md5.Sum([]byte("something else"))
			}
			md.Files = append(md.Files, cluster.FileMeta{Name: name, Size: int64(len(content)), MD5: hex.EncodeToString(sum[:])})
			md.FileTotalSize += int64(len(content))
		}
		data, err := json.Marshal(md)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.FromSlash(provider.MetadataPath(tc.root, clusterName, app.AppName, pidx)), data, 0o644))
	}
}

func (tc *testCluster) start(app cluster.AppInfo) {
	require.NoError(tc.t, tc.ctl.StartBulkLoad(context.Background(), cluster.StartBulkLoadRequest{
		AppName:          app.AppName,
		ClusterName:      clusterName,
		FileProviderType: provider.TypeLocal,
	}))
}

// waitFinished waits until the app's bulk load ended with status and its
// records were removed.
func (tc *testCluster) waitFinished(app cluster.AppInfo, status cluster.BulkLoadStatus, before float64) {
	counter := bulkload.CounterAppsFinished.WithLabelValues(status.String())
	require.Eventually(tc.t, func() bool {
		return testutil.ToFloat64(counter) >= before+1
	}, 20*time.Second, 10*time.Millisecond)
	info, ok := tc.registry.App(app.AppID)
	require.True(tc.t, ok)
	assert.False(tc.t, info.IsBulkLoading)
	_, ok = tc.ctl.AppStatus(app.AppID)
	assert.False(tc.t, ok)
}

func (tc *testCluster) node(addr string) *replicaNode {
	for _, n := range tc.nodes {
		if n.addr == addr {
			return n
		}
	}
	tc.t.Fatalf("no node at %s", addr)
	return nil
}

func TestBulkLoad_Succeeds(t *testing.T) {
	tc := newTestCluster(t, 3)
	app, err := tc.registry.CreateApp("users", 4, 3)
	require.NoError(t, err)
	tc.prepare(app, 2)

	before := testutil.ToFloat64(bulkload.CounterAppsFinished.WithLabelValues(cluster.StatusSucceed.String()))
	tc.start(app)

	// A second start is refused while the first one runs.
	err = tc.ctl.StartBulkLoad(context.Background(), cluster.StartBulkLoadRequest{
		AppName: app.AppName, ClusterName: clusterName, FileProviderType: provider.TypeLocal,
	})
	assert.True(t, errors.Is(err, errors.ErrBusy) || errors.Is(err, errors.ErrInvalidState), err)

	tc.waitFinished(app, cluster.StatusSucceed, before)

	// Every replica of every partition ingested the partition's files, and
	// the primaries removed their download directories.
	for pidx := int32(0); pidx < app.PartitionCount; pidx++ {
		pid := cluster.PartitionID{AppID: app.AppID, Index: pidx}
		pc, ok := tc.registry.Partition(pid)
		require.True(t, ok)
		primary := tc.node(pc.Primary)
		engine := replica.NewDirEngine(filepath.Join(primary.data, "ingested"))
		for _, addr := range pc.Replicas() {
			for i := 0; i < 2; i++ {
				data, err := os.ReadFile(filepath.Join(engine.Dir(pid, addr), fmt.Sprintf("%d-%d.sst", pidx, i)))
				require.NoError(t, err, "%s on %s", pid, addr)
				assert.Equal(t, fmt.Sprintf("partition %d file %d", pidx, i), string(data))
			}
		}
		_, err := os.Stat(filepath.Join(primary.data, "bulk_load", pid.String()))
		assert.True(t, os.IsNotExist(err), pid)
	}

	// The app can be loaded again once the previous load is gone.
	before = testutil.ToFloat64(bulkload.CounterAppsFinished.WithLabelValues(cluster.StatusSucceed.String()))
	tc.start(app)
	tc.waitFinished(app, cluster.StatusSucceed, before)
}

func TestBulkLoad_CorruptFileFails(t *testing.T) {
	tc := newTestCluster(t, 3)
	app, err := tc.registry.CreateApp("orders", 2, 3)
	require.NoError(t, err)
	tc.prepare(app, 1, 1)

	before := testutil.ToFloat64(bulkload.CounterAppsFinished.WithLabelValues(cluster.StatusFailed.String()))
	tc.start(app)
	tc.waitFinished(app, cluster.StatusFailed, before)

	// Nothing was ingested anywhere.
	for _, n := range tc.nodes {
		_, err := os.Stat(filepath.Join(n.data, "ingested"))
		assert.True(t, os.IsNotExist(err), n.addr)
	}
}

func TestBulkLoad_CancelStopsDownloads(t *testing.T) {
	tc := newTestCluster(t, 3)
	app, err := tc.registry.CreateApp("events", 3, 3)
	require.NoError(t, err)
	tc.prepare(app, 3)

	before := testutil.ToFloat64(bulkload.CounterAppsFinished.WithLabelValues(cluster.StatusCanceled.String()))
	tc.start(app)
	require.NoError(t, tc.ctl.ControlBulkLoad(app.AppID, cluster.ControlCancel))
	tc.waitFinished(app, cluster.StatusCanceled, before)

	for _, n := range tc.nodes {
		entries, err := os.ReadDir(filepath.Join(n.data, "bulk_load"))
		if err == nil {
			assert.Empty(t, entries, n.addr)
		}
	}
}
