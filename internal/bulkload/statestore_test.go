package bulkload

import (
	"context"
	"testing"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/storage"
)

func TestLayout(t *testing.T) {
	l := NewLayout("/meta/")
	pid := cluster.PartitionID{AppID: 7, Index: 3}

	assert.Equal(t, "/meta/bulk_load", l.Root().String())
	assert.Equal(t, "/meta/bulk_load/7", l.App(7).String())
	assert.Equal(t, "/meta/bulk_load/7/3", l.Partition(pid).String())
	assert.True(t, l.App(7).IsAncestorOf(l.Partition(pid)))

	idx, err := parseIndex("12")
	require.NoError(t, err)
	assert.Equal(t, int32(12), idx)
	for _, bad := range []string{"", "x", "-1", "99999999999"} {
		_, err := parseIndex(bad)
		assert.True(t, errors.Is(err, errors.ErrCorruption), bad)
	}
}

func TestRecords(t *testing.T) {
	app := AppRecord{
		AppID:            1,
		PartitionCount:   4,
		AppName:          "temp",
		ClusterName:      "onebox",
		FileProviderType: "local_service",
		Status:           cluster.StatusDownloading,
	}
	data, err := encodeRecord(app)
	require.NoError(t, err)
	assert.JSONEq(t, `{"app_id":1,"partition_count":4,"app_name":"temp","cluster_name":"onebox",
		"file_provider_type":"local_service","status":"downloading"}`, string(data))

	got, err := decodeAppRecord(data)
	require.NoError(t, err)
	assert.Equal(t, app, got)

	_, err = decodeAppRecord([]byte("{"))
	assert.True(t, errors.Is(err, errors.ErrCorruption))
	_, err = decodePartitionRecord([]byte(`{"status":"sleeping"}`))
	assert.True(t, errors.Is(err, errors.ErrCorruption))

	part, err := decodePartitionRecord([]byte(`{"status":"ingesting","metadata":{"files":[{"name":"1.sst","size":3,"md5":"abc"}],"file_total_size":3}}`))
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusIngesting, part.Status)
	assert.Equal(t, int64(3), part.Metadata.FileTotalSize)
}

func TestConfig(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.MaxRollbackTimes)
	assert.Equal(t, 0, cfg.Retry.MaxAttempts)

	data, err := toml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max-rollback-times = 10")

	back := NewConfig()
	require.NoError(t, toml.Unmarshal([]byte(`
cluster-root = "/c"
request-interval = "250ms"
[retry]
interval = "2s"
max-attempts = 5
`), &back))
	assert.Equal(t, "/c", back.ClusterRoot)
	assert.Equal(t, Duration(250*time.Millisecond), back.RequestInterval)
	assert.Equal(t, 5, back.Retry.MaxAttempts)

	for name, mutate := range map[string]func(*Config){
		"cluster root":     func(c *Config) { c.ClusterRoot = "" },
		"provider root":    func(c *Config) { c.ProviderRoot = "" },
		"request interval": func(c *Config) { c.RequestInterval = 0 },
		"retry interval":   func(c *Config) { c.Retry.Interval = -1 },
		"max attempts":     func(c *Config) { c.Retry.MaxAttempts = -1 },
		"rollbacks":        func(c *Config) { c.MaxRollbackTimes = -1 },
		"rpc timeout":      func(c *Config) { c.RPCTimeout = 0 },
		"store retry":      func(c *Config) { c.StoreRetryInterval = 0 },
		"rate limit":       func(c *Config) { c.RequestRateLimit = -2 },
	} {
		c := NewConfig()
		mutate(&c)
		assert.True(t, errors.Is(c.Validate(), errors.ErrInvalidParameters), name)
	}
}

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	p := storage.NewPath("/c/bulk_load/1/0")

	t.Run("create recursive creates ancestors", func(t *testing.T) {
		mem := storage.NewMemoryStore()
		s := NewStateStore(mem)
		require.NoError(t, s.CreateRecursive(ctx, p, []byte("v")))

		names, err := s.List(ctx, storage.NewPath("/c/bulk_load"))
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, names)
		got, err := s.Get(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, "v", string(got))
	})

	t.Run("create recursive is idempotent", func(t *testing.T) {
		s := NewStateStore(storage.NewMemoryStore())
		require.NoError(t, s.CreateRecursive(ctx, p, []byte("v")))
		require.NoError(t, s.CreateRecursive(ctx, p, []byte("v")))

		err := s.CreateRecursive(ctx, p, []byte("w"))
		assert.True(t, errors.Is(err, errors.ErrInconsistentState), err)
	})

	t.Run("set requires the node", func(t *testing.T) {
		s := NewStateStore(storage.NewMemoryStore())
		err := s.Set(ctx, p, []byte("v"))
		assert.True(t, errors.Is(err, errors.ErrNodeNotFound), err)

		require.NoError(t, s.CreateRecursive(ctx, p, nil))
		require.NoError(t, s.Set(ctx, p, []byte("v2")))
		got, err := s.Get(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))
	})

	t.Run("concurrent set of one path is rejected", func(t *testing.T) {
		blocking := &blockingStore{Store: storage.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
		s := NewStateStore(blocking)
		require.NoError(t, s.CreateRecursive(ctx, p, nil))

		done := make(chan error)
		go func() { done <- s.Set(ctx, p, []byte("a")) }()
		<-blocking.entered

		err := s.Set(ctx, p, []byte("b"))
		assert.True(t, errors.Is(err, errors.ErrBusy), err)
		// Other paths are not affected.
		require.NoError(t, s.CreateRecursive(ctx, p.Parent().Child("1"), nil))

		close(blocking.release)
		require.NoError(t, <-done)
		require.NoError(t, s.Set(ctx, p, []byte("c")))
	})

	t.Run("delete recursive", func(t *testing.T) {
		mem := storage.NewMemoryStore()
		s := NewStateStore(mem)
		require.NoError(t, s.CreateRecursive(ctx, p, []byte("v")))
		require.NoError(t, s.DeleteRecursive(ctx, p.Parent()))
		require.NoError(t, s.DeleteRecursive(ctx, p.Parent()))

		_, err := s.Get(ctx, p)
		assert.True(t, errors.Is(err, errors.ErrNodeNotFound))
		names, err := s.List(ctx, storage.NewPath("/c/bulk_load"))
		require.NoError(t, err)
		assert.Empty(t, names)
	})
}

// blockingStore holds the first Set until release is closed.
type blockingStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (b *blockingStore) Set(ctx context.Context, p storage.Path, value []byte) error {
	if !b.once {
		b.once = true
		close(b.entered)
		<-b.release
	}
	return b.Store.Set(ctx, p, value)
}
