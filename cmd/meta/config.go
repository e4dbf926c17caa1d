package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/bulkload/internal/bulkload"
	"github.com/dreamware/bulkload/internal/cli"
	"github.com/dreamware/bulkload/internal/provider"
)

// Store types.
const (
	StoreMemory = "memory"
	StoreEtcd   = "etcd"
)

// Config is the meta server configuration. Every field is also a flag
// named after its TOML path.
type Config struct {
	// Name identifies this instance in leader election. Empty picks a
	// random uuid at start-up.
	Name    string `toml:"name"`
	Bind    string `toml:"bind"`
	Verbose bool   `toml:"verbose"`

	Store StoreConfig `toml:"store"`

	// HealthInterval is how often replica nodes are probed.
	HealthInterval bulkload.Duration `toml:"health-interval"`
	// ReplicaCount is used for apps created without one.
	ReplicaCount int32 `toml:"replica-count"`

	BulkLoad bulkload.Config `toml:"bulkload"`
	Provider provider.Config `toml:"provider"`
}

// StoreConfig selects the coordination store.
type StoreConfig struct {
	Type        string            `toml:"type"`
	Endpoints   []string          `toml:"endpoints"`
	Prefix      string            `toml:"prefix"`
	DialTimeout bulkload.Duration `toml:"dial-timeout"`
	// ElectionTTL is the leader session lease in seconds.
	ElectionTTL int `toml:"election-ttl"`
}

func NewConfig() Config {
	return Config{
		Bind: ":8080",
		Store: StoreConfig{
			Type:        StoreMemory,
			Endpoints:   []string{},
			Prefix:      "/bulkload-meta",
			DialTimeout: bulkload.Duration(5 * time.Second),
			ElectionTTL: 10,
		},
		HealthInterval: bulkload.Duration(5 * time.Second),
		ReplicaCount:   3,
		BulkLoad:       bulkload.NewConfig(),
	}
}

// buildFlags registers a flag for every field of cfg, defaulting to its
// current value.
func buildFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.Name, "name", cfg.Name, "Instance name used in leader election.")
	flags.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "Address the HTTP API listens on.")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable debug logging.")

	flags.StringVar(&cfg.Store.Type, "store.type", cfg.Store.Type, "Coordination store: memory or etcd.")
	flags.StringSliceVar(&cfg.Store.Endpoints, "store.endpoints", cfg.Store.Endpoints, "Comma separated etcd endpoints.")
	flags.StringVar(&cfg.Store.Prefix, "store.prefix", cfg.Store.Prefix, "Key prefix in etcd.")
	flags.DurationVar((*time.Duration)(&cfg.Store.DialTimeout), "store.dial-timeout", time.Duration(cfg.Store.DialTimeout), "etcd dial timeout.")
	flags.IntVar(&cfg.Store.ElectionTTL, "store.election-ttl", cfg.Store.ElectionTTL, "Leader session lease in seconds.")

	flags.DurationVar((*time.Duration)(&cfg.HealthInterval), "health-interval", time.Duration(cfg.HealthInterval), "Interval between replica node health checks.")
	flags.Int32Var(&cfg.ReplicaCount, "replica-count", cfg.ReplicaCount, "Default replica count of new apps.")

	b := &cfg.BulkLoad
	flags.StringVar(&b.ClusterRoot, "bulkload.cluster-root", b.ClusterRoot, "Coordination store path of the meta state.")
	flags.StringVar(&b.ProviderRoot, "bulkload.provider-root", b.ProviderRoot, "Root of bulk load files on the file provider.")
	flags.DurationVar((*time.Duration)(&b.RequestInterval), "bulkload.request-interval", time.Duration(b.RequestInterval), "Interval between stage requests to a primary.")
	flags.DurationVar((*time.Duration)(&b.Retry.Interval), "bulkload.retry.interval", time.Duration(b.Retry.Interval), "Delay before resending a failed stage request.")
	flags.IntVar(&b.Retry.MaxAttempts, "bulkload.retry.max-attempts", b.Retry.MaxAttempts, "Failed stage requests before a partition fails. 0 retries forever.")
	flags.IntVar(&b.MaxRollbackTimes, "bulkload.max-rollback-times", b.MaxRollbackTimes, "Download rollbacks before a partition fails.")
	flags.DurationVar((*time.Duration)(&b.RPCTimeout), "bulkload.rpc-timeout", time.Duration(b.RPCTimeout), "Timeout of one replica RPC.")
	flags.DurationVar((*time.Duration)(&b.StoreRetryInterval), "bulkload.store-retry-interval", time.Duration(b.StoreRetryInterval), "Delay before retrying a failed store write.")
	flags.Float64Var(&b.RequestRateLimit, "bulkload.request-rate-limit", b.RequestRateLimit, "Stage requests per second across all partitions. 0 is unlimited.")

	cli.ProviderFlags(flags, &cfg.Provider)
}

