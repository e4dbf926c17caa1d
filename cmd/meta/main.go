// Package main implements the meta server: it keeps the app table and
// partition placement, and runs bulk loads of prepared files into the
// replica nodes.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               Meta server                │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /register         - Node join        │
//	│    /nodes            - Node list        │
//	│    /apps             - App table        │
//	│    /bulkload/start   - Start a load     │
//	│    /bulkload/control - Pause, cancel    │
//	│    /bulkload/{app}   - Load status      │
//	│    /metrics          - Prometheus       │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    AppRegistry   - Apps and placement   │
//	│    Controller    - Bulk load workflows  │
//	│    Elector       - Leader election      │
//	│    HealthMonitor - Node liveness        │
//	└─────────────────────────────────────────┘
//
// Only the elected leader runs bulk loads; other instances answer bulk
// load requests with ERR_FORWARD_TO_OTHERS. Load state lives in the
// coordination store (etcd, or memory for a single instance), so a new
// leader picks up where the old one stopped.
//
// Example usage:
//
//	meta generate-config > meta.toml
//	meta server --config meta.toml
//	BULKLOAD_STORE_TYPE=etcd BULKLOAD_STORE_ENDPOINTS=http://127.0.0.1:2379 meta server
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/bulkload/internal/cli"
	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
	"github.com/dreamware/bulkload/internal/storage"
)

func main() {
	if err := NewRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "meta",
		Short: "Meta server of the bulk load cluster.",
		Long: `meta keeps the app table and partition placement of the cluster
and drives bulk loads of prepared files into the replica nodes.`,
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newServerCommand(stdout, stderr))
	rc.AddCommand(cli.NewGenerateConfigCommand(stdout, func() interface{} { return NewConfig() }))
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func newServerCommand(stdout, stderr io.Writer) *cobra.Command {
	cfg := NewConfig()
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the meta server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.SetAllConfig(viper.New(), cmd.Flags()); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, stderr)
		},
	}
	buildFlags(cmd.Flags(), &cfg)
	return cmd
}

// serve runs the meta server until ctx is done or the process is
// signaled.
func serve(ctx context.Context, cfg Config, stderr io.Writer) error {
	level := logger.LevelInfo
	if cfg.Verbose {
		level = logger.LevelDebug
	}
	log := logger.NewLeveledLogger(stderr, level)
	if cfg.Name == "" {
		cfg.Name = uuid.NewString()
	}

	store, elector, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	providers, err := cli.BuildProviders(cfg.Provider, log)
	if err != nil {
		return err
	}
	client := cluster.NewHTTPReplicaClient(cluster.NewClient(cluster.ClientOptions{
		Timeout:  time.Duration(cfg.BulkLoad.RPCTimeout),
		RetryMax: 2,
		Logger:   log,
	}))
	srv, err := newServer(serverOptions{
		ID:        cfg.Name,
		Config:    cfg,
		Store:     store,
		Elector:   elector,
		Providers: providers,
		Client:    client,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer srv.close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           srv.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("meta server %s listening on %s", cfg.Name, cfg.Bind)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		err = errors.Wrap(err, "listening")
		stop()
	}
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Infof("meta server stopped")
	return err
}

// openStore connects the coordination store and the matching elector.
func openStore(cfg Config, l logger.Logger) (storage.Store, storage.Elector, func(), error) {
	switch cfg.Store.Type {
	case StoreMemory:
		return storage.NewMemoryStore(), storage.NewStaticElector(cfg.Name), func() {}, nil
	case StoreEtcd:
		es, err := storage.NewEtcdStore(storage.EtcdOptions{
			Endpoints:   cfg.Store.Endpoints,
			Prefix:      cfg.Store.Prefix,
			DialTimeout: time.Duration(cfg.Store.DialTimeout),
			Logger:      l.WithPrefix("[etcd] "),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		elector := storage.NewEtcdElector(es.Client(), cfg.Store.Prefix+"/election", cfg.Name, cfg.Store.ElectionTTL)
		return es, elector, func() { _ = es.Close() }, nil
	default:
		return nil, nil, nil, errors.Newf(errors.ErrInvalidParameters, "unknown store type %q", cfg.Store.Type)
	}
}
