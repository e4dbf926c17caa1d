// Package main implements the replica node: it downloads the bulk load
// files of the partitions it is primary of, verifies them and ingests
// them when the meta server says so.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Replica node                │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health           - Health check     │
//	│    /stats            - Counters         │
//	│    /bulkload/request - Stage request    │
//	│    /bulkload/ingest  - Ingestion        │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Executor      - Per-partition loads  │
//	│    Engine        - Ingestion target     │
//	│    Registration  - Meta server link     │
//	└─────────────────────────────────────────┘
//
// Example usage:
//
//	node server --id node-1 --addr http://localhost:8081 \
//	  --meta-addr http://localhost:8080 --data-dir /var/lib/node-1
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/bulkload/internal/cli"
	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
	"github.com/dreamware/bulkload/internal/replica"
)

func main() {
	if err := NewRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:          "node",
		Short:        "Replica node of the bulk load cluster.",
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newServerCommand(stderr))
	rc.AddCommand(cli.NewGenerateConfigCommand(stdout, func() interface{} { return NewConfig() }))
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func newServerCommand(stderr io.Writer) *cobra.Command {
	cfg := NewConfig()
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the replica node.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.SetAllConfig(viper.New(), cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, stderr)
		},
	}
	buildFlags(cmd.Flags(), &cfg)
	return cmd
}

func serve(ctx context.Context, cfg Config, stderr io.Writer) error {
	level := logger.LevelInfo
	if cfg.Verbose {
		level = logger.LevelDebug
	}
	log := logger.NewLeveledLogger(stderr, level).WithPrefix("node[" + cfg.ID + "] ")

	providers, err := cli.BuildProviders(cfg.Provider, log)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Newf(errors.ErrFileOperationFailed, "creating data dir: %v", err)
	}
	exec := replica.NewExecutor(replica.Options{
		Addr:      cfg.Addr,
		DataDir:   cfg.DataDir,
		Providers: providers,
		Logger:    log,
	})
	defer exec.Close()
	n := &node{id: cfg.ID, addr: cfg.Addr, exec: exec, logger: log}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &http.Server{
		Addr:              cfg.Bind,
		Handler:           n.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("listening on %s (public %s)", cfg.Bind, cfg.Addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- errors.Wrap(err, "listening")
		}
	}()

	client := cluster.NewClient(cluster.ClientOptions{Logger: log})
	if err = register(ctx, client, cfg.MetaAddr, cluster.NodeInfo{ID: cfg.ID, Addr: cfg.Addr},
		cfg.RegisterAttempts, time.Duration(cfg.RegisterInterval), log); err == nil {
		select {
		case <-ctx.Done():
		case err = <-errc:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil {
		log.Errorf("server shutdown: %v", serr)
	}
	log.Infof("node stopped")
	return err
}
