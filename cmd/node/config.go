package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/bulkload/internal/bulkload"
	"github.com/dreamware/bulkload/internal/cli"
	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/provider"
)

// Config is the replica node configuration.
type Config struct {
	ID   string `toml:"id"`
	Bind string `toml:"bind"`
	// Addr is the base URL the meta server reaches this node on. It is
	// also the name the node has in partition placement.
	Addr     string `toml:"addr"`
	MetaAddr string `toml:"meta-addr"`
	DataDir  string `toml:"data-dir"`
	Verbose  bool   `toml:"verbose"`

	RegisterAttempts int               `toml:"register-attempts"`
	RegisterInterval bulkload.Duration `toml:"register-interval"`

	Provider provider.Config `toml:"provider"`
}

func NewConfig() Config {
	return Config{
		Bind:             ":8081",
		Addr:             "http://127.0.0.1:8081",
		DataDir:          "data",
		RegisterAttempts: 10,
		RegisterInterval: bulkload.Duration(400 * time.Millisecond),
	}
}

func (c Config) Validate() error {
	switch {
	case c.ID == "":
		return errors.New(errors.ErrInvalidParameters, "node id required")
	case c.MetaAddr == "":
		return errors.New(errors.ErrInvalidParameters, "meta server address required")
	case c.Addr == "":
		return errors.New(errors.ErrInvalidParameters, "advertised address required")
	case c.RegisterAttempts < 1:
		return errors.Newf(errors.ErrInvalidParameters, "register-attempts must be positive, got %d", c.RegisterAttempts)
	}
	return nil
}

func buildFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.ID, "id", cfg.ID, "Unique node id.")
	flags.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "Address the HTTP API listens on.")
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "Base URL the meta server reaches this node on.")
	flags.StringVar(&cfg.MetaAddr, "meta-addr", cfg.MetaAddr, "Base URL of the meta server.")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for downloaded and ingested files.")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable debug logging.")
	flags.IntVar(&cfg.RegisterAttempts, "register-attempts", cfg.RegisterAttempts, "Registration attempts before giving up.")
	flags.DurationVar((*time.Duration)(&cfg.RegisterInterval), "register-interval", time.Duration(cfg.RegisterInterval), "Delay between registration attempts.")

	cli.ProviderFlags(flags, &cfg.Provider)
}
