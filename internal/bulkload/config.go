package bulkload

import (
	"time"

	"github.com/dreamware/bulkload/internal/errors"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// MarshalTOML write duration into valid TOML.
func (d Duration) MarshalTOML() ([]byte, error) {
	return []byte(d.String()), nil
}

// RetryPolicy governs how a partition driver resends a stage request whose
// RPC failed.
type RetryPolicy struct {
	// Interval between a failed request and its resend.
	Interval Duration `toml:"interval"`
	// MaxAttempts bounds consecutive failed requests for one partition
	// before the partition is failed. 0 retries for as long as the app
	// is bulk loading.
	MaxAttempts int `toml:"max-attempts"`
}

// Config is the bulk load section of the meta server configuration.
type Config struct {
	// ClusterRoot is the coordination store path the meta server keeps its
	// state under; bulk load records live in <ClusterRoot>/bulk_load.
	ClusterRoot string `toml:"cluster-root"`
	// ProviderRoot is the directory (or key prefix) on the file provider
	// that holds <cluster_name>/<app_name>/... .
	ProviderRoot string `toml:"provider-root"`

	// RequestInterval is the pause between two stage requests to the same
	// primary while the partition makes progress.
	RequestInterval Duration    `toml:"request-interval"`
	Retry           RetryPolicy `toml:"retry"`

	// MaxRollbackTimes is how many transient download failures a partition
	// may roll back from before it is failed.
	MaxRollbackTimes int `toml:"max-rollback-times"`

	RPCTimeout         Duration `toml:"rpc-timeout"`
	StoreRetryInterval Duration `toml:"store-retry-interval"`

	// RequestRateLimit caps stage requests per second across all
	// partitions. 0 disables the limit.
	RequestRateLimit float64 `toml:"request-rate-limit"`
}

// NewConfig returns the default configuration.
func NewConfig() Config {
	return Config{
		ClusterRoot:     "/bulkload",
		ProviderRoot:    "/bulk_load_root",
		RequestInterval: Duration(10 * time.Second),
		Retry: RetryPolicy{
			Interval: Duration(10 * time.Second),
		},
		MaxRollbackTimes:   10,
		RPCTimeout:         Duration(10 * time.Second),
		StoreRetryInterval: Duration(time.Second),
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.ClusterRoot == "":
		return errors.New(errors.ErrInvalidParameters, "cluster-root is required")
	case c.ProviderRoot == "":
		return errors.New(errors.ErrInvalidParameters, "provider-root is required")
	case c.RequestInterval <= 0:
		return errors.New(errors.ErrInvalidParameters, "request-interval must be positive")
	case c.Retry.Interval <= 0:
		return errors.New(errors.ErrInvalidParameters, "retry.interval must be positive")
	case c.Retry.MaxAttempts < 0:
		return errors.New(errors.ErrInvalidParameters, "retry.max-attempts cannot be negative")
	case c.MaxRollbackTimes < 0:
		return errors.New(errors.ErrInvalidParameters, "max-rollback-times cannot be negative")
	case c.RPCTimeout <= 0:
		return errors.New(errors.ErrInvalidParameters, "rpc-timeout must be positive")
	case c.StoreRetryInterval <= 0:
		return errors.New(errors.ErrInvalidParameters, "store-retry-interval must be positive")
	case c.RequestRateLimit < 0:
		return errors.New(errors.ErrInvalidParameters, "request-rate-limit cannot be negative")
	}
	return nil
}
