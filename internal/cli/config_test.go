package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/logger"
	"github.com/dreamware/bulkload/internal/provider"
)

type testConfig struct {
	Name     string        `toml:"name"`
	Hosts    []string      `toml:"hosts"`
	Interval time.Duration `toml:"interval"`
	Limit    int           `toml:"limit"`
}

func testFlags(cfg *testConfig, args ...string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "", "")
	fs.StringVar(&cfg.Name, "name", "default", "")
	fs.StringSliceVar(&cfg.Hosts, "cluster.hosts", []string{"h0"}, "")
	fs.DurationVar(&cfg.Interval, "cluster.interval", time.Second, "")
	fs.IntVar(&cfg.Limit, "limit", 1, "")
	if err := fs.Parse(args); err != nil {
		panic(err)
	}
	return fs
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSetAllConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var cfg testConfig
		require.NoError(t, SetAllConfig(viper.New(), testFlags(&cfg)))
		assert.Equal(t, testConfig{Name: "default", Hosts: []string{"h0"}, Interval: time.Second, Limit: 1}, cfg)
	})

	t.Run("config file", func(t *testing.T) {
		path := writeConfig(t, `
name = "file"
limit = 7
[cluster]
hosts = ["a", "b"]
interval = "3s"
`)
		var cfg testConfig
		require.NoError(t, SetAllConfig(viper.New(), testFlags(&cfg, "--config", path)))
		assert.Equal(t, "file", cfg.Name)
		assert.Equal(t, []string{"a", "b"}, cfg.Hosts)
		assert.Equal(t, 3*time.Second, cfg.Interval)
		assert.Equal(t, 7, cfg.Limit)
	})

	t.Run("env beats file, flags beat env", func(t *testing.T) {
		path := writeConfig(t, "name = \"file\"\nlimit = 7\n")
		t.Setenv("BULKLOAD_NAME", "env")
		t.Setenv("BULKLOAD_LIMIT", "8")
		t.Setenv("BULKLOAD_CLUSTER_INTERVAL", "5s")

		var cfg testConfig
		require.NoError(t, SetAllConfig(viper.New(), testFlags(&cfg, "--config", path, "--limit", "9")))
		assert.Equal(t, "env", cfg.Name)
		assert.Equal(t, 9, cfg.Limit)
		assert.Equal(t, 5*time.Second, cfg.Interval)
	})

	t.Run("unknown option", func(t *testing.T) {
		path := writeConfig(t, "nope = 1\n")
		var cfg testConfig
		err := SetAllConfig(viper.New(), testFlags(&cfg, "--config", path))
		assert.True(t, errors.Is(err, errors.ErrInvalidParameters), err)
	})

	t.Run("missing file", func(t *testing.T) {
		var cfg testConfig
		err := SetAllConfig(viper.New(), testFlags(&cfg, "--config", filepath.Join(t.TempDir(), "none.toml")))
		assert.Error(t, err)
	})

	t.Run("bad value", func(t *testing.T) {
		t.Setenv("BULKLOAD_LIMIT", "many")
		var cfg testConfig
		err := SetAllConfig(viper.New(), testFlags(&cfg))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "limit")
	})
}

func TestGenerateConfigCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := NewGenerateConfigCommand(&out, func() interface{} {
		return struct {
			Name  string `toml:"name"`
			Limit int    `toml:"limit"`
		}{Name: "x", Limit: 2}
	})
	require.NoError(t, cmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), `name = "x"`)
	assert.Contains(t, out.String(), "limit = 2")
}

func TestBuildProviders(t *testing.T) {
	reg, err := BuildProviders(provider.Config{}, logger.NopLogger)
	require.NoError(t, err)
	assert.Equal(t, []string{provider.TypeLocal}, reg.Types())

	reg, err = BuildProviders(provider.Config{
		S3: provider.S3Config{Bucket: "b", Region: "us-east-1"},
	}, logger.NopLogger)
	require.NoError(t, err)
	assert.Equal(t, []string{provider.TypeLocal, provider.TypeS3}, reg.Types())

	_, err = BuildProviders(provider.Config{Minio: provider.MinioConfig{Endpoint: "127.0.0.1:9000"}}, logger.NopLogger)
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters), err)

	fs := pflag.NewFlagSet("p", pflag.ContinueOnError)
	var cfg provider.Config
	ProviderFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{"--provider.s3.bucket", "data", "--provider.minio.use-ssl"}))
	assert.Equal(t, "data", cfg.S3.Bucket)
	assert.True(t, cfg.Minio.UseSSL)
}
