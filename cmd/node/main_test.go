package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bulkload/internal/errors"
)

func TestGenerateConfig(t *testing.T) {
	var stdout bytes.Buffer
	cmd := NewRootCommand(strings.NewReader(""), &stdout, &stdout)
	cmd.SetArgs([]string{"generate-config"})
	require.NoError(t, cmd.Execute())

	out := stdout.String()
	assert.Contains(t, out, `bind = ":8081"`)
	assert.Contains(t, out, "register-attempts = 10")
	assert.Contains(t, out, "[provider.local]")
}

func TestConfigValidate(t *testing.T) {
	cfg := NewConfig()
	assert.True(t, errors.Is(cfg.Validate(), errors.ErrInvalidParameters))

	cfg.ID = "node-1"
	assert.True(t, errors.Is(cfg.Validate(), errors.ErrInvalidParameters))

	cfg.MetaAddr = "http://127.0.0.1:8080"
	assert.NoError(t, cfg.Validate())

	cfg.RegisterAttempts = 0
	assert.True(t, errors.Is(cfg.Validate(), errors.ErrInvalidParameters))
}

func TestServerCommand_RequiresID(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCommand(strings.NewReader(""), &out, &out)
	cmd.SetArgs([]string{"server", "--meta-addr", "http://127.0.0.1:8080"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node id required")
}

func TestServerCommand_EnvConfig(t *testing.T) {
	t.Setenv("BULKLOAD_REGISTER_ATTEMPTS", "none")
	var out bytes.Buffer
	cmd := NewRootCommand(strings.NewReader(""), &out, &out)
	cmd.SetArgs([]string{"server"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register-attempts")
}
