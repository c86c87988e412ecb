package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/bci/operator"
)

func TestConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "operator.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
modules:
  - name: Source
    address: 127.0.0.1:5000
  - name: Application
    address: 127.0.0.1:5001
telnet: 127.0.0.1:6000
`), 0o644))

	cmd := rootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", file, "--http=127.0.0.1:6002", "--telnet="}))
	var o options
	o.file, _ = cmd.Flags().GetString("config")
	o.http, _ = cmd.Flags().GetString("http")
	o.telnet, _ = cmd.Flags().GetString("telnet")
	cfg, err := o.config(cmd)
	require.NoError(t, err)
	assert.Len(t, cfg.Modules, 2)
	assert.Equal(t, "", cfg.Telnet)
	assert.Equal(t, "127.0.0.1:6002", cfg.HTTP)
	assert.Equal(t, "dev", cfg.Version)

	cmd = rootCommand()
	require.NoError(t, cmd.ParseFlags(nil))
	cfg, err = options{}.config(cmd)
	require.NoError(t, err)
	assert.Equal(t, operator.DefaultModules(), cfg.Modules)
	assert.Equal(t, operator.DefaultTelnet, cfg.Telnet)

	_, err = options{file: filepath.Join(t.TempDir(), "missing.yaml")}.config(rootCommand())
	assert.Error(t, err)
}
