package cli_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/bci/filter"
	"pipelined.dev/bci/internal/cli"
	"pipelined.dev/bci/log"
	"pipelined.dev/bci/module"
	"pipelined.dev/bci/param"
	"pipelined.dev/bci/protocol"
)

func TestSplitOverrides(t *testing.T) {
	cmd := cli.ModuleCommand("bci-test", module.Config{Name: "Source"}, nil)
	known, overrides := cli.SplitOverrides(cmd, []string{
		"--operator=127.0.0.1:5000",
		"--SamplingRate=512",
		"--next", "App",
		"--ChannelNames=a b c",
		"--Empty=",
		"--",
		"--Extra=1",
	})
	assert.Equal(t, []string{"--operator=127.0.0.1:5000", "--next", "App", "--", "--Extra=1"}, known)
	require.Len(t, overrides, 3)
	assert.Equal(t, param.New("/SamplingRate", "System", param.VariantType, "512"), overrides[0])
	assert.Equal(t, []string{"a", "b", "c"}, overrides[1].Values)
	assert.Equal(t, "/Empty", overrides[2].Path)
	assert.Empty(t, overrides[2].Values)
}

func TestExecute(t *testing.T) {
	var (
		overrides []param.Param
		flag      string
	)
	cmd := &cobra.Command{
		Use: "test",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides = cli.Overrides(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVar(&flag, "flag", "", "")
	require.NoError(t, cli.Execute(context.Background(), cmd, []string{"--flag=x", "--Gain=2"}))
	assert.Equal(t, "x", flag)
	require.Len(t, overrides, 1)
	assert.Equal(t, "/Gain", overrides[0].Path)

	assert.Empty(t, cli.Overrides(context.Background()))
}

func TestVersion(t *testing.T) {
	cmd := cli.ModuleCommand("bci-test", module.Config{Name: "Source"}, func() []filter.Node { return nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cli.Execute(context.Background(), cmd, []string{"version"}))
	assert.Equal(t, "bci-test version dev\n", out.String())
}

func TestRunModule(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	operator := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := module.New(module.Config{
		Name:            "Source",
		OperatorAddress: operator,
		DialRetry:       10 * time.Millisecond,
	}, nil, module.WithLogger(log.Silent()))
	var routed *module.Module
	err = cli.RunModule(context.Background(), m, "127.0.0.1:0", func(r chi.Router, m *module.Module) {
		routed = m
	})
	assert.True(t, errors.Is(err, protocol.ErrBadConnection))
	assert.Equal(t, m, routed)

	// busy status address
	ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	m = module.New(module.Config{Name: "Source", OperatorAddress: operator}, nil)
	assert.Error(t, cli.RunModule(context.Background(), m, ln.Addr().String()))

	cmd := cli.ModuleCommand("bci-test", module.Config{Name: "Source"}, nil)
	assert.NotNil(t, cmd.Flags().Lookup("http"))
}
