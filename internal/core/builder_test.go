package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvest/config"
	"harvest/internal/capability"
	herr "harvest/internal/errors"
	"harvest/inventory"
	"harvest/util"
)

func testRegistry(t *testing.T, names ...string) *inventory.Registry {
	t.Helper()
	reg := inventory.New(nil)
	for _, n := range names {
		require.NoError(t, reg.Set(inventory.Host{Name: n, User: "ops"}))
	}
	return reg
}

func TestBuild_List(t *testing.T) {
	reg := testRegistry(t, "web2", "web1", "db1")

	mode, err := Build(&config.Config{List: true, Pattern: "web*"}, reg, util.NewLogger(0))
	require.NoError(t, err)
	list, ok := mode.(*ListMode)
	require.True(t, ok, "expected *ListMode, got %T", mode)
	assert.Equal(t, []string{"web1", "web2"}, list.Hosts)
}

func TestBuild_ListNoMatchIsNotAnError(t *testing.T) {
	mode, err := Build(&config.Config{List: true, Pattern: "db*"}, testRegistry(t, "web1"), util.NewLogger(0))
	require.NoError(t, err)
	assert.Empty(t, mode.(*ListMode).Hosts)
}

func TestBuild_Connect(t *testing.T) {
	cfg := &config.Config{Pattern: "web1", Jobs: 1, LogDir: "/tmp/logs"}

	mode, err := Build(cfg, testRegistry(t, "web1", "web2"), util.NewLogger(0))
	require.NoError(t, err)
	cm, ok := mode.(*ConnectMode)
	require.True(t, ok, "expected *ConnectMode, got %T", mode)
	assert.Equal(t, "web1", cm.Host)
	assert.Equal(t, "/tmp/logs", cm.LogDir)
	assert.IsType(t, &capability.Relay{}, cm.Capability)
}

func TestBuild_ConnectNeedsOneHost(t *testing.T) {
	_, err := Build(&config.Config{Pattern: "web*", Jobs: 1}, testRegistry(t, "web1", "web2"), util.NewLogger(0))
	var ce *herr.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "matches 2 hosts")
}

func TestBuild_Run(t *testing.T) {
	cfg := &config.Config{
		Pattern: "web*",
		Exec:    []string{"uname"},
		Call:    []string{"facts"},
		Jobs:    4,
		Quiet:   true,
	}

	mode, err := Build(cfg, testRegistry(t, "web1", "web2", "db1"), util.NewLogger(0))
	require.NoError(t, err)
	rm, ok := mode.(*RunMode)
	require.True(t, ok, "expected *RunMode, got %T", mode)
	assert.Equal(t, []string{"web1", "web2"}, rm.Hosts)
	assert.Equal(t, 4, rm.Jobs)
	assert.True(t, rm.Quiet)
	require.NotNil(t, rm.Breaker)
	assert.Equal(t, config.DefaultGatewayFailures, rm.Breaker.MaxFailures)

	exec, ok := rm.Capability.(*capability.Exec)
	require.True(t, ok)
	assert.Equal(t, []string{"uname"}, exec.Lines)
	assert.Equal(t, []string{"facts"}, exec.Calls)
}

func TestBuild_NoHosts(t *testing.T) {
	_, err := Build(&config.Config{Pattern: "db*", Exec: []string{"x"}, Jobs: 1}, testRegistry(t, "web1"), util.NewLogger(0))
	assert.ErrorIs(t, err, herr.ErrNoHosts)
}

func TestBuild_BadPattern(t *testing.T) {
	_, err := Build(&config.Config{Pattern: "web[", Jobs: 1}, testRegistry(t, "web1"), util.NewLogger(0))
	assert.ErrorIs(t, err, herr.ErrInvalidArgument)
}
