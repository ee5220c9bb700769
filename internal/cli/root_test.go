package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "txmon", cmd.Use)
	assert.Contains(t, cmd.Long, "two-phase commit")
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "state", "scale", "shutdown", "log", "config", "test", "proxy"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestProxyCommandHidden(t *testing.T) {
	cmd := NewRootCommand()
	proxyCmd, _, err := cmd.Find([]string{"proxy"})
	require.NoError(t, err)
	assert.True(t, proxyCmd.Hidden)

	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "serve")
	assert.NotContains(t, buf.String(), "Serve one resource proxy instance")
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	socketFlag := cmd.PersistentFlags().Lookup("socket-dir")
	require.NotNil(t, socketFlag)
	assert.Equal(t, DefaultSocketDir, socketFlag.DefValue)

	timeoutFlag := cmd.PersistentFlags().Lookup("timeout")
	require.NotNil(t, timeoutFlag)
	assert.Equal(t, "10s", timeoutFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	configFlag := serveCmd.Flags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	dbFlag := serveCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "txmon.db", dbFlag.DefValue)

	for _, name := range []string{"metrics-listen", "manager", "in-process", "watch", "batch", "branch-timeout"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), "serve should have --%s", name)
	}
}

func TestLogListCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	listCmd, _, err := cmd.Find([]string{"log", "list"})
	require.NoError(t, err)

	dbFlag := listCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "txmon.db", dbFlag.DefValue)
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	testCmd, _, err := cmd.Find([]string{"test"})
	require.NoError(t, err)

	updateFlag := testCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	assert.NotNil(t, testCmd.Flags().Lookup("filter"))
	assert.NotNil(t, testCmd.Flags().Lookup("golden-dir"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "config", "validate", "resources.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestManagerAddress(t *testing.T) {
	opts := &RootOptions{SocketDir: "/run/txmon"}
	assert.Equal(t, "/run/txmon/tm.sock", opts.managerAddress())
}
