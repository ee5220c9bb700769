package cli

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txmon/internal/coordinator"
)

// serveFlags parses args the way cobra does before running serve.
func serveFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	serve, _, err := NewRootCommand().Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags(args))
	return serve
}

func TestLoadServeConfigDefaults(t *testing.T) {
	cfg, err := LoadServeConfig(serveFlags(t).Flags())
	require.NoError(t, err)

	assert.Equal(t, "txmon.db", cfg.Database)
	assert.Equal(t, DefaultSocketDir, cfg.SocketDir)
	assert.Empty(t, cfg.ConfigPath)
	assert.Empty(t, cfg.MetricsListen)
	assert.False(t, cfg.InProcess)
	assert.True(t, cfg.Watch)
	assert.Equal(t, coordinator.DefaultBatch, cfg.Batch)
	assert.Equal(t, coordinator.DefaultBranchTimeout, cfg.BranchTimeout)
}

func TestLoadServeConfigEnvironment(t *testing.T) {
	t.Setenv("TXMON_DB", "/var/lib/txmon/tx.db")
	t.Setenv("TXMON_METRICS_LISTEN", ":9464")
	t.Setenv("TXMON_IN_PROCESS", "true")
	t.Setenv("TXMON_BRANCH_TIMEOUT", "45s")
	t.Setenv("TXMON_SOCKET_DIR", "/run/txmon")

	cfg, err := LoadServeConfig(serveFlags(t).Flags())
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/txmon/tx.db", cfg.Database)
	assert.Equal(t, ":9464", cfg.MetricsListen)
	assert.True(t, cfg.InProcess)
	assert.Equal(t, 45*time.Second, cfg.BranchTimeout)
	assert.Equal(t, "/run/txmon", cfg.SocketDir)
}

func TestLoadServeConfigFlagsWin(t *testing.T) {
	t.Setenv("TXMON_DB", "/from/env.db")
	t.Setenv("TXMON_BATCH", "8")

	cfg, err := LoadServeConfig(serveFlags(t, "--db", "/from/flag.db", "-c", "resources.yaml").Flags())
	require.NoError(t, err)

	assert.Equal(t, "/from/flag.db", cfg.Database)
	assert.Equal(t, "resources.yaml", cfg.ConfigPath)
	assert.Equal(t, 8, cfg.Batch, "unset flags still come from the environment")
}

func TestLoadServeConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{name: "empty db", args: []string{"--db", " "}, want: "db must not be empty"},
		{name: "zero batch", args: []string{"--batch", "0"}, want: "batch must be at least 1"},
		{name: "negative timeout", args: []string{"--branch-timeout", "-1s"}, want: "branch-timeout must not be negative"},
		{name: "empty socket dir", env: map[string]string{"TXMON_SOCKET_DIR": " "}, want: "socket-dir must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadServeConfig(serveFlags(t, tt.args...).Flags())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
