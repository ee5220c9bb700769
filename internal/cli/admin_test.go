package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/coordinator"
	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/proxy"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/txlog"
)

// startManager runs a coordinator on an in-memory hub and returns a client
// bound next to it.
func startManager(t *testing.T, ctx context.Context) (*AdminClient, <-chan error, *proxy.InProcessSpawner) {
	t.Helper()
	hub := ipc.NewHub()
	tm, err := hub.Endpoint("tm", 0)
	require.NoError(t, err)
	reply, err := hub.Endpoint("admin", 0)
	require.NoError(t, err)
	log, err := txlog.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	spawner := proxy.NewInProcessSpawner(proxy.HubListener(hub), nil)
	c := coordinator.New(tm, log, spawner,
		coordinator.WithPID(1),
		coordinator.WithIntervals(time.Millisecond, 10*time.Millisecond),
		coordinator.WithProbe(func(int) bool { return true }),
	)
	c.Configure(ctx, []config.Resource{{Key: "mockup", Name: "ora", Instances: 1}})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return NewAdminClient(reply, tm.Address()), done, spawner
}

func TestAdminClientStateScaleShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, done, spawner := startManager(t, ctx)

	snap, err := client.State(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Proxies, 1)
	assert.Equal(t, "ora", snap.Proxies[0].Name)
	assert.Equal(t, 1, snap.Proxies[0].Concurrency)
	assert.Empty(t, snap.Transactions)

	reply, err := client.Scale(ctx, "ora", 3)
	require.NoError(t, err)
	assert.Empty(t, reply.Error)
	assert.Equal(t, "ora", reply.Name)
	assert.Equal(t, 3, reply.Instances)

	snap, err = client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Proxies[0].Concurrency)
	assert.Len(t, snap.Proxies[0].Instances, 3)

	reply, err = client.Scale(ctx, "db2", 1)
	require.NoError(t, err)
	assert.Contains(t, reply.Error, "db2")

	require.NoError(t, client.Shutdown(ctx))
	require.NoError(t, <-done)
	spawner.Wait()
}

func TestAdminClientUnreachable(t *testing.T) {
	hub := ipc.NewHub()
	reply, err := hub.Endpoint("admin", 0)
	require.NoError(t, err)
	client := NewAdminClient(reply, "tm")
	defer client.Close()

	_, err = client.State(context.Background())
	require.ErrorIs(t, err, ErrManagerUnreachable)
}

func TestStateCommandWithoutManager(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"state", "--socket-dir", t.TempDir(), "--timeout", "1s"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, ErrManagerUnreachable)
}

func TestScaleCommandRejectsBadCount(t *testing.T) {
	for _, count := range []string{"-1", "many"} {
		t.Run(count, func(t *testing.T) {
			cmd := NewRootCommand()
			cmd.SetOut(&bytes.Buffer{})
			// After "--" a negative count reaches the command as an argument.
			cmd.SetArgs([]string{"scale", "--", "ora", count})

			err := cmd.Execute()
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), "non-negative integer")
		})
	}
}

func TestRenderSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := state.Snapshot{
		Proxies: []state.ProxyView{{
			ID: 1, Key: "mockup", Name: "ora", Concurrency: 2,
			Instances: []state.InstanceView{{PID: 1000, State: "idle"}, {PID: 1001, State: "busy"}},
			Invoked:   12345, AvgMicros: 1500, MaxMicros: 4000,
		}},
		Transactions: []state.TransactionView{{
			XID: "1.7.1", Owner: 4242, Role: "root", Phase: "prepare", Outcome: "commit",
			Started:  now.Add(-3 * time.Minute).UnixMicro(),
			Branches: []state.BranchView{{Resource: 1, Stage: "prepared"}},
		}},
		Pending: state.PendingView{Replies: 2, Requests: 1},
	}

	buf := &bytes.Buffer{}
	RenderSnapshot(buf, snap, now)
	out := buf.String()

	assert.Contains(t, out, "RESOURCE")
	assert.Contains(t, out, "2/2 idle,busy")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "1.5ms")
	assert.Contains(t, out, "1:prepared")
	assert.Contains(t, out, "3 minutes ago")
	assert.Contains(t, out, "1 transactions, 2 queued replies, 1 queued requests")
	assert.NotContains(t, out, "not shown")

	snap.Omitted = 1500
	buf.Reset()
	RenderSnapshot(buf, snap, now)
	assert.Contains(t, buf.String(), "1,501 transactions")
	assert.Contains(t, buf.String(), "1,500 transactions not shown")
}
