package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/supervisor"
)

// script writes an executable standing in for a proxy server.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func execFixture(t *testing.T) (*supervisor.ExecSpawner, *ipc.Endpoint) {
	t.Helper()
	hub := ipc.NewHub()
	tm, err := hub.Endpoint("tm", 0)
	require.NoError(t, err)
	notify, err := hub.Endpoint("notify", 0)
	require.NoError(t, err)
	sp, err := supervisor.NewExecSpawner(t.TempDir(), notify)
	require.NoError(t, err)
	return sp, tm
}

func awaitExit(t *testing.T, tm *ipc.Endpoint) *message.ProcessExit {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payload, err := tm.Receive(ctx)
	require.NoError(t, err)
	m, err := message.Decode(payload)
	require.NoError(t, err)
	exit, ok := m.(*message.ProcessExit)
	require.True(t, ok, "got %T", m)
	return exit
}

func TestExecSpawnerReportsExit(t *testing.T) {
	sp, tm := execFixture(t)
	spec := supervisor.Spec{Resource: 1, Key: "mockup", Name: "ora", Manager: tm.Address(), Server: script(t, "exit 3")}

	proc, err := sp.Spawn(context.Background(), spec)
	require.NoError(t, err)
	assert.Positive(t, proc.PID)
	assert.Contains(t, string(proc.Address), "proxy-ora-")

	exit := awaitExit(t, tm)
	assert.Equal(t, proc.PID, exit.PID)
	assert.Equal(t, 3, exit.Status)

	assert.Error(t, sp.Terminate(proc.PID), "a reaped child is no longer ours")
}

func TestExecSpawnerTerminate(t *testing.T) {
	sp, tm := execFixture(t)
	spec := supervisor.Spec{Resource: 1, Key: "mockup", Name: "ora", Manager: tm.Address(), Server: script(t, "exec sleep 30")}

	proc, err := sp.Spawn(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, sp.Terminate(proc.PID))

	exit := awaitExit(t, tm)
	assert.Equal(t, proc.PID, exit.PID)
	assert.Equal(t, -1, exit.Status, "killed by a signal")
}

func TestExecSpawnerStartFailure(t *testing.T) {
	sp, tm := execFixture(t)
	spec := supervisor.Spec{Resource: 1, Key: "mockup", Name: "ora", Manager: tm.Address(), Server: filepath.Join(t.TempDir(), "missing")}

	_, err := sp.Spawn(context.Background(), spec)
	assert.Error(t, err)
}
