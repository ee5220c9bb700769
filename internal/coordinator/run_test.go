package coordinator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/coordinator"
	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/proxy"
	"github.com/roach88/txmon/internal/txlog"
	"github.com/roach88/txmon/internal/xa"
)

func TestRunCommitsAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub := ipc.NewHub()
	tm, err := hub.Endpoint("tm", 0)
	require.NoError(t, err)
	client, err := hub.Endpoint("client", 0)
	require.NoError(t, err)
	log, err := txlog.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	defer log.Close()

	spawner := proxy.NewInProcessSpawner(proxy.HubListener(hub), nil)
	c := coordinator.New(tm, log, spawner,
		coordinator.WithPID(1),
		coordinator.WithIntervals(time.Millisecond, 10*time.Millisecond),
		coordinator.WithProbe(func(int) bool { return true }),
	)
	c.Configure(ctx, []config.Resource{
		{Key: "mockup", Name: "a", Instances: 1},
		{Key: "mockup", Name: "b", Instances: 2},
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	me := ipc.Process{PID: 7, Address: client.Address()}
	send := func(m message.Message) {
		t.Helper()
		require.NoError(t, ipc.SendBlocking(ctx, client, tm.Address(), message.MustEncode(m)))
	}
	call := func(m message.Message) message.Message {
		t.Helper()
		send(m)
		payload, err := client.Receive(ctx)
		require.NoError(t, err)
		reply, err := message.Decode(payload)
		require.NoError(t, err)
		return reply
	}

	for range 3 {
		begin, ok := call(&message.BeginRequest{Process: me, XID: xa.Null()}).(*message.BeginReply)
		require.True(t, ok)
		require.Equal(t, xa.XA_OK, begin.State)

		send(&message.Involved{Process: me, XID: begin.XID, Resources: []xa.ResourceID{1, 2}})
		commit, ok := call(&message.CommitRequest{Process: me, XID: begin.XID}).(*message.CommitReply)
		require.True(t, ok)
		assert.Equal(t, xa.XA_OK, commit.State)
	}

	ack, ok := call(&message.Shutdown{Process: me}).(*message.Shutdown)
	require.True(t, ok)
	assert.Equal(t, tm.Address(), ack.Process.Address)

	require.NoError(t, <-done)
	spawner.Wait()

	n, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	hub := ipc.NewHub()
	tm, err := hub.Endpoint("tm", 0)
	require.NoError(t, err)
	log, err := txlog.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	defer log.Close()

	c := coordinator.New(tm, log, proxy.NewInProcessSpawner(proxy.HubListener(hub), nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
