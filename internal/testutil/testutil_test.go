package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/supervisor"
)

func TestSequenceGenerator_CountsUp(t *testing.T) {
	gen := NewSequenceGenerator()

	first := gen.Generate()
	second := gen.Generate()

	assert.True(t, first.Equal(SeqXID(1)))
	assert.True(t, second.Equal(SeqXID(2)))
	assert.NoError(t, first.Validate())
	assert.NotEqual(t, first.Global(), second.Global())
}

func TestSequenceGenerator_Deterministic(t *testing.T) {
	a := NewSequenceGenerator()
	b := NewSequenceGenerator()
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Generate().String(), b.Generate().String())
	}
}

func TestSpawner_RecordsAndRegisters(t *testing.T) {
	hub := ipc.NewHub()
	s := NewSpawner(hub)
	defer s.Close()

	proc, err := s.Spawn(context.Background(), supervisor.Spec{Resource: 1, Name: "ora"})
	require.NoError(t, err)
	assert.Equal(t, 1000, proc.PID)
	assert.Equal(t, ipc.Address("proxy-1000"), proc.Address)
	assert.True(t, hub.Registered(proc.Address))
	require.Len(t, s.Spawned(), 1)
	assert.Equal(t, "ora", s.Spawned()[0].Name)

	require.NoError(t, s.Terminate(proc.PID))
	assert.Equal(t, []int{1000}, s.Terminated())
	assert.False(t, hub.Registered(proc.Address))
	assert.Nil(t, s.Endpoint(proc.PID))
}

func TestSpawner_Err(t *testing.T) {
	s := NewSpawner(nil)
	s.Err = errors.New("no fork")

	_, err := s.Spawn(context.Background(), supervisor.Spec{})
	assert.EqualError(t, err, "no fork")
	assert.Empty(t, s.Spawned())
}
