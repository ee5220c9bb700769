package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/supervisor"
)

// Spawner is a recording supervisor.Spawner. Each spawned instance gets a
// pid counting up from 1000 and, when Hub is set, a mailbox on the hub so
// tests can read what the coordinator sends it and answer by hand.
type Spawner struct {
	Hub *ipc.Hub
	// Err, when set, is returned by every Spawn.
	Err error

	mu         sync.Mutex
	next       int
	spawned    []supervisor.Spec
	endpoints  map[int]*ipc.Endpoint
	terminated []int
}

var _ supervisor.Spawner = (*Spawner)(nil)

// NewSpawner creates a Spawner whose instances live on hub (nil for none).
func NewSpawner(hub *ipc.Hub) *Spawner {
	return &Spawner{Hub: hub, next: 1000, endpoints: make(map[int]*ipc.Endpoint)}
}

// Spawn implements supervisor.Spawner.
func (s *Spawner) Spawn(_ context.Context, spec supervisor.Spec) (ipc.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return ipc.Process{}, s.Err
	}
	pid := s.next
	s.next++
	proc := ipc.Process{PID: pid, Address: ipc.Address(fmt.Sprintf("proxy-%d", pid))}
	if s.Hub != nil {
		ep, err := s.Hub.Endpoint(proc.Address, ipc.DefaultCapacity)
		if err != nil {
			return ipc.Process{}, err
		}
		s.endpoints[pid] = ep
	}
	s.spawned = append(s.spawned, spec)
	return proc, nil
}

// Terminate implements supervisor.Spawner. It closes the instance's
// mailbox.
func (s *Spawner) Terminate(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = append(s.terminated, pid)
	if ep, ok := s.endpoints[pid]; ok {
		ep.Close()
		delete(s.endpoints, pid)
	}
	return nil
}

// Spawned returns the specs passed to Spawn, in order.
func (s *Spawner) Spawned() []supervisor.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]supervisor.Spec(nil), s.spawned...)
}

// Terminated returns the pids passed to Terminate, in order.
func (s *Spawner) Terminated() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.terminated...)
}

// Endpoint returns the mailbox of instance pid, nil when it has none.
func (s *Spawner) Endpoint(pid int) *ipc.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[pid]
}

// Close closes every remaining mailbox.
func (s *Spawner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, ep := range s.endpoints {
		ep.Close()
		delete(s.endpoints, pid)
	}
}
