package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/rs/xid"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/supervisor"
)

// Listener binds a transport for a new in-process instance.
type Listener func(name string) (ipc.Transport, error)

// HubListener binds instances as mailboxes on hub.
func HubListener(hub *ipc.Hub) Listener {
	return func(name string) (ipc.Transport, error) {
		ep, err := hub.Endpoint(ipc.Address(name), ipc.DefaultCapacity)
		if err != nil {
			return nil, err
		}
		return ep, nil
	}
}

// UnixListener binds instances as unix sockets under dir.
func UnixListener(dir string) Listener {
	return func(name string) (ipc.Transport, error) {
		ep, err := ipc.ListenUnix(filepath.Join(dir, name+".sock"))
		if err != nil {
			return nil, err
		}
		return ep, nil
	}
}

// InProcessSpawner runs proxy instances as goroutines. Each instance gets a
// synthetic pid and reports its own exit as message.ProcessExit before
// releasing its transport.
type InProcessSpawner struct {
	listen Listener
	logger *slog.Logger

	mu      sync.Mutex
	nextPID int
	cancels map[int]context.CancelFunc
	wg      sync.WaitGroup
}

var _ supervisor.Spawner = (*InProcessSpawner)(nil)

// NewInProcessSpawner creates a spawner binding instances with listen.
func NewInProcessSpawner(listen Listener, logger *slog.Logger) *InProcessSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessSpawner{
		listen:  listen,
		logger:  logger,
		nextPID: 1 << 20,
		cancels: make(map[int]context.CancelFunc),
	}
}

// Spawn implements supervisor.Spawner. The instance runs until it is shut
// down through the protocol, Terminate is called or ctx is done.
func (s *InProcessSpawner) Spawn(ctx context.Context, spec supervisor.Spec) (ipc.Process, error) {
	sw, err := NewSwitch(spec.Key)
	if err != nil {
		return ipc.Process{}, err
	}
	transport, err := s.listen(fmt.Sprintf("proxy-%s-%s", spec.Name, xid.New()))
	if err != nil {
		return ipc.Process{}, fmt.Errorf("bind proxy: %w", err)
	}

	s.mu.Lock()
	pid := s.nextPID
	s.nextPID++
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancels[pid] = cancel
	s.mu.Unlock()

	srv := NewServer(Config{
		PID:       pid,
		Resource:  spec.Resource,
		OpenInfo:  spec.OpenInfo,
		CloseInfo: spec.CloseInfo,
		Manager:   spec.Manager,
	}, transport, sw, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		status := 0
		if err := srv.Run(runCtx); err != nil {
			s.logger.Warn("proxy stopped", "pid", pid, "error", err)
			status = 1
		}

		s.mu.Lock()
		delete(s.cancels, pid)
		s.mu.Unlock()
		cancel()

		exit := message.MustEncode(&message.ProcessExit{PID: pid, Status: status})
		if err := ipc.SendBlocking(ctx, transport, spec.Manager, exit); err != nil {
			s.logger.Debug("exit not reported", "pid", pid, "error", err)
		}
		transport.Close()
	}()

	return ipc.Process{PID: pid, Address: transport.Address()}, nil
}

// Terminate implements supervisor.Spawner.
func (s *InProcessSpawner) Terminate(pid int) error {
	s.mu.Lock()
	cancel, ok := s.cancels[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminate %d: no such instance", pid)
	}
	cancel()
	return nil
}

// Wait blocks until every instance has returned.
func (s *InProcessSpawner) Wait() {
	s.wg.Wait()
}
