package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
)

// ExecSpawner starts proxy instances as child processes running
// `<server> proxy ...`. Each child binds a unix socket under SocketDir.
//
// Exits are observed by a goroutine per child and reported to the
// coordinator as message.ProcessExit through Notify, so the event loop sees
// them like any other message.
type ExecSpawner struct {
	// Executable is used when a resource has no server configured.
	Executable string
	SocketDir  string
	Notify     ipc.Sender
	Logger     *slog.Logger

	mu       sync.Mutex
	children map[int]*exec.Cmd

	// sendMu serializes exit reports on Notify.
	sendMu sync.Mutex
}

var _ Spawner = (*ExecSpawner)(nil)

// NewExecSpawner creates a spawner that re-executes the running binary
// unless a resource names its own server.
func NewExecSpawner(socketDir string, notify ipc.Sender) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecSpawner{
		Executable: exe,
		SocketDir:  socketDir,
		Notify:     notify,
		Logger:     slog.Default(),
		children:   make(map[int]*exec.Cmd),
	}, nil
}

// Spawn implements Spawner. The child outlives ctx; it is stopped through
// the protocol or Terminate.
func (e *ExecSpawner) Spawn(_ context.Context, spec Spec) (ipc.Process, error) {
	server := spec.Server
	if server == "" {
		server = e.Executable
	}
	addr := ipc.Address(filepath.Join(e.SocketDir, fmt.Sprintf("proxy-%s-%s.sock", spec.Name, xid.New())))

	cmd := exec.Command(server, "proxy",
		"--manager", string(spec.Manager),
		"--address", string(addr),
		"--resource", strconv.Itoa(int(spec.Resource)),
		"--key", spec.Key,
		"--openinfo", spec.OpenInfo,
		"--closeinfo", spec.CloseInfo,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return ipc.Process{}, fmt.Errorf("start %s: %w", server, err)
	}

	pid := cmd.Process.Pid
	e.mu.Lock()
	e.children[pid] = cmd
	e.mu.Unlock()

	go e.wait(pid, cmd, spec.Manager)
	return ipc.Process{PID: pid, Address: addr}, nil
}

func (e *ExecSpawner) wait(pid int, cmd *exec.Cmd, manager ipc.Address) {
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		e.Logger.Warn("wait for proxy failed", "pid", pid, "error", err)
	}
	status := exitStatus(cmd.ProcessState, err)

	e.mu.Lock()
	delete(e.children, pid)
	e.mu.Unlock()

	payload := message.MustEncode(&message.ProcessExit{PID: pid, Status: status})
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := ipc.SendBlocking(context.Background(), e.Notify, manager, payload); err != nil {
		e.Logger.Error("report proxy exit failed", "pid", pid, "error", err)
	}
}

// exitStatus is the status reported for a child whose Wait returned err.
// A child that could not be waited for reports -1, like a killed one.
func exitStatus(ps *os.ProcessState, err error) int {
	if err == nil {
		return 0
	}
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}

// Terminate implements Spawner.
func (e *ExecSpawner) Terminate(pid int) error {
	e.mu.Lock()
	_, ok := e.children[pid]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminate %d: not a child", pid)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	return nil
}
