package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/xa"
)

// ErrOpenFailed is returned by Run when the switch refused to open.
var ErrOpenFailed = errors.New("xa open failed")

// Config describes one proxy instance.
type Config struct {
	PID       int
	Resource  xa.ResourceID
	OpenInfo  string
	CloseInfo string
	Manager   ipc.Address
}

// Server is a running proxy instance.
type Server struct {
	cfg       Config
	transport ipc.Transport
	sw        Switch
	logger    *slog.Logger
}

// NewServer creates a proxy instance receiving on transport.
func NewServer(cfg Config, transport ipc.Transport, sw Switch, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		transport: transport,
		sw:        sw,
		logger:    logger.With("resource", cfg.Resource, "pid", cfg.PID),
	}
}

func (s *Server) process() ipc.Process {
	return ipc.Process{PID: s.cfg.PID, Address: s.transport.Address()}
}

// Run opens the resource, connects to the manager and serves requests in
// arrival order until a Shutdown message arrives or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	code := s.sw.Open(s.cfg.OpenInfo)
	connect := &message.Connect{Process: s.process(), Resource: s.cfg.Resource, State: code}
	if err := s.send(ctx, s.cfg.Manager, connect); err != nil {
		return fmt.Errorf("connect to %s: %w", s.cfg.Manager, err)
	}
	if code != xa.XA_OK {
		s.logger.Error("open failed", "state", code)
		return fmt.Errorf("%w: %s", ErrOpenFailed, code)
	}
	s.logger.Debug("proxy connected", "manager", s.cfg.Manager)

	for {
		payload, err := s.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.sw.Close(s.cfg.CloseInfo)
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		m, err := message.Decode(payload)
		if err != nil {
			s.logger.Warn("dropping undecodable message", "error", err)
			continue
		}

		switch m := m.(type) {
		case *message.ResourceRequest:
			reply := m.Reply(s.process(), s.handle(m))
			if err := s.send(ctx, m.Process.Address, reply); err != nil {
				return fmt.Errorf("reply %s to %s: %w", m.Op, m.Process.Address, err)
			}
		case *message.Shutdown:
			s.logger.Debug("proxy shutting down")
			s.sw.Close(s.cfg.CloseInfo)
			return nil
		default:
			s.logger.Warn("unexpected message", "kind", m.Kind())
		}
	}
}

func (s *Server) handle(m *message.ResourceRequest) xa.Code {
	var code xa.Code
	switch m.Op {
	case message.OpPrepare:
		code = s.sw.Prepare(m.XID, m.Flags)
	case message.OpCommit:
		code = s.sw.Commit(m.XID, m.Flags)
	case message.OpRollback:
		code = s.sw.Rollback(m.XID, m.Flags)
	default:
		code = xa.XAER_INVAL
	}
	s.logger.Debug("request served", "op", m.Op, "xid", m.XID, "flags", m.Flags, "state", code)
	return code
}

func (s *Server) send(ctx context.Context, to ipc.Address, m message.Message) error {
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}
	return ipc.SendBlocking(ctx, s.transport, to, payload)
}
