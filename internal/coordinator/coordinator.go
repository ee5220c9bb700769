// Package coordinator is the transaction manager's event loop.
//
// A Coordinator owns the transaction table, the proxy pools (through a
// supervisor), the transaction log and the pending queues. It receives
// every message on one transport and handles them one at a time in Run:
//
//	receive -> handle -> handle up to Batch more without blocking
//	        -> flush the log -> release persistent replies and requests
//	        -> drain pending queues -> check timeouts
//
// Persistent messages are those whose meaning depends on a log write made
// while handling: a begin reply, a phase-two request after a decision. They
// are held until the log batch commits and dropped if it fails.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/metrics"
	"github.com/roach88/txmon/internal/pending"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/supervisor"
	"github.com/roach88/txmon/internal/txlog"
	"github.com/roach88/txmon/internal/xa"
)

const (
	// DefaultBatch bounds the messages handled before a forced flush.
	DefaultBatch = 100
	// DefaultRetryInterval is the longest wait while pending messages exist.
	DefaultRetryInterval = 10 * time.Millisecond
	// DefaultTickInterval is the longest wait while deadlines are armed.
	DefaultTickInterval = time.Second
	// DefaultBranchTimeout fails branch requests left unanswered this long.
	DefaultBranchTimeout = 30 * time.Second
)

// ErrDurability wraps log failures. They stop the coordinator: no reply
// that depends on the failed write may leave the process.
var ErrDurability = errors.New("transaction log failure")

// Coordinator is the single-writer transaction manager.
//
// CRITICAL: Run, Dispatch, Flush and Tick must be called from one goroutine.
type Coordinator struct {
	transport ipc.Transport
	self      ipc.Process
	log       *txlog.Log
	table     *state.Table
	sup       *supervisor.Supervisor

	replies  pending.Queue[pending.Reply]
	requests pending.Queue[pending.Request]

	// Held until the current log batch commits.
	persistentReplies  []pending.Reply
	persistentRequests []pending.Request

	batch         int
	retryInterval time.Duration
	tickInterval  time.Duration
	branchTimeout time.Duration
	manager       ipc.Address
	readySent     bool
	replyLimit    int

	draining   bool
	scaledDown bool
	stoppers   []ipc.Process

	now       func() time.Time
	generator xa.Generator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	supervisorOpts []supervisor.Option
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBatch sets the number of messages handled between forced flushes.
func WithBatch(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batch = n
		}
	}
}

// WithClock sets the clock used for deadlines, timeouts and log rows.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithGenerator sets the generator for XIDs of begin requests that carry
// the null XID.
func WithGenerator(g xa.Generator) Option {
	return func(c *Coordinator) { c.generator = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithBranchTimeout sets how long a branch request may stay unanswered.
// Zero disables branch timeouts.
func WithBranchTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.branchTimeout = d }
}

// WithIntervals sets the receive waits used while pending messages exist
// and while deadlines are armed.
func WithIntervals(retry, tick time.Duration) Option {
	return func(c *Coordinator) {
		if retry > 0 {
			c.retryInterval = retry
		}
		if tick > 0 {
			c.tickInterval = tick
		}
	}
}

// WithManager sets the domain manager address told once every proxy group
// has a connected instance.
func WithManager(addr ipc.Address) Option {
	return func(c *Coordinator) { c.manager = addr }
}

// WithReplyLimit sets the largest encoded state reply. Transactions are
// left out of snapshots that would not fit.
func WithReplyLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.replyLimit = n
		}
	}
}

// WithPID sets the pid stamped on outbound messages.
func WithPID(pid int) Option {
	return func(c *Coordinator) { c.self.PID = pid }
}

// WithProbe replaces the process liveness probe used to discard replies
// to dead processes.
func WithProbe(alive func(pid int) bool) Option {
	return func(c *Coordinator) {
		c.supervisorOpts = append(c.supervisorOpts, supervisor.WithProbe(alive))
	}
}

// New creates a Coordinator receiving on transport, logging to log and
// spawning proxies with spawner.
func New(transport ipc.Transport, log *txlog.Log, spawner supervisor.Spawner, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:     transport,
		self:          ipc.Process{PID: os.Getpid(), Address: transport.Address()},
		log:           log,
		table:         state.NewTable(),
		batch:         DefaultBatch,
		retryInterval: DefaultRetryInterval,
		tickInterval:  DefaultTickInterval,
		branchTimeout: DefaultBranchTimeout,
		replyLimit:    ipc.MaxDatagram,
		now:           time.Now,
		generator:     xa.UUIDGenerator{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	supOpts := append([]supervisor.Option{
		supervisor.WithClock(c.now),
		supervisor.WithLogger(c.logger),
	}, c.supervisorOpts...)
	c.sup = supervisor.New(transport, transport.Address(), spawner, &c.replies, supOpts...)
	return c
}

// Table returns the transaction table. Only for inspection from the loop
// goroutine.
func (c *Coordinator) Table() *state.Table {
	return c.table
}

// Supervisor returns the proxy supervisor.
func (c *Coordinator) Supervisor() *supervisor.Supervisor {
	return c.sup
}

// Configure applies the initial resource configuration. Spawn failures are
// logged; the pools are retried on the next reconfiguration or scale.
func (c *Coordinator) Configure(ctx context.Context, resources []config.Resource) {
	if err := c.sup.Configure(ctx, resources); err != nil {
		c.logger.Error("configure resources", "error", err)
	}
}

// Snapshot returns the introspection view of the coordinator.
func (c *Coordinator) Snapshot() state.Snapshot {
	return state.Snapshot{
		Transactions: c.table.View(),
		Proxies:      state.ViewProxies(c.sup.Proxies()),
		Pending: state.PendingView{
			Replies:  c.replies.Len(),
			Requests: c.requests.Len(),
		},
	}
}

// Run processes messages until ctx is done, a Shutdown request completes
// or the log fails. Log failures are returned wrapped in ErrDurability.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("transaction manager starting", "address", c.self.Address, "pid", c.self.PID)

	for {
		payload, ok, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("transaction manager stopping: context cancelled")
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}

		for n := 1; ok; n++ {
			if err := c.handlePayload(ctx, payload); err != nil {
				return err
			}
			if n >= c.batch {
				break
			}
			payload, ok, err = c.transport.TryReceive()
			if err != nil {
				return fmt.Errorf("receive: %w", err)
			}
		}

		if err := c.Flush(ctx); err != nil {
			return err
		}
		if err := c.Tick(ctx); err != nil {
			return err
		}

		if c.stopped(ctx) {
			if err := c.Flush(ctx); err != nil {
				return err
			}
			c.logger.Info("transaction manager stopped")
			return nil
		}
	}
}

func (c *Coordinator) receive(ctx context.Context) ([]byte, bool, error) {
	wait := c.wait()
	if wait == 0 {
		return c.transport.TryReceive()
	}
	rctx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	payload, err := c.transport.Receive(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

// wait returns how long receive may block: zero for not at all, negative
// for indefinitely.
func (c *Coordinator) wait() time.Duration {
	switch {
	case c.log.Dirty(), len(c.persistentReplies) > 0, len(c.persistentRequests) > 0:
		return 0
	case c.draining:
		return c.retryInterval
	case c.replies.Len() > 0, c.requests.Len() > 0:
		return c.retryInterval
	case c.armed():
		return c.tickInterval
	}
	return -1
}

// armed reports whether some deadline or branch timeout can still fire.
func (c *Coordinator) armed() bool {
	for _, tx := range c.table.All() {
		if !tx.Deadline.IsZero() && tx.Phase == state.PhaseActive && !tx.Decided() {
			return true
		}
		if c.branchTimeout > 0 && tx.InFlight() {
			return true
		}
	}
	return false
}

func (c *Coordinator) handlePayload(ctx context.Context, payload []byte) error {
	m, err := message.Decode(payload)
	if err != nil {
		c.logger.Warn("dropping undecodable message", "error", err, "bytes", len(payload))
		return nil
	}
	return c.Dispatch(ctx, m)
}

// Dispatch handles one message. Protocol errors are answered to the sender;
// the returned error is always fatal.
//
// CRITICAL: Called only from the loop goroutine.
func (c *Coordinator) Dispatch(ctx context.Context, m message.Message) error {
	c.logger.Debug("message received", "kind", m.Kind())

	switch m := m.(type) {
	case *message.BeginRequest:
		return c.begin(ctx, m)
	case *message.Involved:
		c.involved(m)
		return nil
	case *message.DomainInvolved:
		c.domainInvolved(m)
		return nil
	case *message.CommitRequest:
		return c.commit(ctx, m)
	case *message.RollbackRequest:
		return c.rollback(ctx, m)
	case *message.ResourceReply:
		return c.branchReply(ctx, m)
	case *message.ResourceRequest:
		if !m.Domain {
			c.logger.Warn("resource request addressed to the transaction manager", "op", m.Op, "from", m.Process.Address)
			return nil
		}
		return c.domainRequest(ctx, m)
	case *message.Connect:
		c.connected(m)
		return nil
	case *message.ProcessExit:
		return c.exited(ctx, m)
	case *message.Configure:
		if err := c.sup.Configure(ctx, m.Resources); err != nil {
			c.logger.Error("reconfigure resources", "error", err)
		}
		return nil
	case *message.ScaleRequest:
		c.scale(ctx, m)
		return nil
	case *message.StateRequest:
		c.reply(m.Process, c.stateReply())
		return nil
	case *message.Shutdown:
		c.shutdown(m)
		return nil
	}

	c.logger.Warn("unexpected message", "kind", m.Kind())
	return nil
}

// Flush commits the log batch, then releases the persistent messages and
// drains the pending queues.
//
// CRITICAL: Called only from the loop goroutine.
func (c *Coordinator) Flush(ctx context.Context) error {
	if c.log.Dirty() {
		start := time.Now()
		writes := c.log.Writes()
		if err := c.log.Commit(); err != nil {
			c.persistentReplies = nil
			c.persistentRequests = nil
			_ = c.log.Rollback()
			c.logger.Error("log flush failed", "writes", writes, "error", err)
			return fmt.Errorf("%w: %w", ErrDurability, err)
		}
		c.metrics.Flushed(time.Since(start))
		c.logger.Debug("log flushed", "writes", writes)
	}

	for _, r := range c.persistentReplies {
		if c.tryReply(r) == pending.Retry {
			c.replies.Push(r)
		}
	}
	c.persistentReplies = nil
	for _, r := range c.persistentRequests {
		if c.trySend(r) == pending.Retry {
			c.requests.Push(r)
		}
	}
	c.persistentRequests = nil

	c.replies.Drain(c.tryReply)
	c.requests.Drain(c.trySend)

	c.sample()
	c.checkReady()
	return nil
}

func (c *Coordinator) sample() {
	if c.metrics == nil {
		return
	}
	instances := make(map[string]map[string]int)
	for _, p := range c.sup.Proxies() {
		counts := make(map[string]int)
		for _, inst := range p.Instances {
			counts[inst.State.String()]++
		}
		instances[p.Name] = counts
	}
	c.metrics.Set(metrics.Gauges{
		Transactions:    c.table.Len(),
		PendingReplies:  c.replies.Len(),
		PendingRequests: c.requests.Len(),
		Instances:       instances,
	})
}

// durable wraps a log error as fatal.
func durable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDurability, err)
}
