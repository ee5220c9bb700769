// Package supervisor keeps the resource proxy pools at their configured
// size and hands branch requests to idle proxy instances.
//
// A Supervisor belongs to the coordinator's event loop. It never blocks on
// a proxy: sends are non-blocking and a failed shutdown request is left in
// the pending reply queue for the loop to retry.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/pending"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/xa"
)

// ErrUnknownResource is returned by Scale for names that are not
// configured.
var ErrUnknownResource = errors.New("unknown resource")

// Spec describes the proxy instance a Spawner should start.
type Spec struct {
	Resource  xa.ResourceID
	Key       string
	Name      string
	OpenInfo  string
	CloseInfo string
	Server    string

	// Manager is the coordinator address the proxy connects back to.
	Manager ipc.Address
}

// Spawner starts and kills proxy processes.
type Spawner interface {
	// Spawn starts an instance and returns its handle. The instance must
	// send message.Connect to spec.Manager once its resource is open, and
	// its termination must be reported as message.ProcessExit.
	Spawn(ctx context.Context, spec Spec) (ipc.Process, error)

	// Terminate kills an instance that has not connected yet.
	Terminate(pid int) error
}

// Supervisor owns the proxy pools.
type Supervisor struct {
	sender  ipc.Sender
	self    ipc.Address
	spawner Spawner
	replies *pending.Queue[pending.Reply]

	proxies []*state.Proxy
	nextID  xa.ResourceID

	now    func() time.Time
	alive  func(pid int) bool
	logger *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the clock used for instance and statistics timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithProbe replaces the process liveness probe.
func WithProbe(alive func(pid int) bool) Option {
	return func(s *Supervisor) { s.alive = alive }
}

// New creates a Supervisor. Proxies connect back to self; shutdown requests
// that cannot be sent right away are pushed onto replies.
func New(sender ipc.Sender, self ipc.Address, spawner Spawner, replies *pending.Queue[pending.Reply], opts ...Option) *Supervisor {
	s := &Supervisor{
		sender:  sender,
		self:    self,
		spawner: spawner,
		replies: replies,
		nextID:  1,
		now:     time.Now,
		alive:   Alive,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Proxies returns the configured groups in configuration order.
func (s *Supervisor) Proxies() []*state.Proxy {
	return s.proxies
}

// Proxy returns the group with the given id, or nil.
func (s *Supervisor) Proxy(id xa.ResourceID) *state.Proxy {
	for _, p := range s.proxies {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Lookup returns the group with the given name, or nil.
func (s *Supervisor) Lookup(name string) *state.Proxy {
	name = config.NormalizeKey(name)
	for _, p := range s.proxies {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Configure applies a resource configuration. New names get a fresh id,
// known names keep theirs and take the new settings, names that disappeared
// are scaled to zero. Every group is reconciled afterwards.
func (s *Supervisor) Configure(ctx context.Context, resources []config.Resource) error {
	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		name := config.NormalizeKey(r.Name)
		if name == "" {
			name = config.NormalizeKey(r.Key)
		}
		seen[name] = true

		p := s.Lookup(name)
		if p == nil {
			p = &state.Proxy{ID: s.nextID, Name: name}
			s.nextID++
			s.proxies = append(s.proxies, p)
			s.logger.Info("resource configured", "resource", p.ID, "name", name, "key", r.Key, "instances", r.Instances)
		} else if p.Concurrency != r.Instances {
			s.logger.Info("resource reconfigured", "resource", p.ID, "name", name, "from", p.Concurrency, "to", r.Instances)
		}
		p.Key = config.NormalizeKey(r.Key)
		p.OpenInfo = r.OpenInfo
		p.CloseInfo = r.CloseInfo
		p.Server = r.Server
		p.Concurrency = max(r.Instances, 0)
	}
	for _, p := range s.proxies {
		if !seen[p.Name] && p.Concurrency != 0 {
			s.logger.Info("resource removed", "resource", p.ID, "name", p.Name)
			p.Concurrency = 0
		}
	}
	return s.ReconcileAll(ctx)
}

// Scale sets the desired instance count of the named group and reconciles
// it.
func (s *Supervisor) Scale(ctx context.Context, name string, instances int) error {
	if instances < 0 {
		return fmt.Errorf("scale %s: instances must not be negative, got %d", name, instances)
	}
	p := s.Lookup(name)
	if p == nil {
		return fmt.Errorf("scale %s: %w", name, ErrUnknownResource)
	}
	s.logger.Info("scale", "resource", p.ID, "name", p.Name, "from", p.Concurrency, "to", instances)
	p.Concurrency = instances
	return s.Reconcile(ctx, p)
}

// ScaleAll sets every group to instances and reconciles.
func (s *Supervisor) ScaleAll(ctx context.Context, instances int) error {
	for _, p := range s.proxies {
		p.Concurrency = instances
	}
	return s.ReconcileAll(ctx)
}

// ReconcileAll reconciles every group, collecting spawn failures.
func (s *Supervisor) ReconcileAll(ctx context.Context) error {
	var errs []error
	for _, p := range s.proxies {
		if err := s.Reconcile(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reconcile brings the number of running instances of p to its
// concurrency. Missing instances are spawned in state started. Surplus
// instances are taken newest first: started ones are killed, idle and busy
// ones are asked to shut down after their current request.
func (s *Supervisor) Reconcile(ctx context.Context, p *state.Proxy) error {
	running := p.Running()
	delta := p.Concurrency - len(running)

	switch {
	case delta > 0:
		var errs []error
		for range delta {
			if err := s.spawn(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	case delta < 0:
		surplus := running[len(running)+delta:]
		for i := len(surplus) - 1; i >= 0; i-- {
			s.retire(surplus[i])
		}
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, p *state.Proxy) error {
	proc, err := s.spawner.Spawn(ctx, Spec{
		Resource:  p.ID,
		Key:       p.Key,
		Name:      p.Name,
		OpenInfo:  p.OpenInfo,
		CloseInfo: p.CloseInfo,
		Server:    p.Server,
		Manager:   s.self,
	})
	if err != nil {
		s.logger.Error("spawn failed", "resource", p.ID, "name", p.Name, "error", err)
		return fmt.Errorf("spawn %s: %w", p.Name, err)
	}
	p.Instances = append(p.Instances, &state.Instance{
		Resource: p.ID,
		Process:  proc,
		State:    state.InstanceStarted,
		Started:  s.now(),
	})
	s.logger.Debug("instance spawned", "resource", p.ID, "pid", proc.PID, "address", proc.Address)
	return nil
}

func (s *Supervisor) retire(inst *state.Instance) {
	switch inst.State {
	case state.InstanceStarted:
		if err := s.spawner.Terminate(inst.Process.PID); err != nil {
			s.logger.Warn("terminate failed", "pid", inst.Process.PID, "error", err)
		}
		s.logger.Debug("instance killed", "resource", inst.Resource, "pid", inst.Process.PID)

	case state.InstanceIdle, state.InstanceBusy:
		payload := message.MustEncode(&message.Shutdown{Process: ipc.Process{Address: s.self}})
		ok, err := s.sender.Send(inst.Process.Address, payload)
		if err != nil {
			s.logger.Warn("shutdown send failed", "pid", inst.Process.PID, "error", err)
		}
		if !ok && err == nil {
			s.replies.Push(pending.Reply{Target: inst.Process, Payload: payload, Queued: s.now()})
		}
		s.logger.Debug("instance shutdown requested", "resource", inst.Resource, "pid", inst.Process.PID, "queued", !ok)
	}
	inst.State = state.InstanceShutdown
}

// Idle returns the first idle instance of the group, or nil.
func (s *Supervisor) Idle(id xa.ResourceID) *state.Instance {
	p := s.Proxy(id)
	if p == nil {
		return nil
	}
	return p.Idle()
}

// Dispatch sends payload to inst without blocking. On success the instance
// becomes busy; on backpressure nothing changes and false is returned.
func (s *Supervisor) Dispatch(inst *state.Instance, payload []byte) (bool, error) {
	ok, err := s.sender.Send(inst.Process.Address, payload)
	if err != nil || !ok {
		return false, err
	}
	inst.State = state.InstanceBusy
	inst.Metrics.LastRequest = s.now()
	inst.Metrics.Requests++
	return true, nil
}

// Connected completes an instance's handshake: XA_OK makes it idle, any
// other code marks it startup_error. Handshakes from unknown pids are
// rejected.
func (s *Supervisor) Connected(m *message.Connect) (*state.Instance, error) {
	inst := s.instance(m.Process.PID)
	if inst == nil {
		return nil, fmt.Errorf("connect from unknown pid %d", m.Process.PID)
	}
	if m.Process.Address != "" {
		inst.Process.Address = m.Process.Address
	}
	if inst.State != state.InstanceStarted {
		return inst, nil
	}
	if m.State != xa.XA_OK {
		inst.State = state.InstanceStartupError
		s.logger.Error("instance failed to open resource", "resource", inst.Resource, "pid", inst.Process.PID, "state", m.State)
		return inst, nil
	}
	inst.State = state.InstanceIdle
	s.logger.Debug("instance connected", "resource", inst.Resource, "pid", inst.Process.PID)
	return inst, nil
}

// Done records that the instance answered its request: busy instances go
// back to idle and the round trip is added to the group's statistics.
func (s *Supervisor) Done(pid int) *state.Instance {
	inst := s.instance(pid)
	if inst == nil {
		return nil
	}
	if !inst.Metrics.LastRequest.IsZero() {
		if p := s.Proxy(inst.Resource); p != nil {
			p.Statistics.Add(s.now().Sub(inst.Metrics.LastRequest))
		}
	}
	if inst.State == state.InstanceBusy {
		inst.State = state.InstanceIdle
	}
	return inst
}

// Exited removes the instance with pid and returns it, nil when the pid is
// not an instance. The caller decides whether to reconcile: an instance
// that failed its handshake is not replaced automatically.
func (s *Supervisor) Exited(pid int) (*state.Instance, *state.Proxy) {
	for _, p := range s.proxies {
		if inst := p.Remove(pid); inst != nil {
			s.logger.Debug("instance exited", "resource", p.ID, "pid", pid, "state", inst.State)
			return inst, p
		}
	}
	return nil, nil
}

// Ready reports whether every group that should run has an idle or busy
// instance.
func (s *Supervisor) Ready() bool {
	for _, p := range s.proxies {
		if p.Concurrency == 0 {
			continue
		}
		ready := false
		for _, inst := range p.Instances {
			if inst.State == state.InstanceIdle || inst.State == state.InstanceBusy {
				ready = true
				break
			}
		}
		if !ready {
			return false
		}
	}
	return true
}

// Live reports whether the process is still running.
func (s *Supervisor) Live(pid int) bool {
	return s.alive(pid)
}

// Instances returns the number of instances not yet reaped, including
// those shutting down.
func (s *Supervisor) Instances() int {
	n := 0
	for _, p := range s.proxies {
		n += len(p.Instances)
	}
	return n
}

func (s *Supervisor) instance(pid int) *state.Instance {
	for _, p := range s.proxies {
		if inst := p.Instance(pid); inst != nil {
			return inst
		}
	}
	return nil
}
