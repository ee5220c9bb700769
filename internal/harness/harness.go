package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/txmon/internal/coordinator"
	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/testutil"
	"github.com/roach88/txmon/internal/txlog"
	"github.com/roach88/txmon/internal/xa"
)

// CallerPID is the pid of the simulated caller process.
const CallerPID = 4242

const callerTarget = "caller"

// Harness is the scenario execution engine.
type Harness struct {
	hub     *ipc.Hub
	tm      *ipc.Endpoint
	caller  ipc.Process
	inbox   *ipc.Endpoint
	spawner *testutil.Spawner
	clock   *testutil.DeterministicClock
	log     *txlog.Log
	c       *coordinator.Coordinator

	xids   map[string]xa.XID
	labels map[string]string
	// outstanding holds the requests each instance has not answered yet.
	outstanding map[int][]*message.ResourceRequest

	seq    int64
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory log and hub. Steps that
// cannot be carried out (a reply with no outstanding request, an unknown
// resource) fail the run with an error; assertion failures are reported in
// the result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	h, err := newHarness()
	if err != nil {
		return nil, err
	}
	defer h.close()

	h.c.Configure(ctx, scenario.Resources)
	if err := h.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect proxies: %w", err)
	}

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Do, err)
		}
		if err := h.c.Flush(ctx); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: flush: %w", i, step.Do, err)
		}
		if err := h.collect(); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Do, err)
		}
	}

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, h.state(ctx)) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness() (*Harness, error) {
	hub := ipc.NewHub()
	tm, err := hub.Endpoint("tm", 0)
	if err != nil {
		return nil, err
	}
	inbox, err := hub.Endpoint(callerTarget, 0)
	if err != nil {
		return nil, err
	}
	clock := testutil.NewDeterministicClock()
	log, err := txlog.Open(":memory:", txlog.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory log: %w", err)
	}

	h := &Harness{
		hub:         hub,
		tm:          tm,
		caller:      ipc.Process{PID: CallerPID, Address: inbox.Address()},
		inbox:       inbox,
		spawner:     testutil.NewSpawner(hub),
		clock:       clock,
		log:         log,
		xids:        make(map[string]xa.XID),
		labels:      make(map[string]string),
		outstanding: make(map[int][]*message.ResourceRequest),
		result:      NewResult(),
	}
	h.c = coordinator.New(tm, log, h.spawner,
		coordinator.WithPID(1),
		coordinator.WithClock(clock.Now),
		coordinator.WithGenerator(testutil.NewSequenceGenerator()),
		coordinator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), // Suppress logs in scenarios
		coordinator.WithProbe(func(int) bool { return true }),
	)
	return h, nil
}

func (h *Harness) close() {
	h.spawner.Close()
	h.log.Close()
	h.inbox.Close()
	h.tm.Close()
}

func (h *Harness) execute(ctx context.Context, s Step) error {
	switch s.Do {
	case StepBegin:
		if _, ok := h.xids[s.XID]; ok {
			return fmt.Errorf("xid label %q already used", s.XID)
		}
		xid := testutil.SeqXID(uint64(len(h.xids) + 1))
		h.xids[s.XID] = xid
		h.labels[xid.Global()] = s.XID
		h.step(TraceEvent{Action: s.Do, XID: s.XID})
		return h.c.Dispatch(ctx, &message.BeginRequest{Process: h.caller, XID: xid, Timeout: s.Timeout})

	case StepInvolve:
		xid, err := h.xid(s.XID)
		if err != nil {
			return err
		}
		ids := make([]xa.ResourceID, 0, len(s.Resources))
		for _, name := range s.Resources {
			p := h.c.Supervisor().Lookup(name)
			if p == nil {
				return fmt.Errorf("unknown resource %q", name)
			}
			ids = append(ids, p.ID)
		}
		h.step(TraceEvent{Action: s.Do, XID: s.XID, Target: joinNames(s.Resources)})
		return h.c.Dispatch(ctx, &message.Involved{Process: h.caller, XID: xid, Resources: ids})

	case StepCommit, StepRollback:
		xid, err := h.xid(s.XID)
		if err != nil {
			return err
		}
		h.step(TraceEvent{Action: s.Do, XID: s.XID})
		if s.Do == StepCommit {
			return h.c.Dispatch(ctx, &message.CommitRequest{Process: h.caller, XID: xid})
		}
		return h.c.Dispatch(ctx, &message.RollbackRequest{Process: h.caller, XID: xid})

	case StepReply:
		return h.reply(ctx, s)

	case StepScale:
		h.step(TraceEvent{Action: s.Do, Target: s.Resource, Instances: s.Instances})
		return h.c.Dispatch(ctx, &message.ScaleRequest{Process: h.caller, Name: s.Resource, Instances: s.Instances})

	case StepConnect:
		h.step(TraceEvent{Action: s.Do})
		return h.connect(ctx)

	case StepExit:
		if s.Resource == "" {
			h.step(TraceEvent{Action: s.Do, Target: callerTarget, PID: CallerPID})
			return h.c.Dispatch(ctx, &message.ProcessExit{PID: CallerPID, Status: 1})
		}
		inst, err := h.instance(s.Resource, s.Instance)
		if err != nil {
			return err
		}
		pid := inst.Process.PID
		h.step(TraceEvent{Action: s.Do, Target: s.Resource, PID: pid})
		delete(h.outstanding, pid)
		return h.c.Dispatch(ctx, &message.ProcessExit{PID: pid, Status: 9})

	case StepAdvance:
		h.clock.Advance(s.Advance)
		h.step(TraceEvent{Action: s.Do})
		return h.c.Tick(ctx)
	}
	return fmt.Errorf("unknown step %q", s.Do)
}

// reply answers the oldest outstanding request of an instance.
func (h *Harness) reply(ctx context.Context, s Step) error {
	inst, err := h.instance(s.Resource, s.Instance)
	if err != nil {
		return err
	}
	pid := inst.Process.PID
	queue := h.outstanding[pid]
	if len(queue) == 0 {
		return fmt.Errorf("%s instance %d has no outstanding request", s.Resource, s.Instance)
	}
	req := queue[0]
	h.outstanding[pid] = queue[1:]

	if s.Op != "" && req.Op.String() != s.Op {
		return fmt.Errorf("%s: outstanding request is %s, not %s", s.Resource, req.Op, s.Op)
	}
	code, err := xa.ParseCode(s.State)
	if err != nil {
		return err
	}
	h.step(TraceEvent{Action: s.Do, Target: s.Resource, PID: pid, XID: h.label(req.XID), Op: req.Op.String(), State: code.String()})
	return h.c.Dispatch(ctx, req.Reply(inst.Process, code))
}

// connect completes the handshake of every instance still starting.
func (h *Harness) connect(ctx context.Context) error {
	for _, p := range h.c.Supervisor().Proxies() {
		for _, inst := range p.Instances {
			if inst.State != state.InstanceStarted {
				continue
			}
			err := h.c.Dispatch(ctx, &message.Connect{Process: inst.Process, Resource: p.ID, State: xa.XA_OK})
			if err != nil {
				return err
			}
		}
	}
	return h.c.Flush(ctx)
}

// collect records every message delivered since the last step: the
// caller's first, then each instance's in pid order.
func (h *Harness) collect() error {
	if err := h.drain(h.inbox, callerTarget, 0); err != nil {
		return err
	}
	specs := h.spawner.Spawned()
	for i, spec := range specs {
		pid := 1000 + i
		ep := h.spawner.Endpoint(pid)
		if ep == nil {
			continue
		}
		if err := h.drain(ep, spec.Name, pid); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) drain(ep *ipc.Endpoint, target string, pid int) error {
	for {
		payload, ok, err := ep.TryReceive()
		if err != nil {
			return fmt.Errorf("receive at %s: %w", ep.Address(), err)
		}
		if !ok {
			return nil
		}
		m, err := message.Decode(payload)
		if err != nil {
			return fmt.Errorf("decode at %s: %w", ep.Address(), err)
		}
		h.message(target, pid, m)
	}
}

func (h *Harness) message(target string, pid int, m message.Message) {
	e := TraceEvent{Type: EventMessage, Action: m.Kind().String(), Target: target, PID: pid}
	switch m := m.(type) {
	case *message.ResourceRequest:
		h.outstanding[pid] = append(h.outstanding[pid], m)
		e.Action = m.Op.String()
		e.XID = h.label(m.XID)
		if m.Flags != xa.TMNOFLAGS {
			e.Flags = m.Flags.String()
		}
	case *message.BeginReply:
		e.XID, e.State = h.label(m.XID), m.State.String()
	case *message.CommitReply:
		e.XID, e.State = h.label(m.XID), m.State.String()
	case *message.RollbackReply:
		e.XID, e.State = h.label(m.XID), m.State.String()
	case *message.ScaleReply:
		e.Instances, e.Error = m.Instances, m.Error
	}
	h.seq++
	e.Seq = h.seq
	h.result.Trace = append(h.result.Trace, e)
}

func (h *Harness) step(e TraceEvent) {
	h.seq++
	e.Seq = h.seq
	e.Type = EventStep
	h.result.Trace = append(h.result.Trace, e)
}

func (h *Harness) xid(label string) (xa.XID, error) {
	xid, ok := h.xids[label]
	if !ok {
		return xa.XID{}, fmt.Errorf("xid %q was never begun", label)
	}
	return xid, nil
}

func (h *Harness) label(xid xa.XID) string {
	if l, ok := h.labels[xid.Global()]; ok {
		return l
	}
	return xid.String()
}

func (h *Harness) instance(name string, i int) (*state.Instance, error) {
	p := h.c.Supervisor().Lookup(name)
	if p == nil {
		return nil, fmt.Errorf("unknown resource %q", name)
	}
	if i < 0 || i >= len(p.Instances) {
		return nil, fmt.Errorf("%s has no instance %d", name, i)
	}
	return p.Instances[i], nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}

// state captures the tables final_state assertions query.
func (h *Harness) state(ctx context.Context) *State {
	s := &State{
		Log:          make(map[string]string),
		Transactions: h.c.Table().Len(),
		Instances:    make(map[string][]string),
		Terminated:   make(map[string]int),
	}
	for label, xid := range h.xids {
		e, ok, err := h.log.Select(ctx, xid)
		switch {
		case err != nil:
			s.Log[label] = "error: " + err.Error()
		case ok:
			s.Log[label] = e.State.String()
		}
	}
	for _, p := range h.c.Supervisor().Proxies() {
		states := make([]string, 0, len(p.Instances))
		for _, inst := range p.Instances {
			states = append(states, inst.State.String())
		}
		s.Instances[p.Name] = states
	}
	specs := h.spawner.Spawned()
	for _, pid := range h.spawner.Terminated() {
		if i := pid - 1000; i >= 0 && i < len(specs) {
			s.Terminated[specs[i].Name]++
		}
	}
	return s
}
