package coordinator

import (
	"errors"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/pending"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/xa"
)

// reply sends m to a process now, queueing it when the send would block.
func (c *Coordinator) reply(to ipc.Process, m message.Message) {
	r := pending.Reply{Target: to, Payload: message.MustEncode(m), Queued: c.now()}
	if c.tryReply(r) == pending.Retry {
		c.replies.Push(r)
	}
}

// replyPersistent holds m until the current log batch commits.
func (c *Coordinator) replyPersistent(to ipc.Process, m message.Message) {
	c.persistentReplies = append(c.persistentReplies, pending.Reply{
		Target:  to,
		Payload: message.MustEncode(m),
		Queued:  c.now(),
	})
}

// tryReply attempts one non-blocking send. A reply to an unreachable
// process is discarded once the process is confirmed gone.
func (c *Coordinator) tryReply(r pending.Reply) pending.Result {
	ok, err := c.transport.Send(r.Target.Address, r.Payload)
	switch {
	case ok:
		return pending.Sent
	case err == nil:
		return pending.Retry
	case errors.Is(err, ipc.ErrUnreachable) && !c.sup.Live(r.Target.PID):
		c.logger.Debug("discarding reply to dead process", "pid", r.Target.PID, "address", r.Target.Address)
		return pending.Discard
	case errors.Is(err, ipc.ErrUnreachable):
		return pending.Retry
	}
	c.logger.Warn("reply failed", "pid", r.Target.PID, "address", r.Target.Address, "error", err)
	return pending.Discard
}

// request moves branch b into the requested stage for op and sends the
// request, or holds it until the log batch commits when persistent is set.
func (c *Coordinator) request(tx *state.Transaction, b *state.Resource, op message.Op, flags xa.Flags, persistent bool) {
	var stage state.Stage
	switch op {
	case message.OpPrepare:
		stage = state.StagePrepareRequested
	case message.OpCommit:
		stage = state.StageCommitRequested
	default:
		stage = state.StageRollbackRequested
	}
	if err := b.Request(stage, c.now()); err != nil {
		// Decisions only request stages their branches can move to.
		c.logger.Error("branch request refused", "xid", tx.XID, "resource", b.ID, "error", err)
		return
	}
	c.forget(tx.XID, b.ID)

	r := pending.Request{
		Resource: b.ID,
		Remote:   b.Remote,
		XID:      tx.XID,
		Payload: message.MustEncode(&message.ResourceRequest{
			Op:       op,
			Domain:   b.External(),
			Process:  c.self,
			XID:      tx.XID,
			Resource: b.ID,
			Flags:    flags,
		}),
		Queued: c.now(),
	}
	c.logger.Debug("branch request", "xid", tx.XID, "resource", b.ID, "op", op, "flags", flags, "persistent", persistent)

	if persistent {
		c.persistentRequests = append(c.persistentRequests, r)
		return
	}
	if c.trySend(r) == pending.Retry {
		c.requests.Push(r)
	}
}

// trySend attempts to hand a branch request to an idle instance of its
// resource, or to the remote coordinator of an external branch. Requests
// whose branch no longer waits for them are discarded.
func (c *Coordinator) trySend(r pending.Request) pending.Result {
	tx := c.table.Lookup(r.XID)
	if tx == nil {
		return pending.Discard
	}
	b := tx.Branch(r.Resource)
	if b == nil || !b.Stage.InFlight() {
		return pending.Discard
	}

	op := requestOp(b.Stage)
	if r.Resource.External() {
		ok, err := c.transport.Send(r.Remote, r.Payload)
		if err != nil {
			c.logger.Debug("remote domain unreachable", "xid", r.XID, "domain", r.Remote, "error", err)
			return pending.Retry
		}
		if !ok {
			return pending.Retry
		}
		c.metrics.Requested(op.String(), "domain")
		return pending.Sent
	}

	inst := c.sup.Idle(r.Resource)
	if inst == nil {
		return pending.Retry
	}
	ok, err := c.sup.Dispatch(inst, r.Payload)
	if err != nil {
		c.logger.Warn("dispatch to instance failed", "pid", inst.Process.PID, "error", err)
		return pending.Retry
	}
	if !ok {
		return pending.Retry
	}
	b.Instance = inst.Process.PID
	c.metrics.Requested(op.String(), "local")
	return pending.Sent
}

// forget drops queued requests for one branch.
func (c *Coordinator) forget(xid xa.XID, id xa.ResourceID) {
	match := func(r pending.Request) bool {
		return r.Resource == id && r.XID.Global() == xid.Global()
	}
	c.requests.RemoveFunc(match)
	kept := c.persistentRequests[:0]
	for _, r := range c.persistentRequests {
		if !match(r) {
			kept = append(kept, r)
		}
	}
	c.persistentRequests = kept
}

func requestOp(s state.Stage) message.Op {
	switch s {
	case state.StagePrepareRequested:
		return message.OpPrepare
	case state.StageCommitRequested:
		return message.OpCommit
	}
	return message.OpRollback
}

// checkReady tells the domain manager, once, that every pool is serving.
func (c *Coordinator) checkReady() {
	if c.readySent || c.manager == "" || c.draining || !c.sup.Ready() {
		return
	}
	c.readySent = true
	c.logger.Info("all resource proxies connected")
	c.reply(ipc.Process{Address: c.manager}, &message.Ready{Process: c.self})
}
