package coordinator

import (
	"context"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/txlog"
	"github.com/roach88/txmon/internal/xa"
)

// begin creates an owner transaction and logs it. The reply waits for the
// log flush; rejections are answered at once.
func (c *Coordinator) begin(ctx context.Context, m *message.BeginRequest) error {
	xid := m.XID
	if xid.IsNull() {
		xid = c.generator.Generate()
	}
	refuse := func(code xa.Code, reason string) error {
		c.logger.Info("begin refused", "xid", xid, "pid", m.Process.PID, "state", code, "reason", reason)
		c.reply(m.Process, &message.BeginReply{Process: c.self, XID: xid, State: code})
		return nil
	}

	if c.draining {
		return refuse(xa.XAER_RMFAIL, "shutting down")
	}
	if err := xid.Validate(); err != nil {
		return refuse(xa.XAER_INVAL, err.Error())
	}
	start := m.StartTime()
	if start.IsZero() {
		start = c.now()
	}
	tx, err := c.table.Begin(xid, m.Process, start)
	if err != nil {
		return refuse(xa.CodeOf(err), "duplicate")
	}
	if m.Timeout > 0 {
		tx.Deadline = start.Add(m.Timeout)
	}

	err = c.log.WriteBegin(ctx, txlog.Entry{
		XID:      xid,
		PID:      m.Process.PID,
		State:    txlog.StateBegin,
		Started:  start,
		Deadline: tx.Deadline,
	})
	if err != nil {
		return durable(err)
	}
	tx.Logged = true

	c.metrics.Begun()
	c.logger.Debug("transaction begun", "xid", xid, "pid", m.Process.PID, "deadline", tx.Deadline)
	c.replyPersistent(m.Process, &message.BeginReply{Process: c.self, XID: xid, State: xa.XA_OK})
	return nil
}

// involved enlists local resources. Unknown xids create a participant
// transaction: another domain's coordinator will drive it.
func (c *Coordinator) involved(m *message.Involved) {
	tx := c.enlistable(m.XID, m.Process)
	if tx == nil {
		return
	}
	for _, id := range m.Resources {
		if id.External() || c.sup.Proxy(id) == nil {
			c.logger.Warn("involvement of unknown resource ignored", "xid", m.XID, "resource", id)
			continue
		}
		if tx.Enlist(id) {
			c.logger.Debug("resource involved", "xid", m.XID, "resource", id)
		}
	}
}

// domainInvolved enlists an external branch owned by the coordinator at
// m.Domain.
func (c *Coordinator) domainInvolved(m *message.DomainInvolved) {
	if m.Domain == "" || m.Domain == c.self.Address {
		c.logger.Warn("domain involvement without a usable address ignored", "xid", m.XID, "domain", m.Domain)
		return
	}
	tx := c.enlistable(m.XID, m.Process)
	if tx == nil {
		return
	}
	b := tx.EnlistRemote(m.Domain)
	c.logger.Debug("domain involved", "xid", m.XID, "domain", m.Domain, "resource", b.ID)
}

func (c *Coordinator) enlistable(xid xa.XID, from ipc.Process) *state.Transaction {
	tx := c.table.Lookup(xid)
	if tx == nil {
		tx = c.table.Participate(xid, c.now())
		c.logger.Debug("participating in transaction", "xid", xid, "from", from.PID)
	}
	if tx.Decided() || tx.Phase != state.PhaseActive {
		c.logger.Warn("involvement after commit or rollback started ignored", "xid", xid, "phase", tx.Phase)
		return nil
	}
	return tx
}

// ownerCheck answers protocol errors for commit and rollback requests and
// returns the transaction when the request may proceed.
func (c *Coordinator) ownerCheck(xid xa.XID, from ipc.Process, answer func(xa.Code)) *state.Transaction {
	tx := c.table.Lookup(xid)
	if tx == nil {
		c.logger.Info("unknown transaction", "xid", xid, "pid", from.PID)
		answer(xa.XAER_NOTA)
		return nil
	}
	if tx.Role != state.RoleOwner || tx.Owner.PID != from.PID {
		c.logger.Warn("request from a process that does not own the transaction", "xid", xid, "pid", from.PID, "owner", tx.Owner.PID)
		answer(xa.XAER_PROTO)
		return nil
	}
	return tx
}

// commit runs the commit protocol for an owner transaction.
func (c *Coordinator) commit(ctx context.Context, m *message.CommitRequest) error {
	answer := func(code xa.Code) {
		c.reply(m.Process, &message.CommitReply{Process: c.self, XID: m.XID, State: code})
	}
	tx := c.ownerCheck(m.XID, m.Process, answer)
	if tx == nil {
		return nil
	}
	waiter := &state.Waiter{Process: m.Process, Kind: state.ReplyCommit, XID: m.XID}

	if tx.TimedOut {
		return c.timedOutRequest(tx, waiter)
	}
	if tx.Decided() || tx.Phase != state.PhaseActive || tx.Waiter != nil {
		answer(xa.XAER_PROTO)
		return nil
	}

	tx.Waiter = waiter
	return c.startCommit(ctx, tx)
}

// rollback runs the rollback protocol for an owner transaction.
func (c *Coordinator) rollback(ctx context.Context, m *message.RollbackRequest) error {
	answer := func(code xa.Code) {
		c.reply(m.Process, &message.RollbackReply{Process: c.self, XID: m.XID, State: code})
	}
	tx := c.ownerCheck(m.XID, m.Process, answer)
	if tx == nil {
		return nil
	}
	waiter := &state.Waiter{Process: m.Process, Kind: state.ReplyRollback, XID: m.XID}

	if tx.TimedOut {
		return c.timedOutRequest(tx, waiter)
	}
	if tx.Decided() || tx.Phase != state.PhaseActive || tx.Waiter != nil {
		answer(xa.XAER_PROTO)
		return nil
	}

	tx.Waiter = waiter
	return c.startRollback(ctx, tx, txlog.StateRollback)
}

// timedOutRequest answers the owner of a transaction rolled back by its
// deadline. While the rollback is still running the owner waits for it.
func (c *Coordinator) timedOutRequest(tx *state.Transaction, w *state.Waiter) error {
	if tx.Waiter != nil {
		c.reply(w.Process, c.callerReply(w, xa.XAER_PROTO))
		return nil
	}
	if tx.InFlight() {
		tx.Waiter = w
		return nil
	}
	// The rollback's log writes may still sit in the open batch.
	if reply := c.callerReply(w, tx.Verdict()); c.log.Dirty() {
		c.replyPersistent(w.Process, reply)
	} else {
		c.reply(w.Process, reply)
	}
	if err := c.table.Remove(tx.XID); err != nil {
		c.logger.Error("remove timed out transaction", "xid", tx.XID, "error", err)
	}
	return nil
}

// callerReply builds the reply for a local waiter. A clean rollback is
// what a rollback request asked for and is answered XA_OK.
func (c *Coordinator) callerReply(w *state.Waiter, code xa.Code) message.Message {
	if w.Kind == state.ReplyRollback {
		if code == xa.XA_RBROLLBACK || code == xa.XA_RBTIMEOUT {
			code = xa.XA_OK
		}
		return &message.RollbackReply{Process: c.self, XID: w.XID, State: code}
	}
	return &message.CommitReply{Process: c.self, XID: w.XID, State: code}
}
