package coordinator

import (
	"context"

	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/txlog"
	"github.com/roach88/txmon/internal/xa"
)

func (c *Coordinator) connected(m *message.Connect) {
	inst, err := c.sup.Connected(m)
	if err != nil {
		c.logger.Warn("connect ignored", "pid", m.Process.PID, "error", err)
		return
	}
	c.logger.Debug("proxy connected", "resource", inst.Resource, "pid", inst.Process.PID, "state", inst.State)
}

// exited handles the death of a process: one of our resource proxies, or
// a caller owning transactions.
func (c *Coordinator) exited(ctx context.Context, m *message.ProcessExit) error {
	if inst, p := c.sup.Exited(m.PID); inst != nil {
		c.logger.Info("resource proxy exited", "resource", p.ID, "name", p.Name, "pid", m.PID, "status", m.Status, "state", inst.State)
		for _, tx := range c.table.All() {
			for _, b := range tx.Branches {
				if b.Instance != m.PID || !b.Stage.InFlight() {
					continue
				}
				if err := c.failBranch(ctx, tx, b, xa.XAER_RMFAIL); err != nil {
					return err
				}
			}
		}
		// A proxy that could not open its resource manager is not respawned
		// until the operator scales or reconfigures.
		if c.draining || inst.State == state.InstanceStartupError {
			return nil
		}
		if err := c.sup.Reconcile(ctx, p); err != nil {
			c.logger.Error("respawn proxy", "name", p.Name, "error", err)
		}
		return nil
	}

	for _, tx := range c.table.All() {
		if tx.Role != state.RoleOwner || tx.Owner.PID != m.PID {
			continue
		}
		tx.Waiter = nil
		switch {
		case tx.TimedOut && !tx.InFlight():
			c.logger.Debug("dropping timed out transaction of exited caller", "xid", tx.XID, "pid", m.PID)
			if err := c.drop(tx); err != nil {
				return err
			}
		case !tx.Decided() && tx.Phase == state.PhaseActive:
			c.logger.Info("rolling back transaction of exited caller", "xid", tx.XID, "pid", m.PID)
			if err := c.startRollback(ctx, tx, txlog.StateRollback); err != nil {
				return err
			}
		default:
			// Owner gone; the protocol finishes without anyone to answer.
			tx.Owner.PID = 0
			tx.Owner.Address = ""
		}
	}
	return nil
}

func (c *Coordinator) scale(ctx context.Context, m *message.ScaleRequest) {
	reply := &message.ScaleReply{Name: m.Name, Instances: m.Instances}
	switch {
	case c.draining:
		reply.Error = "shutting down"
	default:
		if err := c.sup.Scale(ctx, m.Name, m.Instances); err != nil {
			reply.Error = err.Error()
		}
	}
	c.reply(m.Process, reply)
}

// stateReply answers a state request. When the snapshot does not fit in
// one message the tail of the transaction list is cut and counted in
// Omitted.
func (c *Coordinator) stateReply() *message.StateReply {
	snap := c.Snapshot()
	all := snap.Transactions
	for {
		reply := &message.StateReply{Snapshot: snap}
		size := len(message.MustEncode(reply))
		if size <= c.replyLimit || len(snap.Transactions) == 0 {
			if snap.Omitted > 0 {
				c.logger.Warn("state reply truncated", "transactions", len(all), "omitted", snap.Omitted, "bytes", size)
			}
			return reply
		}
		snap.Transactions = all[:len(snap.Transactions)/2]
		snap.Omitted = len(all) - len(snap.Transactions)
	}
}

// shutdown starts draining. Begins are refused from now on; the pools are
// scaled to zero by stopped once no branch request is outstanding.
func (c *Coordinator) shutdown(m *message.Shutdown) {
	if !m.Process.IsZero() {
		c.stoppers = append(c.stoppers, m.Process)
	}
	if c.draining {
		return
	}
	c.draining = true
	c.logger.Info("shutdown requested", "transactions", c.table.Len(), "pid", m.Process.PID)
}

// stopped reports whether a requested shutdown has completed. Requesters
// are told once it has.
func (c *Coordinator) stopped(ctx context.Context) bool {
	if !c.draining {
		return false
	}
	if !c.scaledDown {
		for _, tx := range c.table.All() {
			if tx.InFlight() {
				return false
			}
		}
		if c.requests.Len() > 0 || len(c.persistentRequests) > 0 {
			return false
		}
		c.scaledDown = true
		c.logger.Info("scaling resource proxies down")
		if err := c.sup.ScaleAll(ctx, 0); err != nil {
			c.logger.Error("scale down", "error", err)
		}
	}
	if c.replies.Len() > 0 || c.sup.Instances() > 0 {
		return false
	}

	ack := message.MustEncode(&message.Shutdown{Process: c.self})
	for _, p := range c.stoppers {
		if ok, err := c.transport.Send(p.Address, ack); !ok {
			c.logger.Debug("shutdown acknowledgement not delivered", "pid", p.PID, "error", err)
		}
	}
	c.stoppers = nil
	return true
}
