package coordinator

import (
	"context"

	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/txlog"
	"github.com/roach88/txmon/internal/xa"
)

// Tick fails branch requests older than the branch timeout and rolls back
// owner transactions past their deadline.
//
// CRITICAL: Called only from the loop goroutine.
func (c *Coordinator) Tick(ctx context.Context) error {
	now := c.now()
	for _, tx := range c.table.All() {
		if c.branchTimeout > 0 {
			for _, b := range tx.Branches {
				if !b.Stage.InFlight() || now.Sub(b.RequestedAt) < c.branchTimeout {
					continue
				}
				if c.table.Lookup(tx.XID) != tx {
					break
				}
				if err := c.failBranch(ctx, tx, b, xa.XAER_RMFAIL); err != nil {
					return err
				}
			}
		}

		if c.table.Lookup(tx.XID) != tx {
			continue
		}
		if tx.Role == state.RoleOwner && tx.Phase == state.PhaseActive && !tx.Decided() && tx.Expired(now) {
			if err := c.expire(ctx, tx); err != nil {
				return err
			}
		}
	}
	return nil
}

// expire rolls back a transaction whose owner missed the deadline. The
// transaction stays in the table so the owner's commit can be answered
// XA_RBTIMEOUT.
func (c *Coordinator) expire(ctx context.Context, tx *state.Transaction) error {
	tx.TimedOut = true
	c.logger.Warn("transaction deadline passed", "xid", tx.XID, "pid", tx.Owner.PID, "deadline", tx.Deadline)
	return c.startRollback(ctx, tx, txlog.StateTimeout)
}
