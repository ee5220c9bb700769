package coordinator

import (
	"context"

	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/txlog"
	"github.com/roach88/txmon/internal/xa"
)

// startCommit begins the commit protocol of an undecided transaction whose
// waiter is already set.
//
//   - no branches: nothing to commit, the transaction is read only
//   - one branch: one-phase commit, the branch decides
//   - otherwise: prepare every branch, decide once all votes are in
func (c *Coordinator) startCommit(ctx context.Context, tx *state.Transaction) error {
	switch len(tx.Branches) {
	case 0:
		if err := tx.Decide(state.OutcomeCommit); err != nil {
			return err
		}
		tx.Phase = state.PhaseCommitted
		return c.finish(ctx, tx, xa.XA_RDONLY)

	case 1:
		if err := tx.Decide(state.OutcomeCommit); err != nil {
			return err
		}
		tx.OnePhase = true
		tx.Phase = state.PhaseCommitting
		c.logger.Debug("one-phase commit", "xid", tx.XID, "resource", tx.Branches[0].ID)
		c.request(tx, tx.Branches[0], message.OpCommit, xa.TMONEPHASE, false)
		return nil
	}

	tx.Phase = state.PhasePreparing
	c.logger.Debug("prepare", "xid", tx.XID, "branches", len(tx.Branches))
	for _, b := range tx.Branches {
		c.request(tx, b, message.OpPrepare, xa.TMNOFLAGS, false)
	}
	return nil
}

// startRollback decides rollback and sends rollback to every branch that
// may hold work. The decision is logged with logState when the transaction
// has a log row.
func (c *Coordinator) startRollback(ctx context.Context, tx *state.Transaction, logState txlog.State) error {
	if err := tx.Decide(state.OutcomeRollback); err != nil {
		return err
	}
	tx.Phase = state.PhaseAborting
	return c.phaseTwo(ctx, tx, logState)
}

// phaseTwo persists the decision and sends commit or rollback to every
// branch still owed one. Requests are held until the log flush when the
// decision was written.
func (c *Coordinator) phaseTwo(ctx context.Context, tx *state.Transaction, logState txlog.State) error {
	persistent, err := c.logDecision(ctx, tx, logState)
	if err != nil {
		return err
	}

	op := message.OpRollback
	if tx.Outcome == state.OutcomeCommit {
		op = message.OpCommit
	}
	for _, b := range tx.InStage(state.StageInvolved, state.StagePrepareReplied) {
		c.request(tx, b, op, xa.TMNOFLAGS, persistent)
	}
	if !tx.InFlight() {
		return c.complete(ctx, tx)
	}
	return nil
}

// logDecision writes the decision of a transaction. Owner transactions
// update their row; participants committing on their own (one-phase from
// the peer) create one. Other participant decisions belong to the peer's
// log.
func (c *Coordinator) logDecision(ctx context.Context, tx *state.Transaction, logState txlog.State) (bool, error) {
	if tx.Logged {
		return true, durable(c.log.UpdateState(ctx, tx.XID, logState))
	}
	if tx.Role == state.RoleParticipant && tx.Waiter != nil && tx.Waiter.Kind == state.ReplyDomainCommit && logState == txlog.StatePrepareCommit {
		err := c.log.WriteBegin(ctx, txlog.Entry{XID: tx.XID, State: logState, Started: tx.Started})
		if err != nil {
			return false, durable(err)
		}
		tx.Logged = true
		return true, nil
	}
	return false, nil
}

// branchReply records a branch's answer and advances the transaction when
// the last outstanding answer arrived.
func (c *Coordinator) branchReply(ctx context.Context, m *message.ResourceReply) error {
	if !m.Domain {
		c.sup.Done(m.Process.PID)
	}
	c.metrics.Replied(m.Op.String(), m.State.String())

	tx := c.table.Lookup(m.XID)
	if tx == nil {
		c.logger.Warn("reply for unknown transaction dropped", "xid", m.XID, "op", m.Op, "resource", m.Resource)
		return nil
	}
	b := tx.Branch(m.Resource)
	if b == nil || requestOp(b.Stage) != m.Op || !b.Stage.InFlight() {
		c.logger.Warn("unexpected branch reply dropped", "xid", m.XID, "op", m.Op, "resource", m.Resource)
		return nil
	}
	c.logger.Debug("branch reply", "xid", tx.XID, "resource", b.ID, "op", m.Op, "state", m.State)
	return c.recordReply(ctx, tx, b, m.State)
}

// recordReply applies one branch answer, real or synthetic.
func (c *Coordinator) recordReply(ctx context.Context, tx *state.Transaction, b *state.Resource, code xa.Code) error {
	switch b.Stage {
	case state.StagePrepareRequested:
		if err := b.Reply(state.StagePrepareReplied, code); err != nil {
			return err
		}
		// Read-only, rolled back and heuristic votes need no phase two.
		if code == xa.XA_RDONLY || code.IsRollback() || code.IsHeuristic() {
			if err := b.Advance(state.StageDone); err != nil {
				return err
			}
		}
		if len(tx.InStage(state.StagePrepareRequested)) == 0 {
			return c.decide(ctx, tx)
		}
		return nil

	case state.StageCommitRequested, state.StageRollbackRequested:
		next := state.StageCommitReplied
		if b.Stage == state.StageRollbackRequested {
			next = state.StageRollbackReplied
		}
		switch {
		case code.IsError() && !c.forgotten(tx, next, code):
			if err := b.Fail(code); err != nil {
				return err
			}
		case code == xa.XA_RETRY && next == state.StageCommitReplied && !tx.OnePhase:
			// The branch is prepared but did not commit; its outcome is
			// unknown until an operator resolves it.
			c.logger.Warn("branch could not commit a prepared transaction", "xid", tx.XID, "resource", b.ID, "state", code)
			if err := b.Fail(code); err != nil {
				return err
			}
		default:
			if err := b.Reply(next, code); err != nil {
				return err
			}
		}
		if !tx.InFlight() {
			return c.complete(ctx, tx)
		}
	}
	return nil
}

// forgotten reports whether XAER_NOTA in phase two means the branch is
// already where the decision wants it: a rollback of work the resource
// manager never saw, or a recovered commit the resource manager finished
// before the crash.
func (c *Coordinator) forgotten(tx *state.Transaction, next state.Stage, code xa.Code) bool {
	if code != xa.XAER_NOTA {
		return false
	}
	return next == state.StageRollbackReplied || tx.Role == state.RoleRecovered
}

// decide takes the decision once every prepare vote is in. A participant
// preparing for a peer does not decide: its vote goes back to the peer.
func (c *Coordinator) decide(ctx context.Context, tx *state.Transaction) error {
	if tx.Waiter != nil && tx.Waiter.Kind == state.ReplyDomainPrepare {
		return c.domainPrepared(tx)
	}

	hazard, mixed, yes, readOnly := false, false, true, true
	for _, b := range tx.Branches {
		switch {
		case b.Result == xa.XA_HEURHAZ:
			hazard = true
		case b.Result.IsHeuristic():
			mixed = true
		}
		switch b.Result {
		case xa.XA_OK:
			readOnly = false
		case xa.XA_RDONLY:
		default:
			yes = false
		}
	}

	outcome := state.OutcomeRollback
	switch {
	case hazard:
		outcome = state.OutcomeHazard
	case mixed:
		outcome = state.OutcomeMixed
	case yes && readOnly:
		if err := tx.Decide(state.OutcomeCommit); err != nil {
			return err
		}
		tx.Phase = state.PhaseCommitted
		c.logger.Debug("all branches read only", "xid", tx.XID)
		return c.finish(ctx, tx, xa.XA_RDONLY)
	case yes:
		outcome = state.OutcomeCommit
	}

	if err := tx.Decide(outcome); err != nil {
		return err
	}
	c.logger.Debug("decision", "xid", tx.XID, "outcome", outcome, "votes", tx.Results())

	logState := txlog.StateRollback
	if outcome == state.OutcomeCommit {
		tx.Phase = state.PhaseCommitting
		logState = txlog.StatePrepareCommit
	} else {
		tx.Phase = state.PhaseAborting
	}
	return c.phaseTwo(ctx, tx, logState)
}

// complete runs when the last phase-two answer is in.
func (c *Coordinator) complete(ctx context.Context, tx *state.Transaction) error {
	var code xa.Code
	if tx.OnePhase {
		code = tx.Branches[0].Result
		if tx.Branches[0].Stage == state.StageError && !code.IsError() {
			code = xa.XAER_RMFAIL
		}
	} else {
		code = tx.Verdict()
	}

	switch {
	case code == xa.XA_HEURHAZ || code == xa.XA_HEURMIX || tx.Outcome == state.OutcomeHazard || tx.Outcome == state.OutcomeMixed:
		tx.Phase = state.PhaseError
	case tx.OnePhase && code.IsHeuristic():
		tx.Phase = state.PhaseError
	case tx.Outcome == state.OutcomeCommit && !code.IsRollback() && !code.IsError():
		tx.Phase = state.PhaseCommitted
	default:
		tx.Phase = state.PhaseAborted
	}
	return c.finish(ctx, tx, code)
}

// finish settles the log row, answers the waiter and drops the transaction.
// Transactions ending in error keep their row in state heuristic for an
// operator. A transaction rolled back by its deadline stays in the table
// until its owner asks about it.
func (c *Coordinator) finish(ctx context.Context, tx *state.Transaction, code xa.Code) error {
	wrote := false
	switch {
	case tx.Phase == state.PhaseError:
		if tx.Logged {
			if err := c.log.UpdateState(ctx, tx.XID, txlog.StateHeuristic); err != nil {
				return durable(err)
			}
		} else if err := c.log.WriteBegin(ctx, txlog.Entry{XID: tx.XID, PID: tx.Owner.PID, State: txlog.StateHeuristic, Started: tx.Started}); err != nil {
			return durable(err)
		}
		tx.Logged = true
		wrote = true
		c.logger.Warn("transaction ended with heuristic outcome", "xid", tx.XID, "state", code, "outcome", tx.Outcome)
	case tx.Logged:
		if err := c.log.Remove(ctx, tx.XID); err != nil {
			return durable(err)
		}
		tx.Logged = false
		wrote = true
	}

	c.logger.Info("transaction completed", "xid", tx.XID, "role", tx.Role, "phase", tx.Phase, "state", code)
	c.metrics.Completed(code.String())

	w := tx.Waiter
	tx.Waiter = nil
	if w == nil {
		if tx.TimedOut && tx.Role == state.RoleOwner && !tx.Owner.IsZero() {
			return nil
		}
		return c.drop(tx)
	}

	var reply message.Message
	if w.Kind.Domain() {
		reply = c.domainReply(w, code)
	} else {
		reply = c.callerReply(w, code)
	}
	if wrote {
		c.replyPersistent(w.Process, reply)
	} else {
		c.reply(w.Process, reply)
	}
	return c.drop(tx)
}

func (c *Coordinator) drop(tx *state.Transaction) error {
	if err := c.table.Remove(tx.XID); err != nil {
		c.logger.Error("remove transaction", "xid", tx.XID, "error", err)
	}
	return nil
}

// failBranch answers an outstanding branch request with code on the
// branch's behalf, after its instance died or its request timed out.
func (c *Coordinator) failBranch(ctx context.Context, tx *state.Transaction, b *state.Resource, code xa.Code) error {
	c.forget(tx.XID, b.ID)
	c.logger.Warn("branch failed", "xid", tx.XID, "resource", b.ID, "stage", b.Stage, "state", code)
	if b.Stage == state.StagePrepareRequested {
		return c.recordReply(ctx, tx, b, code)
	}
	if err := b.Fail(code); err != nil {
		return err
	}
	if !tx.InFlight() {
		return c.complete(ctx, tx)
	}
	return nil
}
