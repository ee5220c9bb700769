package coordinator

import (
	"context"

	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/txlog"
	"github.com/roach88/txmon/internal/xa"
)

// domainRequest runs a peer coordinator's prepare, commit or rollback
// against this coordinator's branches of the transaction. Answers that are
// known at once are sent here; the others go out when the branches reply.
func (c *Coordinator) domainRequest(ctx context.Context, m *message.ResourceRequest) error {
	w := &state.Waiter{Process: m.Process, XID: m.XID, Resource: m.Resource}
	tx := c.table.Lookup(m.XID)

	var (
		directive state.Directive
		err       error
	)
	switch m.Op {
	case message.OpPrepare:
		w.Kind = state.ReplyDomainPrepare
		directive, err = c.domainPrepare(ctx, tx, w)
	case message.OpCommit:
		w.Kind = state.ReplyDomainCommit
		directive, err = c.domainCommit(ctx, tx, w, m.Flags)
	case message.OpRollback:
		w.Kind = state.ReplyDomainRollback
		directive, err = c.domainRollback(ctx, tx, w)
	default:
		c.logger.Warn("unknown domain operation", "op", m.Op, "xid", m.XID)
		return nil
	}
	if err != nil {
		return err
	}
	c.settle(tx, directive)
	return nil
}

// settle applies a directive to a transaction that may already be gone.
func (c *Coordinator) settle(tx *state.Transaction, d state.Directive) {
	if tx == nil || d != state.RemoveTransaction || c.table.Lookup(tx.XID) != tx {
		return
	}
	if err := c.table.Remove(tx.XID); err != nil {
		c.logger.Error("remove transaction", "xid", tx.XID, "error", err)
	}
}

// answerPeer replies to a peer coordinator at once.
func (c *Coordinator) answerPeer(w *state.Waiter, code xa.Code) {
	c.logger.Debug("domain reply", "xid", w.XID, "kind", w.Kind, "state", code)
	c.reply(w.Process, c.domainReply(w, code))
}

// domainReply builds the reply for a peer waiter. A clean rollback is what
// a rollback request asked for and is answered XA_OK.
func (c *Coordinator) domainReply(w *state.Waiter, code xa.Code) message.Message {
	op := message.OpPrepare
	switch w.Kind {
	case state.ReplyDomainCommit:
		op = message.OpCommit
	case state.ReplyDomainRollback:
		op = message.OpRollback
		if code == xa.XA_RBROLLBACK || code == xa.XA_RBTIMEOUT {
			code = xa.XA_OK
		}
	}
	return &message.ResourceReply{
		Op:       op,
		Domain:   true,
		Process:  c.self,
		XID:      w.XID,
		Resource: w.Resource,
		State:    code,
	}
}

// participant reports whether a peer may drive tx.
func participant(tx *state.Transaction) bool {
	return tx.Role == state.RoleParticipant
}

func (c *Coordinator) domainPrepare(ctx context.Context, tx *state.Transaction, w *state.Waiter) (state.Directive, error) {
	if tx == nil {
		c.answerPeer(w, xa.XA_RDONLY)
		return state.KeepTransaction, nil
	}
	if !participant(tx) || tx.Decided() || tx.Phase != state.PhaseActive {
		c.answerPeer(w, xa.XAER_PROTO)
		return state.KeepTransaction, nil
	}
	if len(tx.Branches) == 0 {
		c.answerPeer(w, xa.XA_RDONLY)
		return state.RemoveTransaction, nil
	}

	tx.Waiter = w
	tx.Phase = state.PhasePreparing
	for _, b := range tx.Branches {
		c.request(tx, b, message.OpPrepare, xa.TMNOFLAGS, false)
	}
	return state.KeepTransaction, nil
}

// domainPrepared answers the peer once every branch voted. A read-only
// transaction is finished here; any other vote leaves it prepared until
// the peer decides.
func (c *Coordinator) domainPrepared(tx *state.Transaction) error {
	w := tx.Waiter
	tx.Waiter = nil
	vote := tx.Results()
	c.answerPeer(w, vote)

	if vote != xa.XA_RDONLY {
		tx.Phase = state.PhasePrepared
		c.logger.Debug("prepared for peer", "xid", tx.XID, "vote", vote)
		return nil
	}
	if err := tx.Decide(state.OutcomeCommit); err != nil {
		return err
	}
	tx.Phase = state.PhaseCommitted
	c.settle(tx, state.RemoveTransaction)
	return nil
}

func (c *Coordinator) domainCommit(ctx context.Context, tx *state.Transaction, w *state.Waiter, flags xa.Flags) (state.Directive, error) {
	if tx == nil {
		c.answerPeer(w, xa.XAER_NOTA)
		return state.KeepTransaction, nil
	}
	if !participant(tx) || tx.Decided() || tx.Waiter != nil {
		c.answerPeer(w, xa.XAER_PROTO)
		return state.KeepTransaction, nil
	}

	if flags.Has(xa.TMONEPHASE) {
		if tx.Phase != state.PhaseActive {
			c.answerPeer(w, xa.XAER_PROTO)
			return state.KeepTransaction, nil
		}
		tx.Waiter = w
		return state.KeepTransaction, c.startCommit(ctx, tx)
	}

	if tx.Phase != state.PhasePrepared {
		c.answerPeer(w, xa.XAER_PROTO)
		return state.KeepTransaction, nil
	}
	if err := tx.Decide(state.OutcomeCommit); err != nil {
		return state.KeepTransaction, err
	}
	tx.Waiter = w
	tx.Phase = state.PhaseCommitting
	// The peer logged the decision.
	for _, b := range tx.InStage(state.StagePrepareReplied) {
		c.request(tx, b, message.OpCommit, xa.TMNOFLAGS, false)
	}
	if !tx.InFlight() {
		return state.KeepTransaction, c.complete(ctx, tx)
	}
	return state.KeepTransaction, nil
}

func (c *Coordinator) domainRollback(ctx context.Context, tx *state.Transaction, w *state.Waiter) (state.Directive, error) {
	if tx == nil {
		c.answerPeer(w, xa.XAER_NOTA)
		return state.KeepTransaction, nil
	}
	if !participant(tx) || tx.Decided() || tx.Waiter != nil {
		c.answerPeer(w, xa.XAER_PROTO)
		return state.KeepTransaction, nil
	}
	tx.Waiter = w
	return state.KeepTransaction, c.startRollback(ctx, tx, txlog.StateRollback)
}
