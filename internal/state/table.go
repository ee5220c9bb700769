// Package state holds the coordinator's in-memory model: the transaction
// table with its branches, and the resource proxy pools.
//
// Nothing here is safe for concurrent use. The coordinator's event loop owns
// every value and is the only writer.
package state

import (
	"slices"
	"time"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/xa"
)

// Table maps global transaction ids to their state.
type Table struct {
	transactions map[string]*Transaction
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{transactions: make(map[string]*Transaction)}
}

// Begin creates an owner transaction. It fails with XAER_DUPID if the
// global id is already present.
func (t *Table) Begin(xid xa.XID, owner ipc.Process, start time.Time) (*Transaction, error) {
	if _, exists := t.transactions[xid.Global()]; exists {
		return nil, xa.Errorf(xa.XAER_DUPID, xid, "transaction already exists")
	}
	tx := newTransaction(xid, owner, RoleOwner, start)
	t.transactions[xid.Global()] = tx
	return tx, nil
}

// Participate returns the transaction for xid, creating a participant
// transaction when another domain involved this one under an xid it has not
// seen before.
func (t *Table) Participate(xid xa.XID, start time.Time) *Transaction {
	if tx, ok := t.transactions[xid.Global()]; ok {
		return tx
	}
	tx := newTransaction(xid, ipc.Process{}, RoleParticipant, start)
	t.transactions[xid.Global()] = tx
	return tx
}

// Recover inserts a transaction rebuilt from the log.
func (t *Table) Recover(xid xa.XID, start time.Time) (*Transaction, error) {
	if _, exists := t.transactions[xid.Global()]; exists {
		return nil, xa.Errorf(xa.XAER_DUPID, xid, "transaction already exists")
	}
	tx := newTransaction(xid, ipc.Process{}, RoleRecovered, start)
	tx.Logged = true
	t.transactions[xid.Global()] = tx
	return tx, nil
}

// Enlist adds a branch for resource id. Enlisting the same id twice is a
// no-op. Unknown xids fail with XAER_NOTA.
func (t *Table) Enlist(xid xa.XID, id xa.ResourceID) error {
	tx := t.Lookup(xid)
	if tx == nil {
		return xa.Errorf(xa.XAER_NOTA, xid, "unknown transaction")
	}
	tx.Enlist(id)
	return nil
}

// Lookup returns the transaction for xid's global id, or nil.
func (t *Table) Lookup(xid xa.XID) *Transaction {
	return t.transactions[xid.Global()]
}

// Remove drops the transaction. It is only legal once an outcome is set or
// while no branch has been contacted.
func (t *Table) Remove(xid xa.XID) error {
	tx := t.Lookup(xid)
	if tx == nil {
		return xa.Errorf(xa.XAER_NOTA, xid, "unknown transaction")
	}
	if !tx.Decided() && !tx.Untouched() {
		return xa.Errorf(xa.XAER_PROTO, xid, "transaction has contacted branches but no outcome")
	}
	delete(t.transactions, xid.Global())
	return nil
}

// Len returns the number of transactions.
func (t *Table) Len() int {
	return len(t.transactions)
}

// All returns every transaction ordered by xid.
func (t *Table) All() []*Transaction {
	out := make([]*Transaction, 0, len(t.transactions))
	for _, tx := range t.transactions {
		out = append(out, tx)
	}
	slices.SortFunc(out, func(a, b *Transaction) int {
		return xa.Compare(a.XID, b.XID)
	})
	return out
}
