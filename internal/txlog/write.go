package txlog

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/txmon/internal/xa"
)

// State is the persisted lifecycle state of a transaction.
type State int

const (
	// StateBegin rows belong to active transactions with no decision.
	StateBegin State = 10
	// StatePrepareCommit rows belong to transactions decided to commit.
	StatePrepareCommit State = 20
	// StateRollback rows belong to transactions decided to roll back.
	StateRollback State = 30
	// StateTimeout rows belong to transactions rolled back by deadline.
	StateTimeout State = 40
	// StateHeuristic rows are kept for an operator after a mixed or hazard
	// outcome.
	StateHeuristic State = 50
)

func (s State) String() string {
	switch s {
	case StateBegin:
		return "begin"
	case StatePrepareCommit:
		return "prepare_commit"
	case StateRollback:
		return "rollback"
	case StateTimeout:
		return "timeout"
	case StateHeuristic:
		return "heuristic"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Entry is one log row.
type Entry struct {
	XID      xa.XID
	PID      int
	State    State
	Started  time.Time
	Updated  time.Time
	Deadline time.Time
}

func micros(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMicro()
}

// WriteBegin inserts the row for a new transaction. The row's state is
// StateBegin unless e.State says otherwise.
func (l *Log) WriteBegin(ctx context.Context, e Entry) error {
	if e.State == 0 {
		e.State = StateBegin
	}
	started := e.Started
	if started.IsZero() {
		started = l.now()
	}
	_, err := l.write(ctx, `
		INSERT INTO trans (gtrid, bqual, format, pid, state, started, updated, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nonNil(e.XID.GTRID),
		nonNil(e.XID.BQUAL),
		e.XID.FormatID,
		e.PID,
		int(e.State),
		started.UnixMicro(),
		l.now().UnixMicro(),
		micros(e.Deadline),
	)
	if err != nil {
		return fmt.Errorf("write begin %s: %w", e.XID, err)
	}
	return nil
}

// UpdateState moves the row for xid to state. Updating a missing row is an
// error: the coordinator only updates transactions it logged.
func (l *Log) UpdateState(ctx context.Context, xid xa.XID, state State) error {
	res, err := l.write(ctx, `
		UPDATE trans SET state = ?, updated = ?
		WHERE gtrid = ? AND bqual = ?
	`,
		int(state),
		l.now().UnixMicro(),
		nonNil(xid.GTRID),
		nonNil(xid.BQUAL),
	)
	if err != nil {
		return fmt.Errorf("update state %s: %w", xid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update state %s: %w", xid, err)
	}
	if n == 0 {
		return fmt.Errorf("update state %s: no log row", xid)
	}
	return nil
}

// Remove deletes the row for xid. Removing a missing row is not an error.
func (l *Log) Remove(ctx context.Context, xid xa.XID) error {
	_, err := l.write(ctx, `DELETE FROM trans WHERE gtrid = ? AND bqual = ?`,
		nonNil(xid.GTRID),
		nonNil(xid.BQUAL),
	)
	if err != nil {
		return fmt.Errorf("remove %s: %w", xid, err)
	}
	return nil
}

// nonNil keeps empty qualifiers from being stored as NULL, which would
// never match in a WHERE clause.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
