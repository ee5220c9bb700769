package coordinator

import (
	"context"
	"fmt"

	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/txlog"
)

// Recovery counts what Recover found in the log.
type Recovery struct {
	Committed  int
	RolledBack int
	Heuristic  int

	// Expired counts rolled back rows whose deadline passed while the
	// manager was down. They are logged as timeout.
	Expired int
}

// Recover finishes the transactions left in the log by a previous run.
// Rows that reached prepare_commit are committed; every other row is
// presumed aborted and rolled back. Begin rows past their deadline are
// marked timeout first. Each recovered transaction addresses
// every configured resource, so Configure must run first. Rows in state
// heuristic are left for the operator.
//
// CRITICAL: Called only from the loop goroutine, before Run.
func (c *Coordinator) Recover(ctx context.Context) (Recovery, error) {
	var rep Recovery
	rows, err := c.log.Count(ctx)
	if err != nil {
		return rep, err
	}
	if rows == 0 {
		c.logger.Debug("transaction log is empty")
		return rep, nil
	}
	c.logger.Info("recovering transaction log", "rows", rows)

	expired := make(map[string]bool)
	late, err := txlog.Collect(c.log.Expired(ctx, c.now()))
	if err != nil {
		return rep, fmt.Errorf("scan deadlines: %w", err)
	}
	for _, e := range late {
		expired[e.XID.String()] = true
	}

	entries, err := txlog.Collect(c.log.Scan(ctx))
	if err != nil {
		return rep, fmt.Errorf("scan log: %w", err)
	}

	for _, e := range entries {
		if e.State == txlog.StateHeuristic {
			rep.Heuristic++
			c.logger.Warn("heuristic transaction in log needs operator attention", "xid", e.XID, "pid", e.PID, "updated", e.Updated)
			continue
		}

		tx, err := c.table.Recover(e.XID, e.Started)
		if err != nil {
			c.logger.Warn("skipping log row", "xid", e.XID, "error", err)
			continue
		}
		for _, p := range c.sup.Proxies() {
			if p.Concurrency > 0 {
				tx.Enlist(p.ID)
			}
		}

		outcome, phase, logState := state.OutcomeRollback, state.PhaseAborting, e.State
		switch e.State {
		case txlog.StatePrepareCommit:
			outcome, phase = state.OutcomeCommit, state.PhaseCommitting
			rep.Committed++
		case txlog.StateBegin:
			logState = txlog.StateRollback
			if expired[e.XID.String()] {
				logState = txlog.StateTimeout
				rep.Expired++
			}
			rep.RolledBack++
		default:
			rep.RolledBack++
		}
		c.logger.Info("recovering transaction", "xid", e.XID, "state", e.State, "outcome", outcome, "branches", len(tx.Branches))

		if err := tx.Decide(outcome); err != nil {
			return rep, err
		}
		tx.Phase = phase
		if err := c.phaseTwo(ctx, tx, logState); err != nil {
			return rep, err
		}
	}
	return rep, nil
}
