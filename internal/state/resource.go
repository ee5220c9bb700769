package state

import (
	"fmt"
	"time"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/xa"
)

// Stage is the protocol position of one branch.
type Stage int

const (
	StageInvolved Stage = iota + 1
	StagePrepareRequested
	StagePrepareReplied
	StageCommitRequested
	StageCommitReplied
	StageRollbackRequested
	StageRollbackReplied
	// StageDone marks a branch with no further obligations: it voted read
	// only, rolled back on its own, or reported a heuristic outcome.
	StageDone
	StageError
)

var stageNames = map[Stage]string{
	StageInvolved:          "involved",
	StagePrepareRequested:  "prepare_requested",
	StagePrepareReplied:    "prepare_replied",
	StageCommitRequested:   "commit_requested",
	StageCommitReplied:     "commit_replied",
	StageRollbackRequested: "rollback_requested",
	StageRollbackReplied:   "rollback_replied",
	StageDone:              "done",
	StageError:             "error",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// transitions lists the legal successors of each stage. Branches only move
// forward; terminal stages have no successors.
var transitions = map[Stage][]Stage{
	StageInvolved:          {StagePrepareRequested, StageCommitRequested, StageRollbackRequested, StageDone},
	StagePrepareRequested:  {StagePrepareReplied, StageError},
	StagePrepareReplied:    {StageCommitRequested, StageRollbackRequested, StageDone},
	StageCommitRequested:   {StageCommitReplied, StageError},
	StageRollbackRequested: {StageRollbackReplied, StageError},
}

// InFlight reports whether a request to the branch is outstanding.
func (s Stage) InFlight() bool {
	switch s {
	case StagePrepareRequested, StageCommitRequested, StageRollbackRequested:
		return true
	}
	return false
}

// Terminal reports whether the branch needs nothing more.
func (s Stage) Terminal() bool {
	switch s {
	case StageCommitReplied, StageRollbackReplied, StageDone, StageError:
		return true
	}
	return false
}

// Resource is one branch of a transaction.
type Resource struct {
	// ID is the configured proxy group, or a negative id for an external
	// branch living in the domain at Remote.
	ID     xa.ResourceID
	Remote ipc.Address

	Stage  Stage
	Result xa.Code

	// Instance is the pid of the proxy instance the outstanding request was
	// dispatched to, zero while queued or for external branches.
	Instance    int
	RequestedAt time.Time
}

// External reports whether the branch lives in another domain.
func (r *Resource) External() bool {
	return r.ID.External()
}

// Advance moves the branch to next, refusing backward or sideways moves.
func (r *Resource) Advance(next Stage) error {
	for _, s := range transitions[r.Stage] {
		if s == next {
			r.Stage = next
			return nil
		}
	}
	return fmt.Errorf("resource %d: illegal transition %s -> %s", r.ID, r.Stage, next)
}

// Request moves the branch into a requested stage and stamps the time.
func (r *Resource) Request(next Stage, now time.Time) error {
	if err := r.Advance(next); err != nil {
		return err
	}
	r.Instance = 0
	r.RequestedAt = now
	return nil
}

// Reply records a reply code and moves to the replied stage.
func (r *Resource) Reply(next Stage, code xa.Code) error {
	if err := r.Advance(next); err != nil {
		return err
	}
	r.Result = code
	r.Instance = 0
	return nil
}

// Fail marks the outstanding request as failed with code.
func (r *Resource) Fail(code xa.Code) error {
	if err := r.Advance(StageError); err != nil {
		return err
	}
	r.Result = code
	r.Instance = 0
	return nil
}
