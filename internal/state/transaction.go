package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/xa"
)

// Outcome is the coordinator's final decision for a transaction.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCommit
	OutcomeRollback
	// OutcomeMixed and OutcomeHazard are decided when a branch reported a
	// heuristic result while voting; the remaining branches are rolled back.
	OutcomeMixed
	OutcomeHazard
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommit:
		return "commit"
	case OutcomeRollback:
		return "rollback"
	case OutcomeMixed:
		return "mixed"
	case OutcomeHazard:
		return "hazard"
	}
	return "none"
}

// Phase is the coarse protocol state of a transaction.
type Phase int

const (
	PhaseActive Phase = iota
	PhasePreparing
	PhasePrepared
	PhaseCommitting
	PhaseCommitted
	PhaseAborting
	PhaseAborted
	PhaseError
)

func (p Phase) String() string {
	return [...]string{"active", "preparing", "prepared", "committing", "committed", "aborting", "aborted", "error"}[p]
}

// Role tells who started a transaction.
type Role int

const (
	// RoleOwner transactions were begun by a local caller.
	RoleOwner Role = iota
	// RoleParticipant transactions are owned by another domain's coordinator.
	RoleParticipant
	// RoleRecovered transactions were rebuilt from the log at startup.
	RoleRecovered
)

func (r Role) String() string {
	return [...]string{"owner", "participant", "recovered"}[r]
}

// ReplyKind selects which reply a waiter receives.
type ReplyKind int

const (
	ReplyCommit ReplyKind = iota + 1
	ReplyRollback
	ReplyDomainPrepare
	ReplyDomainCommit
	ReplyDomainRollback
)

// Domain reports whether the reply goes to a peer coordinator.
func (k ReplyKind) Domain() bool {
	return k >= ReplyDomainPrepare
}

// Waiter is the process owed a reply when the current phase completes.
type Waiter struct {
	Process ipc.Process
	Kind    ReplyKind
	// XID is echoed as received, including the branch qualifier.
	XID xa.XID
	// Resource is echoed back to peer coordinators.
	Resource xa.ResourceID
}

// Directive tells the inbound dispatcher what to do with a transaction after
// a reply to a peer coordinator was produced.
type Directive int

const (
	KeepTransaction Directive = iota
	RemoveTransaction
)

func (d Directive) String() string {
	if d == RemoveTransaction {
		return "remove_transaction"
	}
	return "keep_transaction"
}

// ErrDecided is returned when a second decision is attempted.
var ErrDecided = errors.New("outcome already decided")

// Transaction is the coordinator-side state of one global transaction.
type Transaction struct {
	XID      xa.XID
	Owner    ipc.Process
	Role     Role
	Branches []*Resource
	Started  time.Time
	Deadline time.Time
	Outcome  Outcome
	Phase    Phase
	Waiter   *Waiter

	// OnePhase is set when the single branch was committed with TMONEPHASE.
	OnePhase bool
	// TimedOut is set when the deadline passed before the owner decided.
	TimedOut bool
	// Logged is set once a log row exists for the transaction.
	Logged bool

	remotes map[ipc.Address]xa.ResourceID
}

func newTransaction(xid xa.XID, owner ipc.Process, role Role, start time.Time) *Transaction {
	return &Transaction{
		XID:     xid,
		Owner:   owner,
		Role:    role,
		Started: start,
		remotes: make(map[ipc.Address]xa.ResourceID),
	}
}

// Decide sets the outcome. It fails if an outcome is already set.
func (t *Transaction) Decide(o Outcome) error {
	if t.Outcome != OutcomeNone {
		return fmt.Errorf("%w: %s (xid=%s)", ErrDecided, t.Outcome, t.XID)
	}
	t.Outcome = o
	return nil
}

// Decided reports whether an outcome has been set.
func (t *Transaction) Decided() bool {
	return t.Outcome != OutcomeNone
}

// Branch returns the branch for id, nil if not enlisted.
func (t *Transaction) Branch(id xa.ResourceID) *Resource {
	for _, b := range t.Branches {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// Enlist adds a local branch in StageInvolved. It reports false when the
// branch already existed.
func (t *Transaction) Enlist(id xa.ResourceID) bool {
	if t.Branch(id) != nil {
		return false
	}
	t.Branches = append(t.Branches, &Resource{ID: id, Stage: StageInvolved})
	return true
}

// EnlistRemote adds an external branch for the domain at addr. Each address
// gets one stable negative id per transaction.
func (t *Transaction) EnlistRemote(addr ipc.Address) *Resource {
	if id, ok := t.remotes[addr]; ok {
		return t.Branch(id)
	}
	id := xa.ResourceID(-(len(t.remotes) + 1))
	t.remotes[addr] = id
	r := &Resource{ID: id, Remote: addr, Stage: StageInvolved}
	t.Branches = append(t.Branches, r)
	return r
}

// InStage returns the branches currently in any of stages, in enlistment
// order.
func (t *Transaction) InStage(stages ...Stage) []*Resource {
	var out []*Resource
	for _, b := range t.Branches {
		for _, s := range stages {
			if b.Stage == s {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// InFlight reports whether any branch has an outstanding request.
func (t *Transaction) InFlight() bool {
	for _, b := range t.Branches {
		if b.Stage.InFlight() {
			return true
		}
	}
	return false
}

// Untouched reports whether no branch has been contacted yet.
func (t *Transaction) Untouched() bool {
	for _, b := range t.Branches {
		if b.Stage != StageInvolved {
			return false
		}
	}
	return true
}

// Results returns the most severe result among branches that replied.
func (t *Transaction) Results() xa.Code {
	codes := make([]xa.Code, 0, len(t.Branches))
	for _, b := range t.Branches {
		if b.Stage != StageInvolved && !b.Stage.InFlight() {
			codes = append(codes, b.Result)
		}
	}
	return xa.MostSevere(codes...)
}

// Verdict aggregates the branch results of a decided transaction into the
// code reported to whoever waits for it. XA_HEURHAZ wins when any branch
// failed its phase-two request or reported hazard. XA_HEURMIX covers other
// heuristic results and branches that rolled back a commit decision.
// Otherwise the decision itself is reported.
func (t *Transaction) Verdict() xa.Code {
	hazard := t.Outcome == OutcomeHazard
	mixed := t.Outcome == OutcomeMixed
	for _, b := range t.Branches {
		switch {
		case b.Stage == StageError, b.Result == xa.XA_HEURHAZ:
			hazard = true
		case b.Result.IsHeuristic():
			mixed = true
		case t.Outcome == OutcomeCommit && b.Stage == StageCommitReplied && b.Result.IsRollback():
			mixed = true
		}
	}
	switch {
	case hazard:
		return xa.XA_HEURHAZ
	case mixed:
		return xa.XA_HEURMIX
	case t.Outcome == OutcomeCommit:
		return xa.XA_OK
	case t.TimedOut:
		return xa.XA_RBTIMEOUT
	}
	return xa.XA_RBROLLBACK
}

// Expired reports whether the deadline has passed at now.
func (t *Transaction) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}
