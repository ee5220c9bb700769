// Package message defines every message the transaction manager sends or
// receives, as a tagged union: each concrete type reports its Kind and the
// event loop dispatches on it with a type switch.
package message

import (
	"fmt"
	"time"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/xa"
)

// Kind identifies a message type on the wire.
type Kind uint16

const (
	KindBeginRequest Kind = iota + 1
	KindBeginReply
	KindCommitRequest
	KindCommitReply
	KindRollbackRequest
	KindRollbackReply
	KindInvolved
	KindDomainInvolved

	KindPrepareRequest
	KindPrepareReply
	KindResourceCommitRequest
	KindResourceCommitReply
	KindResourceRollbackRequest
	KindResourceRollbackReply

	KindDomainPrepareRequest
	KindDomainPrepareReply
	KindDomainCommitRequest
	KindDomainCommitReply
	KindDomainRollbackRequest
	KindDomainRollbackReply

	KindConnect
	KindShutdown
	KindProcessExit
	KindConfigure
	KindReady

	KindScaleRequest
	KindScaleReply
	KindStateRequest
	KindStateReply
)

var kindNames = map[Kind]string{
	KindBeginRequest:            "begin_request",
	KindBeginReply:              "begin_reply",
	KindCommitRequest:           "commit_request",
	KindCommitReply:             "commit_reply",
	KindRollbackRequest:         "rollback_request",
	KindRollbackReply:           "rollback_reply",
	KindInvolved:                "involved",
	KindDomainInvolved:          "domain_involved",
	KindPrepareRequest:          "prepare_request",
	KindPrepareReply:            "prepare_reply",
	KindResourceCommitRequest:   "resource_commit_request",
	KindResourceCommitReply:     "resource_commit_reply",
	KindResourceRollbackRequest: "resource_rollback_request",
	KindResourceRollbackReply:   "resource_rollback_reply",
	KindDomainPrepareRequest:    "domain_prepare_request",
	KindDomainPrepareReply:      "domain_prepare_reply",
	KindDomainCommitRequest:     "domain_commit_request",
	KindDomainCommitReply:       "domain_commit_reply",
	KindDomainRollbackRequest:   "domain_rollback_request",
	KindDomainRollbackReply:     "domain_rollback_reply",
	KindConnect:                 "connect",
	KindShutdown:                "shutdown",
	KindProcessExit:             "process_exit",
	KindConfigure:               "configure",
	KindReady:                   "ready",
	KindScaleRequest:            "scale_request",
	KindScaleReply:              "scale_reply",
	KindStateRequest:            "state_request",
	KindStateReply:              "state_reply",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Message is implemented by every concrete message type.
type Message interface {
	Kind() Kind
}

// Op is the XA operation carried by resource and domain messages.
type Op uint8

const (
	OpPrepare Op = iota + 1
	OpCommit
	OpRollback
)

func (o Op) String() string {
	switch o {
	case OpPrepare:
		return "prepare"
	case OpCommit:
		return "commit"
	case OpRollback:
		return "rollback"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Caller protocol.

type BeginRequest struct {
	Process ipc.Process   `msgpack:"process"`
	XID     xa.XID        `msgpack:"xid"`
	Start   int64         `msgpack:"start"`
	Timeout time.Duration `msgpack:"timeout"`
}

func (*BeginRequest) Kind() Kind { return KindBeginRequest }

// StartTime returns Start as a time, zero when unset.
func (m *BeginRequest) StartTime() time.Time {
	if m.Start == 0 {
		return time.Time{}
	}
	return time.UnixMicro(m.Start)
}

type BeginReply struct {
	Process ipc.Process `msgpack:"process"`
	XID     xa.XID      `msgpack:"xid"`
	State   xa.Code     `msgpack:"state"`
}

func (*BeginReply) Kind() Kind { return KindBeginReply }

type CommitRequest struct {
	Process ipc.Process `msgpack:"process"`
	XID     xa.XID      `msgpack:"xid"`
}

func (*CommitRequest) Kind() Kind { return KindCommitRequest }

type CommitReply struct {
	Process ipc.Process `msgpack:"process"`
	XID     xa.XID      `msgpack:"xid"`
	State   xa.Code     `msgpack:"state"`
}

func (*CommitReply) Kind() Kind { return KindCommitReply }

type RollbackRequest struct {
	Process ipc.Process `msgpack:"process"`
	XID     xa.XID      `msgpack:"xid"`
}

func (*RollbackRequest) Kind() Kind { return KindRollbackRequest }

type RollbackReply struct {
	Process ipc.Process `msgpack:"process"`
	XID     xa.XID      `msgpack:"xid"`
	State   xa.Code     `msgpack:"state"`
}

func (*RollbackReply) Kind() Kind { return KindRollbackReply }

// Involved reports local resources taking part in a transaction. No reply.
type Involved struct {
	Process   ipc.Process     `msgpack:"process"`
	XID       xa.XID          `msgpack:"xid"`
	Resources []xa.ResourceID `msgpack:"resources"`
}

func (*Involved) Kind() Kind { return KindInvolved }

// DomainInvolved reports that a remote domain's coordinator, reachable at
// Domain, takes part in a transaction. Sent by the inter-domain gateway.
type DomainInvolved struct {
	Process ipc.Process `msgpack:"process"`
	XID     xa.XID      `msgpack:"xid"`
	Domain  ipc.Address `msgpack:"domain"`
}

func (*DomainInvolved) Kind() Kind { return KindDomainInvolved }

// Resource and inter-domain protocol.

// ResourceRequest asks a resource proxy, or with Domain set a peer
// coordinator, to prepare, commit or roll back a branch.
type ResourceRequest struct {
	Op       Op            `msgpack:"op"`
	Domain   bool          `msgpack:"domain"`
	Process  ipc.Process   `msgpack:"process"`
	XID      xa.XID        `msgpack:"xid"`
	Resource xa.ResourceID `msgpack:"resource"`
	Flags    xa.Flags      `msgpack:"flags"`
}

func (m *ResourceRequest) Kind() Kind {
	return requestKind(m.Op, m.Domain)
}

// ResourceReply answers a ResourceRequest.
type ResourceReply struct {
	Op       Op            `msgpack:"op"`
	Domain   bool          `msgpack:"domain"`
	Process  ipc.Process   `msgpack:"process"`
	XID      xa.XID        `msgpack:"xid"`
	Resource xa.ResourceID `msgpack:"resource"`
	State    xa.Code       `msgpack:"state"`
}

func (m *ResourceReply) Kind() Kind {
	return requestKind(m.Op, m.Domain) + 1
}

func requestKind(op Op, domain bool) Kind {
	base := KindPrepareRequest
	if domain {
		base = KindDomainPrepareRequest
	}
	switch op {
	case OpCommit:
		return base + 2
	case OpRollback:
		return base + 4
	}
	return base
}

// Reply builds the reply to r with the given state, sent by from.
func (m *ResourceRequest) Reply(from ipc.Process, code xa.Code) *ResourceReply {
	return &ResourceReply{
		Op:       m.Op,
		Domain:   m.Domain,
		Process:  from,
		XID:      m.XID,
		Resource: m.Resource,
		State:    code,
	}
}

// Proxy lifecycle.

// Connect is a proxy instance's handshake after opening its resource
// manager. State is the xa_open result.
type Connect struct {
	Process  ipc.Process   `msgpack:"process"`
	Resource xa.ResourceID `msgpack:"resource"`
	State    xa.Code       `msgpack:"state"`
}

func (*Connect) Kind() Kind { return KindConnect }

// Shutdown asks a proxy instance, or the coordinator itself, to finish its
// current work and exit.
type Shutdown struct {
	Process ipc.Process `msgpack:"process"`
}

func (*Shutdown) Kind() Kind { return KindShutdown }

// ProcessExit reports that a process terminated.
type ProcessExit struct {
	PID    int `msgpack:"pid"`
	Status int `msgpack:"status"`
}

func (*ProcessExit) Kind() Kind { return KindProcessExit }

// Configure replaces the resource configuration.
type Configure struct {
	Resources []config.Resource `msgpack:"resources"`
}

func (*Configure) Kind() Kind { return KindConfigure }

// Ready tells the domain manager every proxy group has a running instance.
type Ready struct {
	Process ipc.Process `msgpack:"process"`
}

func (*Ready) Kind() Kind { return KindReady }

// Administration.

type ScaleRequest struct {
	Process   ipc.Process `msgpack:"process"`
	Name      string      `msgpack:"name"`
	Instances int         `msgpack:"instances"`
}

func (*ScaleRequest) Kind() Kind { return KindScaleRequest }

type ScaleReply struct {
	Name      string `msgpack:"name" json:"name"`
	Instances int    `msgpack:"instances" json:"instances"`
	Error     string `msgpack:"error" json:"error,omitempty"`
}

func (*ScaleReply) Kind() Kind { return KindScaleReply }

type StateRequest struct {
	Process ipc.Process `msgpack:"process"`
}

func (*StateRequest) Kind() Kind { return KindStateRequest }

type StateReply struct {
	Snapshot state.Snapshot `msgpack:"snapshot"`
}

func (*StateReply) Kind() Kind { return KindStateReply }
