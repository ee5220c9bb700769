package xa

import (
	"errors"
	"fmt"
)

// Class groups codes by how the coordinator reacts to them.
type Class string

const (
	// ClassProtocol covers requests that do not fit the transaction's
	// state: unknown xid, duplicate begin, wrong caller.
	ClassProtocol Class = "PROTOCOL"

	// ClassResource covers unreachable or failing resource managers.
	ClassResource Class = "RESOURCE"

	// ClassHeuristic covers branches that decided on their own.
	ClassHeuristic Class = "HEURISTIC"

	// ClassRollback covers XA_RB* outcomes.
	ClassRollback Class = "ROLLBACK"

	// ClassNone is used for XA_OK, XA_RDONLY and anything unclassified.
	ClassNone Class = ""
)

// ClassOf classifies c.
func ClassOf(c Code) Class {
	switch {
	case c == XAER_NOTA, c == XAER_DUPID, c == XAER_PROTO, c == XAER_INVAL, c == XAER_OUTSIDE:
		return ClassProtocol
	case c == XAER_RMFAIL, c == XAER_RMERR, c == XAER_ASYNC:
		return ClassResource
	case c.IsHeuristic():
		return ClassHeuristic
	case c.IsRollback():
		return ClassRollback
	}
	return ClassNone
}

// Error is a failure carrying an XA code.
//
// Operations in the transaction table and coordinator return *Error instead
// of a bare error when the failure maps onto a code the caller expects in
// its reply.
type Error struct {
	Code    Code
	Message string
	XID     XID
}

// Errorf builds an *Error for xid with a formatted message.
func Errorf(code Code, xid XID, format string, args ...any) *Error {
	return &Error{Code: code, XID: xid, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if !e.XID.IsNull() {
		return fmt.Sprintf("%s: %s (xid=%s)", e.Code, e.Message, e.XID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Class returns the class of the carried code.
func (e *Error) Class() Class {
	return ClassOf(e.Code)
}

// CodeOf extracts the XA code from err. Errors that carry no code map to
// XAER_RMERR, nil maps to XA_OK.
func CodeOf(err error) Code {
	if err == nil {
		return XA_OK
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return XAER_RMERR
}

// IsProtocolError reports whether err carries a protocol class code.
// Uses errors.As to handle wrapped errors.
func IsProtocolError(err error) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Class() == ClassProtocol
	}
	return false
}

// IsDuplicate reports whether err is a duplicate transaction error.
func IsDuplicate(err error) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code == XAER_DUPID
	}
	return false
}

// IsUnknown reports whether err is an unknown transaction error.
func IsUnknown(err error) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code == XAER_NOTA
	}
	return false
}
