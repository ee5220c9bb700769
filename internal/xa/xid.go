// Package xa holds the X/Open XA vocabulary shared by every part of the
// transaction manager: transaction identifiers, XA and TX return codes,
// request flags and the typed error used to report them.
package xa

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Size limits for the two XID parts (MAXGTRIDSIZE / MAXBQUALSIZE).
const (
	MaxGTRIDSize = 64
	MaxBQUALSize = 64
)

// NullFormat marks the null XID.
const NullFormat int64 = -1

// FormatID is the format id stamped on XIDs generated by this manager.
const FormatID int64 = 0x74786d6e

// ResourceID identifies a configured resource proxy group (> 0) or an
// external branch owned by a remote domain (< 0).
type ResourceID int

// External reports whether the id refers to a branch in another domain.
func (id ResourceID) External() bool {
	return id < 0
}

// XID is a global transaction identifier.
//
// GTRID identifies the global transaction. BQUAL identifies the branch when
// this manager participates in a transaction owned by another domain.
type XID struct {
	FormatID int64  `msgpack:"format" json:"format"`
	GTRID    []byte `msgpack:"gtrid" json:"gtrid"`
	BQUAL    []byte `msgpack:"bqual" json:"bqual"`
}

// Null returns the null XID.
func Null() XID {
	return XID{FormatID: NullFormat}
}

// IsNull reports whether x is the null XID.
func (x XID) IsNull() bool {
	return x.FormatID == NullFormat || len(x.GTRID) == 0
}

// Validate checks the size limits.
func (x XID) Validate() error {
	if len(x.GTRID) > MaxGTRIDSize {
		return fmt.Errorf("gtrid is %d bytes, max %d", len(x.GTRID), MaxGTRIDSize)
	}
	if len(x.BQUAL) > MaxBQUALSize {
		return fmt.Errorf("bqual is %d bytes, max %d", len(x.BQUAL), MaxBQUALSize)
	}
	return nil
}

// Global returns the key of the global transaction x belongs to.
// Branches of the same transaction share it.
func (x XID) Global() string {
	return hex.EncodeToString(x.GTRID)
}

// Equal compares format and both parts byte by byte.
func (x XID) Equal(o XID) bool {
	return x.FormatID == o.FormatID && bytes.Equal(x.GTRID, o.GTRID) && bytes.Equal(x.BQUAL, o.BQUAL)
}

// Compare orders XIDs by gtrid, then bqual, then format.
func Compare(a, b XID) int {
	if c := bytes.Compare(a.GTRID, b.GTRID); c != 0 {
		return c
	}
	if c := bytes.Compare(a.BQUAL, b.BQUAL); c != 0 {
		return c
	}
	switch {
	case a.FormatID < b.FormatID:
		return -1
	case a.FormatID > b.FormatID:
		return 1
	}
	return 0
}

// String renders the XID as gtrid:bqual in hex, prefixed with the format id.
func (x XID) String() string {
	if x.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GTRID), hex.EncodeToString(x.BQUAL))
}

// Branch returns a copy of x with a different branch qualifier.
func (x XID) Branch(bqual []byte) XID {
	return XID{
		FormatID: x.FormatID,
		GTRID:    bytes.Clone(x.GTRID),
		BQUAL:    bytes.Clone(bqual),
	}
}
