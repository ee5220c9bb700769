package xa

import (
	"fmt"
	"strings"
)

// Code is an XA return code.
type Code int32

// XA return codes as defined by the X/Open XA specification.
const (
	XA_RBROLLBACK  Code = 100 // rollback, unspecified reason
	XA_RBCOMMFAIL  Code = 101
	XA_RBDEADLOCK  Code = 102
	XA_RBINTEGRITY Code = 103
	XA_RBOTHER     Code = 104
	XA_RBPROTO     Code = 105
	XA_RBTIMEOUT   Code = 106
	XA_RBTRANSIENT Code = 107

	XA_NOMIGRATE Code = 9
	XA_HEURHAZ   Code = 8
	XA_HEURCOM   Code = 7
	XA_HEURRB    Code = 6
	XA_HEURMIX   Code = 5
	XA_RETRY     Code = 4
	XA_RDONLY    Code = 3
	XA_OK        Code = 0

	XAER_ASYNC   Code = -2
	XAER_RMERR   Code = -3
	XAER_NOTA    Code = -4
	XAER_INVAL   Code = -5
	XAER_PROTO   Code = -6
	XAER_RMFAIL  Code = -7
	XAER_DUPID   Code = -8
	XAER_OUTSIDE Code = -9
)

var codeNames = map[Code]string{
	XA_RBROLLBACK:  "XA_RBROLLBACK",
	XA_RBCOMMFAIL:  "XA_RBCOMMFAIL",
	XA_RBDEADLOCK:  "XA_RBDEADLOCK",
	XA_RBINTEGRITY: "XA_RBINTEGRITY",
	XA_RBOTHER:     "XA_RBOTHER",
	XA_RBPROTO:     "XA_RBPROTO",
	XA_RBTIMEOUT:   "XA_RBTIMEOUT",
	XA_RBTRANSIENT: "XA_RBTRANSIENT",
	XA_NOMIGRATE:   "XA_NOMIGRATE",
	XA_HEURHAZ:     "XA_HEURHAZ",
	XA_HEURCOM:     "XA_HEURCOM",
	XA_HEURRB:      "XA_HEURRB",
	XA_HEURMIX:     "XA_HEURMIX",
	XA_RETRY:       "XA_RETRY",
	XA_RDONLY:      "XA_RDONLY",
	XA_OK:          "XA_OK",
	XAER_ASYNC:     "XAER_ASYNC",
	XAER_RMERR:     "XAER_RMERR",
	XAER_NOTA:      "XAER_NOTA",
	XAER_INVAL:     "XAER_INVAL",
	XAER_PROTO:     "XAER_PROTO",
	XAER_RMFAIL:    "XAER_RMFAIL",
	XAER_DUPID:     "XAER_DUPID",
	XAER_OUTSIDE:   "XAER_OUTSIDE",
}

// severity lists codes from most to least severe. When branch results are
// aggregated the code found first here wins.
var severity = []Code{
	XA_HEURHAZ,
	XA_HEURMIX,
	XA_HEURCOM,
	XA_HEURRB,
	XAER_RMFAIL,
	XAER_RMERR,
	XA_RBINTEGRITY,
	XA_RBCOMMFAIL,
	XA_RBROLLBACK,
	XA_RBOTHER,
	XA_RBDEADLOCK,
	XAER_PROTO,
	XA_RBPROTO,
	XA_RBTIMEOUT,
	XA_RBTRANSIENT,
	XAER_INVAL,
	XA_NOMIGRATE,
	XAER_OUTSIDE,
	XAER_ASYNC,
	XA_RETRY,
	XAER_DUPID,
	XAER_NOTA,
	XA_OK,
	XA_RDONLY,
}

var severityRank = func() map[Code]int {
	rank := make(map[Code]int, len(severity))
	for i, c := range severity {
		rank[c] = i
	}
	return rank
}()

// String returns the symbolic name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("XA(%d)", int32(c))
}

// ParseCode parses a symbolic code name such as "XA_OK" or "XAER_RMFAIL".
// Matching is case-insensitive.
func ParseCode(s string) (Code, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for code, n := range codeNames {
		if n == name {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown XA code %q", s)
}

// Rank returns the severity rank of c, lower is more severe.
// Unknown codes rank just above XA_OK.
func (c Code) Rank() int {
	if r, ok := severityRank[c]; ok {
		return r
	}
	return severityRank[XA_OK] - 1
}

// MoreSevere reports whether c is more severe than o.
func (c Code) MoreSevere(o Code) bool {
	return c.Rank() < o.Rank()
}

// MostSevere returns the most severe of codes, XA_RDONLY when codes is empty.
func MostSevere(codes ...Code) Code {
	result := XA_RDONLY
	for _, c := range codes {
		if c.MoreSevere(result) {
			result = c
		}
	}
	return result
}

// IsRollback reports whether c is one of the XA_RB* codes.
func (c Code) IsRollback() bool {
	return c >= XA_RBROLLBACK && c <= XA_RBTRANSIENT
}

// IsHeuristic reports whether c is one of the heuristic outcome codes.
func (c Code) IsHeuristic() bool {
	switch c {
	case XA_HEURHAZ, XA_HEURCOM, XA_HEURRB, XA_HEURMIX:
		return true
	}
	return false
}

// IsError reports whether c is one of the XAER_* codes.
func (c Code) IsError() bool {
	return c < 0
}

// Flags are XA request flags.
type Flags int64

const (
	TMNOFLAGS  Flags = 0
	TMONEPHASE Flags = 0x40000000
)

// Has reports whether f carries flag.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag && flag != 0
}

func (f Flags) String() string {
	if f.Has(TMONEPHASE) {
		return "TMONEPHASE"
	}
	if f == TMNOFLAGS {
		return "TMNOFLAGS"
	}
	return fmt.Sprintf("0x%x", int64(f))
}
