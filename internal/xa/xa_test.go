package xa

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMostSevere(t *testing.T) {
	tests := []struct {
		name  string
		codes []Code
		want  Code
	}{
		{"empty is read only", nil, XA_RDONLY},
		{"ok beats read only", []Code{XA_RDONLY, XA_OK}, XA_OK},
		{"rmfail beats ok", []Code{XA_OK, XAER_RMFAIL}, XAER_RMFAIL},
		{"hazard beats everything", []Code{XAER_RMFAIL, XA_HEURHAZ, XA_HEURMIX}, XA_HEURHAZ},
		{"rollback beats nota", []Code{XAER_NOTA, XA_RBROLLBACK}, XA_RBROLLBACK},
		{"mixed beats commit", []Code{XA_HEURCOM, XA_HEURMIX}, XA_HEURMIX},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MostSevere(tt.codes...))
		})
	}
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "XA_OK", XA_OK.String())
	assert.Equal(t, "XAER_RMFAIL", XAER_RMFAIL.String())
	assert.Equal(t, "XA(42)", Code(42).String())
}

func TestParseCode(t *testing.T) {
	c, err := ParseCode("xaer_rmfail")
	require.NoError(t, err)
	assert.Equal(t, XAER_RMFAIL, c)

	c, err = ParseCode(" XA_RDONLY ")
	require.NoError(t, err)
	assert.Equal(t, XA_RDONLY, c)

	_, err = ParseCode("XA_MAYBE")
	assert.Error(t, err)
}

func TestCodePredicates(t *testing.T) {
	assert.True(t, XA_RBTIMEOUT.IsRollback())
	assert.False(t, XA_OK.IsRollback())
	assert.True(t, XA_HEURMIX.IsHeuristic())
	assert.False(t, XA_RETRY.IsHeuristic())
	assert.True(t, XAER_NOTA.IsError())
	assert.False(t, XA_RDONLY.IsError())
}

func TestFlags(t *testing.T) {
	assert.True(t, TMONEPHASE.Has(TMONEPHASE))
	assert.False(t, TMNOFLAGS.Has(TMONEPHASE))
	assert.False(t, TMNOFLAGS.Has(TMNOFLAGS))
	assert.Equal(t, "TMONEPHASE", TMONEPHASE.String())
	assert.Equal(t, "TMNOFLAGS", TMNOFLAGS.String())
}

func TestXID(t *testing.T) {
	a := XID{FormatID: 1, GTRID: []byte{0x01, 0x02}, BQUAL: []byte{0x0a}}
	b := a.Branch([]byte{0x0b})

	assert.False(t, a.IsNull())
	assert.True(t, Null().IsNull())
	assert.Equal(t, "null", Null().String())
	assert.Equal(t, "1:0102:0a", a.String())
	assert.Equal(t, a.Global(), b.Global(), "branches share the global id")
	assert.False(t, a.Equal(b))
	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, 0, Compare(a, a))
	assert.NoError(t, a.Validate())

	long := XID{FormatID: 1, GTRID: make([]byte, MaxGTRIDSize+1)}
	assert.Error(t, long.Validate())
}

func TestUUIDGenerator(t *testing.T) {
	gen := UUIDGenerator{}
	a := gen.Generate()
	b := gen.Generate()

	assert.Equal(t, FormatID, a.FormatID)
	assert.Len(t, a.GTRID, 16)
	assert.Len(t, a.BQUAL, 16)
	assert.NotEqual(t, a.Global(), b.Global())
	assert.NoError(t, a.Validate())
}

func TestErrorHelpers(t *testing.T) {
	xid := XID{FormatID: 1, GTRID: []byte{0x01}}
	err := fmt.Errorf("begin: %w", Errorf(XAER_DUPID, xid, "transaction exists"))

	assert.True(t, IsDuplicate(err))
	assert.True(t, IsProtocolError(err))
	assert.False(t, IsUnknown(err))
	assert.Equal(t, XAER_DUPID, CodeOf(err))
	assert.Equal(t, XA_OK, CodeOf(nil))
	assert.Equal(t, XAER_RMERR, CodeOf(fmt.Errorf("plain")))
	assert.Contains(t, err.Error(), "XAER_DUPID: transaction exists (xid=1:01:)")

	assert.Equal(t, ClassResource, ClassOf(XAER_RMFAIL))
	assert.Equal(t, ClassHeuristic, ClassOf(XA_HEURHAZ))
	assert.Equal(t, ClassRollback, ClassOf(XA_RBDEADLOCK))
	assert.Equal(t, ClassNone, ClassOf(XA_OK))
}
