package message

import (
	"testing"
	"time"

	"github.com/shamaton/msgpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/state"
	"github.com/roach88/txmon/internal/xa"
)

var (
	tm  = ipc.Process{PID: 1, Address: "tm"}
	xid = xa.XID{FormatID: 7, GTRID: []byte("global"), BQUAL: []byte("branch")}
)

func TestResourceKinds(t *testing.T) {
	tests := []struct {
		op     Op
		domain bool
		req    Kind
		reply  Kind
	}{
		{OpPrepare, false, KindPrepareRequest, KindPrepareReply},
		{OpCommit, false, KindResourceCommitRequest, KindResourceCommitReply},
		{OpRollback, false, KindResourceRollbackRequest, KindResourceRollbackReply},
		{OpPrepare, true, KindDomainPrepareRequest, KindDomainPrepareReply},
		{OpCommit, true, KindDomainCommitRequest, KindDomainCommitReply},
		{OpRollback, true, KindDomainRollbackRequest, KindDomainRollbackReply},
	}
	for _, tt := range tests {
		t.Run(tt.req.String(), func(t *testing.T) {
			req := &ResourceRequest{Op: tt.op, Domain: tt.domain}
			assert.Equal(t, tt.req, req.Kind())
			assert.Equal(t, tt.reply, req.Reply(tm, xa.XA_OK).Kind())
		})
	}
}

func TestEncodeDecodeResourceRequest(t *testing.T) {
	in := &ResourceRequest{
		Op:       OpCommit,
		Process:  tm,
		XID:      xid,
		Resource: 3,
		Flags:    xa.TMONEPHASE,
	}
	payload, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(payload)
	require.NoError(t, err)
	req, ok := out.(*ResourceRequest)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, KindResourceCommitRequest, req.Kind())
	assert.True(t, req.XID.Equal(xid))
	assert.Equal(t, xa.ResourceID(3), req.Resource)
	assert.True(t, req.Flags.Has(xa.TMONEPHASE))
	assert.Equal(t, tm, req.Process)
}

func TestEncodeDecodeBegin(t *testing.T) {
	start := time.UnixMicro(1700000000123456)
	in := &BeginRequest{Process: tm, XID: xid, Start: start.UnixMicro(), Timeout: 5 * time.Second}

	out, err := Decode(MustEncode(in))
	require.NoError(t, err)
	req := out.(*BeginRequest)
	assert.Equal(t, 5*time.Second, req.Timeout)
	assert.True(t, req.StartTime().Equal(start))
	assert.True(t, (&BeginRequest{}).StartTime().IsZero())
}

func TestEncodeDecodeConfigureAndState(t *testing.T) {
	cfg := &Configure{Resources: []config.Resource{{Key: "ora", Name: "ora", Instances: 2}}}
	out, err := Decode(MustEncode(cfg))
	require.NoError(t, err)
	assert.Equal(t, cfg.Resources, out.(*Configure).Resources)

	snap := &StateReply{Snapshot: state.Snapshot{
		Transactions: []state.TransactionView{{XID: "1:01:01", Phase: "active",
			Branches: []state.BranchView{{Resource: 1, Stage: "involved"}}}},
		Pending: state.PendingView{Replies: 2},
	}}
	out, err = Decode(MustEncode(snap))
	require.NoError(t, err)
	got := out.(*StateReply).Snapshot
	require.Len(t, got.Transactions, 1)
	assert.Equal(t, "involved", got.Transactions[0].Branches[0].Stage)
	assert.Equal(t, 2, got.Pending.Replies)
}

func TestDecodeUnknownKind(t *testing.T) {
	payload := mustEncodeEnvelope(t, Envelope{Kind: 999})
	_, err := Decode(payload)
	assert.ErrorContains(t, err, "unknown message kind 999")

	_, err = Decode([]byte{0xc1})
	assert.Error(t, err)
}

func mustEncodeEnvelope(t *testing.T, env Envelope) []byte {
	t.Helper()
	payload, err := msgpack.Encode(env)
	require.NoError(t, err)
	return payload
}
