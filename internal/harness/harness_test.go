package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenariosWithGolden(t *testing.T) {
	for _, name := range []string{"two_phase_commit", "one_phase_commit", "prepare_failure", "scale_down_busy"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, load(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
		})
	}
}

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
		})
	}
}

func TestRunReportsFailedAssertions(t *testing.T) {
	s := load(t, "one_phase_commit")
	s.Assertions = []Assertion{
		{Type: AssertTraceContains, Action: "caller.commit_reply", Args: map[string]string{"state": "XA_RBROLLBACK"}},
		{Type: AssertTraceCount, Action: "a.commit", Count: 2},
		{Type: AssertFinalState, Table: "transactions", Expect: map[string]string{"count": "1"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "not found in trace")
	assert.Contains(t, result.Errors[1], "1 occurrences")
	assert.Contains(t, result.Errors[2], `"0"`)
}

func TestRunRejectsReplyWithoutRequest(t *testing.T) {
	s := load(t, "one_phase_commit")
	s.Flow = []Step{{Do: StepReply, Resource: "a", State: "XA_OK"}}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no outstanding request")
}

func TestRunRejectsWrongOp(t *testing.T) {
	s := load(t, "two_phase_commit")
	s.Flow[3].Op = "commit"

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outstanding request is prepare")
}

func TestRunCallerExit(t *testing.T) {
	s := &Scenario{
		Name:        "caller_exit",
		Description: "the owner dies before deciding",
		Resources:   load(t, "one_phase_commit").Resources,
		Flow: []Step{
			{Do: StepBegin, XID: "X"},
			{Do: StepInvolve, XID: "X", Resources: []string{"a"}},
			{Do: StepExit},
			{Do: StepReply, Resource: "a", Op: "rollback", State: "XA_OK"},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Action: "a.rollback", Args: map[string]string{"xid": "X"}},
			{Type: AssertTraceCount, Action: "caller.rollback_reply", Count: 0},
			{Type: AssertFinalState, Table: "log", Where: map[string]string{"xid": "X"}, Expect: map[string]string{"state": "absent"}},
			{Type: AssertFinalState, Table: "transactions", Expect: map[string]string{"count": "0"}},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
}

func TestRunProxyExitRespawns(t *testing.T) {
	s := &Scenario{
		Name:        "proxy_exit",
		Description: "a busy instance dies during one-phase commit",
		Resources:   load(t, "one_phase_commit").Resources,
		Flow: []Step{
			{Do: StepBegin, XID: "X"},
			{Do: StepInvolve, XID: "X", Resources: []string{"a"}},
			{Do: StepCommit, XID: "X"},
			{Do: StepExit, Resource: "a"},
			{Do: StepConnect},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Action: "caller.commit_reply", Args: map[string]string{"state": "XAER_RMFAIL"}},
			{Type: AssertFinalState, Table: "instances", Where: map[string]string{"resource": "a"}, Expect: map[string]string{"states": "idle"}},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
}

func TestParseScenarioRejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: misspelled field
resources: []
flow: [{do: begin, xid: X}]
asertions: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "asertions")
}

func TestParseScenarioValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: `{description: d, flow: [{do: begin, xid: X}], assertions: [{type: trace_count, action: a.x}]}`,
			want: "name is required",
		},
		{
			name: "empty flow",
			yaml: `{name: n, description: d, flow: [], assertions: [{type: trace_count, action: a.x}]}`,
			want: "flow list is required",
		},
		{
			name: "unknown step",
			yaml: `{name: n, description: d, flow: [{do: dance}], assertions: [{type: trace_count, action: a.x}]}`,
			want: `unknown step "dance"`,
		},
		{
			name: "involve without resources",
			yaml: `{name: n, description: d, flow: [{do: involve, xid: X}], assertions: [{type: trace_count, action: a.x}]}`,
			want: "xid and resources are required",
		},
		{
			name: "bad reply state",
			yaml: `{name: n, description: d, flow: [{do: reply, resource: a, state: XA_MAYBE}], assertions: [{type: trace_count, action: a.x}]}`,
			want: "unknown XA code",
		},
		{
			name: "final state without expect",
			yaml: `{name: n, description: d, flow: [{do: begin, xid: X}], assertions: [{type: final_state, table: log}]}`,
			want: "expect is required",
		},
		{
			name: "unknown assertion",
			yaml: `{name: n, description: d, flow: [{do: begin, xid: X}], assertions: [{type: vibes}]}`,
			want: `unknown assertion type "vibes"`,
		},
		{
			name: "duplicate resource",
			yaml: `{name: n, description: d, resources: [{name: a, key: k}, {name: a, key: k}], flow: [{do: begin, xid: X}], assertions: [{type: trace_count, action: a.x}]}`,
			want: "duplicate name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Type: EventMessage, Target: "a", Action: "prepare"},
		{Seq: 2, Type: EventMessage, Target: "b", Action: "prepare"},
		{Seq: 3, Type: EventMessage, Target: "a", Action: "commit"},
		{Seq: 4, Type: EventMessage, Target: "a", Action: "prepare"},
	}

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"a.prepare", "a.commit"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"a.prepare", "a.commit", "a.prepare"}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{"a.commit", "b.prepare"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceOrder, ae.Type)
	assert.Contains(t, ae.Error(), "[3] a.commit")
}

func TestMatchArgs(t *testing.T) {
	actual := map[string]string{"xid": "X", "state": "XA_OK", "flags": ""}
	assert.True(t, matchArgs(actual, nil))
	assert.True(t, matchArgs(actual, map[string]string{"xid": "X"}))
	assert.True(t, matchArgs(actual, map[string]string{"flags": ""}))
	assert.False(t, matchArgs(actual, map[string]string{"state": "XA_RDONLY"}))
	assert.False(t, matchArgs(actual, map[string]string{"pid": "1000"}))
}

func TestStateRow(t *testing.T) {
	st := &State{
		Log:          map[string]string{"X": "prepare_commit"},
		Transactions: 2,
		Instances:    map[string][]string{"a": {"idle", "busy"}},
		Terminated:   map[string]int{"a": 1},
	}

	row, err := st.row("log", map[string]string{"xid": "Y"})
	require.NoError(t, err)
	assert.Equal(t, "absent", row["state"])

	row, err = st.row("instances", map[string]string{"resource": "a"})
	require.NoError(t, err)
	assert.Equal(t, "idle,busy", row["states"])
	assert.Equal(t, "2", row["count"])

	_, err = st.row("instances", map[string]string{"resource": "z"})
	assert.Error(t, err)
	_, err = st.row("branches", nil)
	assert.Error(t, err)
}
