// Package harness runs end-to-end transaction manager scenarios.
//
// A scenario is a YAML file naming a resource configuration, a flow of
// steps and assertions. The harness drives a real coordinator.Coordinator
// over an in-memory hub with a deterministic clock, an in-memory log and a
// recording spawner. Resource proxies are played by the harness itself:
// requests sent to an instance are recorded and a "reply" step answers the
// oldest one.
//
// After every step the harness flushes the coordinator, as its loop would
// after a batch, and records every message that reached the caller or an
// instance. The recorded trace is what assertions and golden files see.
//
// # Scenario format
//
//	name: two_phase_commit
//	description: both branches vote yes and are committed
//	resources:
//	  - {name: a, key: mockup, instances: 1}
//	flow:
//	  - {do: begin, xid: X}
//	  - {do: involve, xid: X, resources: [a]}
//	  - {do: commit, xid: X}
//	  - {do: reply, resource: a, op: commit, state: XA_OK}
//	assertions:
//	  - {type: trace_contains, action: caller.commit_reply, args: {state: XA_OK}}
//
// Steps: begin, involve, commit, rollback, reply, scale, connect, exit,
// advance. Assertions: trace_contains, trace_order, trace_count and
// final_state over the tables log, transactions, instances and terminated.
//
// # Golden traces
//
// RunWithGolden compares the trace with testdata/golden/<name>.golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
