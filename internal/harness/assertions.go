package harness

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// State is the final state final_state assertions query, captured after
// the last step.
type State struct {
	// Log maps xid labels to the state of their log row. Labels without a
	// row are missing.
	Log map[string]string

	// Transactions is the number of transactions still in the table.
	Transactions int

	// Instances maps resource names to their instance states.
	Instances map[string][]string

	// Terminated counts killed instances per resource name.
	Terminated map[string]int
}

// row returns the fields of the row selected by where.
func (s *State) row(table string, where map[string]string) (map[string]string, error) {
	switch table {
	case "log":
		label, ok := where["xid"]
		if !ok {
			return nil, fmt.Errorf("log rows are selected by xid")
		}
		st, ok := s.Log[label]
		if !ok {
			st = "absent"
		}
		return map[string]string{"xid": label, "state": st}, nil

	case "transactions":
		return map[string]string{"count": strconv.Itoa(s.Transactions)}, nil

	case "instances":
		name, ok := where["resource"]
		if !ok {
			return nil, fmt.Errorf("instance rows are selected by resource")
		}
		states, ok := s.Instances[name]
		if !ok {
			return nil, fmt.Errorf("unknown resource %q", name)
		}
		return map[string]string{
			"resource": name,
			"count":    strconv.Itoa(len(states)),
			"states":   strings.Join(states, ","),
		}, nil

	case "terminated":
		name, ok := where["resource"]
		if !ok {
			return nil, fmt.Errorf("terminated rows are selected by resource")
		}
		return map[string]string{"resource": name, "count": strconv.Itoa(s.Terminated[name])}, nil
	}
	return nil, fmt.Errorf("unknown table %q", table)
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nMessages:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s\n", event.Seq, event.Key(), formatArgs(event.fields()))
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure
// messages, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion, st *State) []string {
	messages := result.Messages()
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(messages, a)
		case AssertTraceOrder:
			err = assertTraceOrder(messages, a)
		case AssertTraceCount:
			err = assertTraceCount(messages, a)
		case AssertFinalState:
			err = assertFinalState(st, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// assertTraceContains checks if the trace contains a message matching the
// specified action and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Key() == assertion.Action && matchArgs(event.fields(), assertion.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with %s", assertion.Action, formatArgs(assertion.Args)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening actions are allowed).
// A repeated action matches its next occurrence after the previous match.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, action := range assertion.Actions {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Key() == action {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual:   fmt.Sprintf("%s not found after the preceding actions", action),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified
// number of times. Args, when given, narrow the messages counted.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Key() == assertion.Action && matchArgs(event.fields(), assertion.Args) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the selected row of a state table using subset
// semantics.
func assertFinalState(st *State, assertion Assertion) error {
	row, err := st.row(assertion.Table, assertion.Where)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatArgs(assertion.Where)),
			Actual:   err.Error(),
		}
	}
	for _, key := range sortedKeys(assertion.Expect) {
		expected := assertion.Expect[key]
		actual, ok := row[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist in %s", key, assertion.Table),
				Actual:   fmt.Sprintf("fields are %v", sortedKeys(row)),
			}
		}
		if actual != expected {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %q where %s", assertion.Table, key, expected, formatArgs(assertion.Where)),
				Actual:   fmt.Sprintf("%q", actual),
			}
		}
	}
	return nil
}

// matchArgs checks if actual contains all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]string) bool {
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}

// formatArgs renders non-empty args as k=v pairs in key order.
func formatArgs(args map[string]string) string {
	parts := make([]string, 0, len(args))
	for _, k := range sortedKeys(args) {
		if args[k] != "" {
			parts = append(parts, k+"="+args[k])
		}
	}
	if len(parts) == 0 {
		return "(no args)"
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
