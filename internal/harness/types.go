package harness

import "strconv"

// Trace event types.
const (
	EventStep    = "step"
	EventMessage = "message"
)

// TraceEvent is one entry of a scenario trace: a step the harness took, or
// a message the coordinator sent to the caller or a proxy instance.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Action is the step name for steps. For messages it is the operation
	// of a resource request, otherwise the message kind.
	Action string `json:"action"`

	// Target is the recipient of a message ("caller" or a resource name),
	// or the resource a step addressed.
	Target string `json:"target,omitempty"`
	PID    int    `json:"pid,omitempty"`

	// XID is the scenario label of the transaction.
	XID       string `json:"xid,omitempty"`
	Op        string `json:"op,omitempty"`
	State     string `json:"state,omitempty"`
	Flags     string `json:"flags,omitempty"`
	Instances int    `json:"instances,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Key returns "target.action", the name assertions use for messages.
func (e TraceEvent) Key() string {
	return e.Target + "." + e.Action
}

// fields returns the values assertion args are matched against.
func (e TraceEvent) fields() map[string]string {
	pid := ""
	if e.PID != 0 {
		pid = strconv.Itoa(e.PID)
	}
	return map[string]string{
		"pid":    pid,
		"target": e.Target,
		"xid":    e.XID,
		"op":     e.Op,
		"state":  e.State,
		"flags":  e.Flags,
		"error":  e.Error,
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Messages returns the message events of the trace.
func (r *Result) Messages() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventMessage {
			out = append(out, e)
		}
	}
	return out
}
