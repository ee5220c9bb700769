package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/txmon/internal/config"
	"github.com/roach88/txmon/internal/xa"
)

// Scenario defines an end-to-end transaction manager scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Resources is the proxy configuration applied before the flow. Every
	// instance spawned for it completes its handshake.
	Resources []config.Resource `yaml:"resources"`

	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one thing the harness does: a caller request, a proxy reply or
// an operator action.
type Step struct {
	// Do is the step kind. See the Step* constants.
	Do string `yaml:"do"`

	// XID is the scenario label of a transaction, e.g. "X".
	XID string `yaml:"xid,omitempty"`

	// Resources are the resource names a caller involves.
	Resources []string `yaml:"resources,omitempty"`

	// Resource and Instance address one proxy instance (reply, exit) or a
	// group (scale).
	Resource string `yaml:"resource,omitempty"`
	Instance int    `yaml:"instance,omitempty"`

	// Op is the operation a reply answers; checked against the request.
	Op string `yaml:"op,omitempty"`

	// State is the XA code a reply carries.
	State string `yaml:"state,omitempty"`

	// Instances is the target size of a scale step.
	Instances int `yaml:"instances,omitempty"`

	// Timeout is a begin's transaction timeout; Advance is how far an
	// advance step moves the clock.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Advance time.Duration `yaml:"advance,omitempty"`
}

// Step kinds.
const (
	StepBegin    = "begin"
	StepInvolve  = "involve"
	StepCommit   = "commit"
	StepRollback = "rollback"
	StepReply    = "reply"
	StepScale    = "scale"
	StepConnect  = "connect"
	StepExit     = "exit"
	StepAdvance  = "advance"
)

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is a message key, "target.action" (trace_contains,
	// trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are matched against the message fields (trace_contains).
	// Subset match.
	Args map[string]string `yaml:"args,omitempty"`

	// Table is the state table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where selects the row (final_state).
	Where map[string]string `yaml:"where,omitempty"`

	// Expect contains expected field values (final_state). Subset match.
	Expect map[string]string `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected message order (trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	cfg := config.Config{Resources: s.Resources}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("resources: %w", err)
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	switch s.Do {
	case StepBegin, StepCommit, StepRollback:
		if s.XID == "" {
			return fmt.Errorf("flow[%d]: xid is required for %s", index, s.Do)
		}
	case StepInvolve:
		if s.XID == "" || len(s.Resources) == 0 {
			return fmt.Errorf("flow[%d]: xid and resources are required for involve", index)
		}
	case StepReply:
		if s.Resource == "" {
			return fmt.Errorf("flow[%d]: resource is required for reply", index)
		}
		if _, err := xa.ParseCode(s.State); err != nil {
			return fmt.Errorf("flow[%d]: %w", index, err)
		}
	case StepScale:
		if s.Resource == "" || s.Instances < 0 {
			return fmt.Errorf("flow[%d]: resource and a non-negative instances are required for scale", index)
		}
	case StepAdvance:
		if s.Advance <= 0 {
			return fmt.Errorf("flow[%d]: advance must be positive", index)
		}
	case StepConnect, StepExit:
	case "":
		return fmt.Errorf("flow[%d]: do is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown step %q", index, s.Do)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
