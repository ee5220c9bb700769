package proxy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/txmon/internal/xa"
)

// Mockup is a Switch whose results are scripted by its open info, a comma
// separated list of op=CODE pairs plus an optional delay:
//
//	prepare=XA_RDONLY,commit=XAER_RMFAIL,delay=5ms
//
// Ops are open, close, prepare, commit and rollback; unscripted ops return
// XA_OK. An open info that does not parse makes Open return XAER_INVAL.
type Mockup struct {
	mu     sync.Mutex
	codes  map[string]xa.Code
	delay  time.Duration
	calls  []Call
	opened bool
}

// Call is one recorded switch invocation.
type Call struct {
	Op    string
	XID   xa.XID
	Flags xa.Flags
}

// NewMockup creates a mockup switch answering XA_OK to everything.
func NewMockup() *Mockup {
	return &Mockup{codes: make(map[string]xa.Code)}
}

// ParseScript parses a mockup open info.
func ParseScript(info string) (map[string]xa.Code, time.Duration, error) {
	codes := make(map[string]xa.Code)
	var delay time.Duration
	for _, part := range strings.Split(info, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		op, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, 0, fmt.Errorf("mockup: %q is not op=value", part)
		}
		op = strings.ToLower(strings.TrimSpace(op))
		switch op {
		case "delay":
			d, err := time.ParseDuration(strings.TrimSpace(value))
			if err != nil {
				return nil, 0, fmt.Errorf("mockup: %w", err)
			}
			delay = d
		case "open", "close", "prepare", "commit", "rollback":
			code, err := xa.ParseCode(value)
			if err != nil {
				return nil, 0, fmt.Errorf("mockup: %s: %w", op, err)
			}
			codes[op] = code
		default:
			return nil, 0, fmt.Errorf("mockup: unknown op %q", op)
		}
	}
	return codes, delay, nil
}

func (m *Mockup) call(op string, xid xa.XID, flags xa.Flags) xa.Code {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, XID: xid, Flags: flags})
	code, ok := m.codes[op]
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return xa.XA_OK
	}
	return code
}

// Open implements Switch.
func (m *Mockup) Open(info string) xa.Code {
	codes, delay, err := ParseScript(info)
	if err != nil {
		return xa.XAER_INVAL
	}
	m.mu.Lock()
	m.codes = codes
	m.delay = delay
	m.mu.Unlock()

	code := m.call("open", xa.Null(), xa.TMNOFLAGS)
	m.mu.Lock()
	m.opened = code == xa.XA_OK
	m.mu.Unlock()
	return code
}

// Close implements Switch.
func (m *Mockup) Close(string) xa.Code {
	code := m.call("close", xa.Null(), xa.TMNOFLAGS)
	m.mu.Lock()
	m.opened = false
	m.mu.Unlock()
	return code
}

// Prepare implements Switch.
func (m *Mockup) Prepare(xid xa.XID, flags xa.Flags) xa.Code {
	return m.call("prepare", xid, flags)
}

// Commit implements Switch.
func (m *Mockup) Commit(xid xa.XID, flags xa.Flags) xa.Code {
	return m.call("commit", xid, flags)
}

// Rollback implements Switch.
func (m *Mockup) Rollback(xid xa.XID, flags xa.Flags) xa.Code {
	return m.call("rollback", xid, flags)
}

// Calls returns the recorded invocations.
func (m *Mockup) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Opened reports whether the switch is open.
func (m *Mockup) Opened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}
