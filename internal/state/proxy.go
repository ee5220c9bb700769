package state

import (
	"time"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/xa"
)

// InstanceState is the lifecycle state of one proxy process.
type InstanceState int

const (
	InstanceAbsent InstanceState = iota
	// InstanceStarted processes are spawned but have not completed their
	// connect handshake. They are never sent protocol messages.
	InstanceStarted
	InstanceIdle
	InstanceBusy
	// InstanceStartupError processes failed to open their resource manager.
	InstanceStartupError
	InstanceShutdown
)

func (s InstanceState) String() string {
	return [...]string{"absent", "started", "idle", "busy", "startup_error", "shutdown"}[s]
}

// Metrics counts work dispatched to an instance.
type Metrics struct {
	LastRequest time.Time
	Requests    int
}

// Instance is one resource proxy process.
type Instance struct {
	Resource xa.ResourceID
	Process  ipc.Process
	State    InstanceState
	Metrics  Metrics
	Started  time.Time
}

// Running reports whether the instance counts toward the pool's size.
func (i *Instance) Running() bool {
	switch i.State {
	case InstanceStarted, InstanceIdle, InstanceBusy:
		return true
	}
	return false
}

// Statistics tracks request round trips to a proxy group.
type Statistics struct {
	Min   time.Duration
	Max   time.Duration
	Total time.Duration
	Count int
}

// Add records one round trip.
func (s *Statistics) Add(d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Total += d
	s.Count++
}

// Average returns the mean round trip, zero when nothing was recorded.
func (s Statistics) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Proxy is a configured resource proxy group and its running pool.
type Proxy struct {
	ID        xa.ResourceID
	Key       string
	Name      string
	OpenInfo  string
	CloseInfo string
	Server    string

	// Concurrency is the desired number of running instances.
	Concurrency int
	// Instances are kept in spawn order, the newest last.
	Instances  []*Instance
	Statistics Statistics
}

// Running returns the instances that count toward Concurrency.
func (p *Proxy) Running() []*Instance {
	var out []*Instance
	for _, i := range p.Instances {
		if i.Running() {
			out = append(out, i)
		}
	}
	return out
}

// Idle returns the first idle instance, or nil.
func (p *Proxy) Idle() *Instance {
	for _, i := range p.Instances {
		if i.State == InstanceIdle {
			return i
		}
	}
	return nil
}

// Instance returns the instance with the given pid, or nil.
func (p *Proxy) Instance(pid int) *Instance {
	for _, i := range p.Instances {
		if i.Process.PID == pid {
			return i
		}
	}
	return nil
}

// Remove drops the instance with the given pid and returns it.
func (p *Proxy) Remove(pid int) *Instance {
	for n, i := range p.Instances {
		if i.Process.PID == pid {
			p.Instances = append(p.Instances[:n], p.Instances[n+1:]...)
			return i
		}
	}
	return nil
}
