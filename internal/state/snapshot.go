package state

import (
	"time"
)

// Snapshot is the introspection view of the coordinator returned to admin
// clients. Times are unix microseconds, zero when unset.
type Snapshot struct {
	Transactions []TransactionView `msgpack:"transactions" json:"transactions"`
	Proxies      []ProxyView       `msgpack:"proxies" json:"proxies"`
	Pending      PendingView       `msgpack:"pending" json:"pending"`

	// Omitted counts transactions left out to keep the reply in one message.
	Omitted int `msgpack:"omitted" json:"omitted,omitempty"`
}

type TransactionView struct {
	XID      string       `msgpack:"xid" json:"xid"`
	Owner    int          `msgpack:"owner" json:"owner"`
	Role     string       `msgpack:"role" json:"role"`
	Phase    string       `msgpack:"phase" json:"phase"`
	Outcome  string       `msgpack:"outcome" json:"outcome"`
	Started  int64        `msgpack:"started" json:"started"`
	Deadline int64        `msgpack:"deadline" json:"deadline,omitempty"`
	Branches []BranchView `msgpack:"branches" json:"branches"`
}

type BranchView struct {
	Resource int    `msgpack:"resource" json:"resource"`
	Remote   string `msgpack:"remote" json:"remote,omitempty"`
	Stage    string `msgpack:"stage" json:"stage"`
	Result   string `msgpack:"result" json:"result"`
	Instance int    `msgpack:"instance" json:"instance,omitempty"`
}

type ProxyView struct {
	ID          int            `msgpack:"id" json:"id"`
	Key         string         `msgpack:"key" json:"key"`
	Name        string         `msgpack:"name" json:"name"`
	Concurrency int            `msgpack:"concurrency" json:"concurrency"`
	Instances   []InstanceView `msgpack:"instances" json:"instances"`
	Invoked     int            `msgpack:"invoked" json:"invoked"`
	MinMicros   int64          `msgpack:"min" json:"min_us"`
	MaxMicros   int64          `msgpack:"max" json:"max_us"`
	AvgMicros   int64          `msgpack:"avg" json:"avg_us"`
}

type InstanceView struct {
	PID         int    `msgpack:"pid" json:"pid"`
	Address     string `msgpack:"address" json:"address"`
	State       string `msgpack:"state" json:"state"`
	Requests    int    `msgpack:"requests" json:"requests"`
	LastRequest int64  `msgpack:"last" json:"last_request,omitempty"`
}

type PendingView struct {
	Replies  int `msgpack:"replies" json:"replies"`
	Requests int `msgpack:"requests" json:"requests"`
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// View returns the table's transactions ordered by xid.
func (t *Table) View() []TransactionView {
	all := t.All()
	out := make([]TransactionView, 0, len(all))
	for _, tx := range all {
		v := TransactionView{
			XID:      tx.XID.String(),
			Owner:    tx.Owner.PID,
			Role:     tx.Role.String(),
			Phase:    tx.Phase.String(),
			Outcome:  tx.Outcome.String(),
			Started:  micros(tx.Started),
			Deadline: micros(tx.Deadline),
			Branches: make([]BranchView, 0, len(tx.Branches)),
		}
		for _, b := range tx.Branches {
			v.Branches = append(v.Branches, BranchView{
				Resource: int(b.ID),
				Remote:   string(b.Remote),
				Stage:    b.Stage.String(),
				Result:   b.Result.String(),
				Instance: b.Instance,
			})
		}
		out = append(out, v)
	}
	return out
}

// ViewProxies renders proxy groups in the given order.
func ViewProxies(proxies []*Proxy) []ProxyView {
	out := make([]ProxyView, 0, len(proxies))
	for _, p := range proxies {
		v := ProxyView{
			ID:          int(p.ID),
			Key:         p.Key,
			Name:        p.Name,
			Concurrency: p.Concurrency,
			Instances:   make([]InstanceView, 0, len(p.Instances)),
			Invoked:     p.Statistics.Count,
			MinMicros:   p.Statistics.Min.Microseconds(),
			MaxMicros:   p.Statistics.Max.Microseconds(),
			AvgMicros:   p.Statistics.Average().Microseconds(),
		}
		for _, i := range p.Instances {
			v.Instances = append(v.Instances, InstanceView{
				PID:         i.Process.PID,
				Address:     string(i.Process.Address),
				State:       i.State.String(),
				Requests:    i.Metrics.Requests,
				LastRequest: micros(i.Metrics.LastRequest),
			})
		}
		out = append(out, v)
	}
	return out
}
