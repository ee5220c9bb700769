// Package pending holds messages the coordinator could not send right away.
//
// Two queues exist: replies owed to callers and peer coordinators, and
// requests owed to resource proxies. Both are drained opportunistically by
// the event loop; nothing here blocks.
package pending

import (
	"time"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/xa"
)

// Reply is a message owed to a process.
type Reply struct {
	Target  ipc.Process
	Payload []byte
	Queued  time.Time
}

// Request is a message owed to a branch. Local branches wait for an idle
// instance of Resource; external branches are sent to Remote.
type Request struct {
	Resource xa.ResourceID
	Remote   ipc.Address
	XID      xa.XID
	Payload  []byte
	Queued   time.Time
}

// Result tells Drain what happened to one entry.
type Result int

const (
	// Sent removes the entry.
	Sent Result = iota
	// Retry keeps the entry for the next drain.
	Retry
	// Discard removes the entry without sending it.
	Discard
)

// Queue is a FIFO of pending entries.
type Queue[T any] struct {
	items []T
}

// Push appends v.
func (q *Queue[T]) Push(v T) {
	q.items = append(q.items, v)
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Items returns a copy of the queued entries.
func (q *Queue[T]) Items() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Drain offers every entry to try in order and keeps those it asks to
// retry. It returns the number of entries sent.
func (q *Queue[T]) Drain(try func(T) Result) int {
	if len(q.items) == 0 {
		return 0
	}
	sent := 0
	kept := q.items[:0]
	for _, v := range q.items {
		switch try(v) {
		case Sent:
			sent++
		case Retry:
			kept = append(kept, v)
		}
	}
	clear(q.items[len(kept):])
	q.items = kept
	return sent
}

// RemoveFunc drops every entry for which match returns true and returns how
// many were dropped.
func (q *Queue[T]) RemoveFunc(match func(T) bool) int {
	before := len(q.items)
	kept := q.items[:0]
	for _, v := range q.items {
		if !match(v) {
			kept = append(kept, v)
		}
	}
	clear(q.items[len(kept):])
	q.items = kept
	return before - len(kept)
}
