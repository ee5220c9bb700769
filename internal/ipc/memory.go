package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the mailbox size used when none is given.
const DefaultCapacity = 128

// Hub is a set of in-memory mailboxes addressed by name.
//
// Sends between endpoints of the same hub are non-blocking: a full mailbox
// reports backpressure, a missing one reports ErrUnreachable.
type Hub struct {
	mu        sync.Mutex
	mailboxes map[Address]*mailbox
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{mailboxes: make(map[Address]*mailbox)}
}

// Endpoint registers a mailbox at addr and returns its endpoint.
// capacity <= 0 selects DefaultCapacity.
func (h *Hub) Endpoint(addr Address, capacity int) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.mailboxes[addr]; exists {
		return nil, fmt.Errorf("address %q already registered", addr)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	mb := newMailbox(capacity)
	h.mailboxes[addr] = mb
	return &Endpoint{hub: h, addr: addr, box: mb}, nil
}

// Registered reports whether addr has a live mailbox.
func (h *Hub) Registered(addr Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.mailboxes[addr]
	return ok
}

func (h *Hub) lookup(addr Address) *mailbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mailboxes[addr]
}

func (h *Hub) unregister(addr Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mailboxes, addr)
}

// Endpoint is a Hub mailbox plus the ability to send to the others.
type Endpoint struct {
	hub  *Hub
	addr Address
	box  *mailbox
}

var _ Transport = (*Endpoint)(nil)

// Address returns the endpoint's address.
func (e *Endpoint) Address() Address {
	return e.addr
}

// Send implements Sender.
func (e *Endpoint) Send(to Address, payload []byte) (bool, error) {
	mb := e.hub.lookup(to)
	if mb == nil {
		return false, fmt.Errorf("send to %q: %w", to, ErrUnreachable)
	}
	return mb.put(payload)
}

// Receive implements Transport.
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	for {
		payload, ok, err := e.box.take()
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.box.wait():
		}
	}
}

// TryReceive implements Transport.
func (e *Endpoint) TryReceive() ([]byte, bool, error) {
	return e.box.take()
}

// Len returns the number of queued payloads.
func (e *Endpoint) Len() int {
	return e.box.len()
}

// Close unregisters the mailbox and wakes blocked receivers.
func (e *Endpoint) Close() error {
	e.hub.unregister(e.addr)
	e.box.close()
	return nil
}

// mailbox is a bounded FIFO of payloads.
//
// The signal channel (buffered, size 1) lets receivers wait with select on a
// context; multiple puts coalesce into one wake-up.
type mailbox struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int
	closed   bool
	signal   chan struct{}
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{
		items:    make([][]byte, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

func (m *mailbox) put(payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrUnreachable
	}
	if len(m.items) >= m.capacity {
		return false, nil
	}
	m.items = append(m.items, payload)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true, nil
}

func (m *mailbox) take() ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		if m.closed {
			return nil, false, ErrClosed
		}
		return nil, false, nil
	}

	payload := m.items[0]
	m.items[0] = nil
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}
	return payload, true, nil
}

func (m *mailbox) wait() <-chan struct{} {
	return m.signal
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}

// pause waits a short moment before a send is retried.
func pause(ctx context.Context) error {
	t := time.NewTimer(5 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
