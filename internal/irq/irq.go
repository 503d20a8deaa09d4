// Package irq routes device interrupts to a delivery sink. Devices
// hold opaque route handles; the sink is the KVM irqfd/line layer in
// production and a mock in tests.
//
// Delivery semantics are edge style: a route signals the sink once
// per pending cycle, and the sink (in-kernel irqchip) is responsible
// for level semantics toward the guest. Legacy line sharing is not
// supported; each route owns its line.
package irq

import (
	"fmt"
	"sync"
)

// Sink delivers a signal for a line to the guest. Signal must not
// block; it is called with the route lock held so that a rewrite
// cannot redirect an in-flight trigger.
type Sink interface {
	Signal(line uint32) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(line uint32) error

func (f SinkFunc) Signal(line uint32) error { return f(line) }

// Route is one device interrupt line. All methods are safe for
// concurrent use.
type Route struct {
	line uint32

	mu      sync.Mutex
	sink    Sink
	pending bool // delivered, awaiting Complete
	latched bool // triggered while masked
	masked  bool
}

func (r *Route) Line() uint32 { return r.line }

// Trigger raises the interrupt. While a delivery is awaiting
// Complete, further triggers coalesce into it; while the route is
// masked, the trigger is latched for unmask.
func (r *Route) Trigger() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.masked {
		r.latched = true
		return nil
	}
	if r.pending {
		return nil
	}
	r.pending = true
	if err := r.sink.Signal(r.line); err != nil {
		return fmt.Errorf("irq %d: %w", r.line, err)
	}
	return nil
}

// Complete marks the pending cycle delivered. The guest's interrupt
// acknowledge path (EOI, interrupt-status ack register) calls this;
// the next Trigger afterwards delivers again.
func (r *Route) Complete() {
	r.mu.Lock()
	r.pending = false
	r.mu.Unlock()
}

// Mask suppresses delivery. Triggers arriving while masked are
// latched for unmask.
func (r *Route) Mask() {
	r.mu.Lock()
	r.masked = true
	r.mu.Unlock()
}

// Unmask re-enables delivery. A trigger latched while masked starts a
// new pending cycle, unless one is still awaiting Complete, in which
// case it coalesces like any other trigger.
func (r *Route) Unmask() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.masked = false
	if !r.latched {
		return nil
	}
	r.latched = false
	if r.pending {
		return nil
	}
	r.pending = true
	if err := r.sink.Signal(r.line); err != nil {
		return fmt.Errorf("irq %d: %w", r.line, err)
	}
	return nil
}

// Rewrite swaps the delivery sink, for vector-table rewrites. The
// swap is atomic with respect to the next Trigger; a trigger already
// handed to the old sink is not redirected.
func (r *Route) Rewrite(sink Sink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// Router owns the line-to-route table for one machine.
type Router struct {
	sink Sink

	mu     sync.Mutex
	routes map[uint32]*Route
}

func NewRouter(sink Sink) *Router {
	return &Router{sink: sink, routes: make(map[uint32]*Route)}
}

// Register creates the route for line. Each line has at most one
// route at a time.
func (rt *Router) Register(line uint32) (*Route, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.routes[line]; ok {
		return nil, fmt.Errorf("irq %d: already routed", line)
	}
	r := &Route{line: line, sink: rt.sink}
	rt.routes[line] = r
	return r, nil
}

// Unregister destroys the route for line, part of device unrealize.
func (rt *Router) Unregister(line uint32) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.routes[line]; !ok {
		return fmt.Errorf("irq %d: not routed", line)
	}
	delete(rt.routes, line)
	return nil
}
