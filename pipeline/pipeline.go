// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package pipeline implements the ordered stanza processing pipeline.
//
// Every envelope the engine touches, inbound or outbound, client or peer
// origin, flows through a single pipeline: an ordered list of processors
// invoked in ascending priority order. Processors inspect, annotate, halt,
// or emit new envelopes. Built-in routing runs at priority 10 and
// session-state annotation at 20; processors that must run before routing
// register below 10, observers register above 50.
package pipeline // import "github.com/waddle-social/waddle-sub002/pipeline"

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/waddle-social/waddle-sub002/stanza"
)

// Well known priorities. The bands below PriorityRouting and above
// PriorityObserver are reserved for externally registered processors.
const (
	PriorityRouting  = 10
	PriorityAnnotate = 20
	PriorityObserver = 50
)

// Outcome is the result of one processor handling one envelope.
type Outcome struct {
	// Halt stops the chain: processors with numerically larger priorities do
	// not see the envelope.
	Halt bool

	// Emit holds new envelopes to enqueue for re-injection or forwarding.
	// They are dispatched by the pipeline's caller, not inline, so that a
	// processor can never recurse into itself.
	Emit []*stanza.Envelope
}

// Continue is the zero outcome: pass the envelope down the chain.
var Continue = Outcome{}

// Halted is a convenience outcome that stops the chain without emitting.
var Halted = Outcome{Halt: true}

// Processor handles a single envelope. Returning an error does not stop the
// pipeline from serving later envelopes; the error is logged and the current
// envelope is treated as halted.
type Processor interface {
	HandleStanza(ctx context.Context, env *stanza.Envelope) (Outcome, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, env *stanza.Envelope) (Outcome, error)

// HandleStanza satisfies the Processor interface.
func (f ProcessorFunc) HandleStanza(ctx context.Context, env *stanza.Envelope) (Outcome, error) {
	return f(ctx, env)
}

// DirectionMask selects which envelope directions a processor sees.
type DirectionMask uint8

// Direction masks for registration.
const (
	InboundOnly DirectionMask = 1 << iota
	OutboundOnly

	BothDirections = InboundOnly | OutboundOnly
)

func (m DirectionMask) matches(d stanza.Direction) bool {
	if d == stanza.Inbound {
		return m&InboundOnly != 0
	}
	return m&OutboundOnly != 0
}

type registration struct {
	priority  int
	seq       int
	direction DirectionMask
	name      string
	proc      Processor
}

// Pipeline is an ordered processor registry. The zero value is not usable;
// use New.
type Pipeline struct {
	mu     sync.RWMutex
	procs  []registration
	seq    int
	logger *slog.Logger

	subMu sync.RWMutex
	subs  []func(Event)
}

// New allocates a pipeline. A nil logger means slog.Default.
func New(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger}
}

// Register adds a processor at the given priority for the given directions.
// Lower priorities run first; processors registered at equal priority run in
// registration order.
func (p *Pipeline) Register(priority int, direction DirectionMask, name string, proc Processor) {
	if proc == nil {
		panic("pipeline: nil processor")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.procs = append(p.procs, registration{
		priority:  priority,
		seq:       p.seq,
		direction: direction,
		name:      name,
		proc:      proc,
	})
	sort.SliceStable(p.procs, func(i, j int) bool {
		if p.procs[i].priority != p.procs[j].priority {
			return p.procs[i].priority < p.procs[j].priority
		}
		return p.procs[i].seq < p.procs[j].seq
	})
}

// Dispatch runs the envelope through all processors whose direction matches,
// in ascending priority order, and returns any envelopes emitted along the
// way.
//
// A processor that returns an error or panics is isolated: the failure is
// logged, the envelope is treated as halted, and Dispatch returns normally
// so the connection's loop keeps serving subsequent envelopes.
func (p *Pipeline) Dispatch(ctx context.Context, env *stanza.Envelope) []*stanza.Envelope {
	p.mu.RLock()
	procs := p.procs
	p.mu.RUnlock()

	dispatchTotal.WithLabelValues(env.Kind.String(), env.Direction.String()).Inc()

	var emitted []*stanza.Envelope
	for i := range procs {
		reg := &procs[i]
		if !reg.direction.matches(env.Direction) {
			continue
		}
		outcome, err := p.invoke(ctx, reg, env)
		emitted = append(emitted, outcome.Emit...)
		if err != nil {
			p.logger.Error("processor failed; halting envelope",
				"processor", reg.name,
				"kind", env.Kind.String(),
				"from", env.From.String(),
				"error", err,
			)
			processorFailures.WithLabelValues(reg.name).Inc()
			break
		}
		if outcome.Halt {
			break
		}
	}
	return emitted
}

// invoke runs a single processor, converting panics into errors so that one
// adversarial stanza cannot take down the dispatch loop.
func (p *Pipeline) invoke(ctx context.Context, reg *registration, env *stanza.Envelope) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Halted
			err = &ProcessorPanicError{Processor: reg.name, Value: r}
		}
	}()
	return reg.proc.HandleStanza(ctx, env)
}

// ProcessorPanicError reports a processor that panicked while handling an
// envelope.
type ProcessorPanicError struct {
	Processor string
	Value     interface{}
}

// Error satisfies the error interface.
func (e *ProcessorPanicError) Error() string {
	return "pipeline: processor " + e.Processor + " panicked"
}
