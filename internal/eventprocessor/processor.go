package eventprocessor

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mrzor/sched-timeline/internal/emit"
	"github.com/mrzor/sched-timeline/internal/sched"
	"github.com/mrzor/sched-timeline/internal/span"
	"github.com/mrzor/sched-timeline/internal/traceevent"
)

// Event names recognised by the processor.
const (
	EventSchedSwitch        = "sched_switch"
	EventProcessScheduled   = "erlang:process_scheduled"
	EventProcessUnscheduled = "erlang:process_unscheduled"
	EventPortBegin          = "erlang:begin_port_tasks"
	EventPortEnd            = "erlang:end_port_tasks"
	EventHardIRQEntry       = "irq_handler_entry"
	EventHardIRQExit        = "irq_handler_exit"
	EventSoftIRQEntry       = "softirq_entry"
	EventSoftIRQExit        = "softirq_exit"
	EventSyscallExit        = "exit_syscall"

	// SyscallEntryPrefix starts the name of every syscall entry event, e.g. sys_read.
	SyscallEntryPrefix = "sys_"

	ArgPrevTID = "prev_tid"
	ArgNextTID = "next_tid"
)

// Reasons passed to Observer.EventDropped.
const (
	DropForeign         = "foreign"
	DropUnbalancedClose = "unbalanced_close"
	DropNotRunning      = "not_running"
	DropCPUOutOfRange   = "cpu_out_of_range"
	DropMissingTID      = "missing_tid"
)

// Reasons passed to Observer.Inconsistency.
const (
	InconsistencyRestartedQuantum = "restarted_quantum"
	InconsistencyCPURebound       = "cpu_rebound"
	InconsistencyCPUMismatch      = "cpu_mismatch"
)

// ErrCPUOutOfRange describes events whose CPU id does not fit the CPU table.
var ErrCPUOutOfRange = errors.New("cpu id outside cpu table")

// BatchHandler receives the flattened records of one scheduling quantum,
// in depth-first order.
type BatchHandler interface {
	HandleBatch(entries []emit.Entry) error
}

// Observer is notified about what the processor does with events.
type Observer interface {
	EventHandled(label string)
	EventDropped(reason string)
	Inconsistency(reason string)
	QuantumEmitted(scheduler int, records int)
}

// Summary describes the state left over at end of input.
type Summary struct {
	// ActiveSchedulers were switched in but never switched out.
	ActiveSchedulers int
	// DiscardedSpans counts every span of the abandoned trees, open or not.
	DiscardedSpans int
}

type handlerFunc func(p *Processor, ev *traceevent.Event) error

type handler struct {
	label string
	fn    handlerFunc
}

// Processor dispatches events to the span-tree state machine.
type Processor struct {
	state    *RunState
	emitter  *emit.Emitter
	sink     BatchHandler
	logger   *zap.Logger
	observer Observer

	handlers     map[string]handler
	syscallEntry handler
}

// NewProcessor creates a processor over state that delivers completed
// quanta to sink. logger and observer may be nil.
func NewProcessor(state *RunState, emitter *emit.Emitter, sink BatchHandler, logger *zap.Logger, observer Observer) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Processor{
		state:    state,
		emitter:  emitter,
		sink:     sink,
		logger:   logger.Named("eventprocessor"),
		observer: observer,
		handlers: map[string]handler{
			EventSchedSwitch:        {"sched_switch", (*Processor).handleSchedSwitch},
			EventProcessScheduled:   {"process_scheduled", opener(span.KindProcess)},
			EventProcessUnscheduled: {"process_unscheduled", closer(span.KindProcess)},
			EventPortBegin:          {"port_begin", opener(span.KindPort)},
			EventPortEnd:            {"port_end", closer(span.KindPort)},
			EventHardIRQEntry:       {"hardirq_entry", opener(span.KindHardIRQ)},
			EventHardIRQExit:        {"hardirq_exit", closer(span.KindHardIRQ)},
			EventSoftIRQEntry:       {"softirq_entry", opener(span.KindSoftIRQ)},
			EventSoftIRQExit:        {"softirq_exit", closer(span.KindSoftIRQ)},
			EventSyscallExit:        {"syscall_exit", closer(span.KindSyscall)},
		},
		syscallEntry: handler{"syscall_entry", (*Processor).handleSyscallEntry},
	}
}

// State returns the run state owned by the processor.
func (p *Processor) State() *RunState {
	return p.state
}

// HandleEvent feeds one event to the state machine. Inconsistent events are
// logged and dropped; the only errors returned come from flattening or from
// the batch handler.
func (p *Processor) HandleEvent(ev *traceevent.Event) error {
	p.state.observe(ev.Time)

	h, ok := p.lookup(ev.Name)
	if !ok {
		return nil
	}

	if !p.state.CPUs.Contains(ev.CPU) {
		p.observer.EventDropped(DropCPUOutOfRange)
		p.logger.Warn("Dropping event",
			zap.Stringer("event", ev),
			zap.Int("cpu_capacity", p.state.CPUs.Capacity()),
			zap.Error(ErrCPUOutOfRange))
		return nil
	}

	p.observer.EventHandled(h.label)
	return h.fn(p, ev)
}

func (p *Processor) lookup(name string) (handler, bool) {
	if h, ok := p.handlers[name]; ok {
		return h, true
	}
	if strings.HasPrefix(name, SyscallEntryPrefix) {
		return p.syscallEntry, true
	}
	return handler{}, false
}

// handleSchedSwitch processes the outgoing thread before the incoming one.
func (p *Processor) handleSchedSwitch(ev *traceevent.Event) error {
	prevTID, hasPrev := ev.Args.Int(ArgPrevTID)
	nextTID, hasNext := ev.Args.Int(ArgNextTID)
	if !hasPrev && !hasNext {
		p.observer.EventDropped(DropMissingTID)
		p.logger.Warn("Scheduler switch without thread ids", zap.Stringer("event", ev))
		return nil
	}

	if hasPrev {
		if s := p.state.Schedulers.ByTID(prevTID); s != nil {
			if err := p.scheduleOut(s, ev); err != nil {
				return err
			}
		}
	}
	if hasNext {
		if s := p.state.Schedulers.ByTID(nextTID); s != nil {
			p.scheduleIn(s, ev)
		}
	}
	return nil
}

func (p *Processor) scheduleIn(s *sched.Scheduler, ev *traceevent.Event) {
	if s.Running {
		p.observer.Inconsistency(InconsistencyRestartedQuantum)
		p.logger.Warn("Scheduler switched in while running, discarding its open spans",
			zap.Int("scheduler", s.Number),
			zap.Int("open_spans", s.Stack.Len()),
			zap.Stringer("event", ev))
		s.Stack.Reset()
		if s.CPU != sched.NoCPU {
			p.state.CPUs.Unbind(s.CPU)
		}
	}

	displaced, ok := p.state.CPUs.Bind(ev.CPU, s)
	if !ok {
		p.observer.EventDropped(DropCPUOutOfRange)
		p.logger.Warn("Dropping schedule-in",
			zap.Int("scheduler", s.Number),
			zap.Stringer("event", ev),
			zap.Error(ErrCPUOutOfRange))
		s.Running = false
		return
	}

	s.Stack.Start(span.New(span.KindScheduler, ev))
	s.Running = true

	if displaced != nil {
		p.observer.Inconsistency(InconsistencyCPURebound)
		p.logger.Warn("CPU already held by another scheduler",
			zap.Int("cpu", ev.CPU),
			zap.Int("scheduler", s.Number),
			zap.Int("displaced_scheduler", displaced.Number),
			zap.Stringer("event", ev))
	}
}

func (p *Processor) scheduleOut(s *sched.Scheduler, ev *traceevent.Event) error {
	if !s.Running {
		p.observer.EventDropped(DropNotRunning)
		p.logger.Warn("Scheduler switched out while not running",
			zap.Int("scheduler", s.Number),
			zap.Stringer("event", ev))
		return nil
	}

	root := s.Stack.Drain(ev)

	if s.CPU != ev.CPU {
		p.observer.Inconsistency(InconsistencyCPUMismatch)
		p.logger.Warn("Scheduler switched out from a CPU it was not bound to",
			zap.Int("scheduler", s.Number),
			zap.Int("bound_cpu", s.CPU),
			zap.Stringer("event", ev))
	}
	if s.CPU != sched.NoCPU {
		p.state.CPUs.Unbind(s.CPU)
	}
	s.Running = false

	entries, err := p.emitter.Flatten(p.state.Start, s.Number, root)
	if err != nil {
		return fmt.Errorf("flattening quantum of scheduler %d: %w", s.Number, err)
	}
	p.observer.QuantumEmitted(s.Number, len(entries))

	if err := p.sink.HandleBatch(entries); err != nil {
		return fmt.Errorf("delivering quantum of scheduler %d: %w", s.Number, err)
	}
	return nil
}

// owner resolves the scheduler an event on a CPU belongs to. Events from a
// different thread running on the same CPU are not attributed.
func (p *Processor) owner(ev *traceevent.Event) *sched.Scheduler {
	s := p.state.CPUs.Resident(ev.CPU)
	if s == nil || !s.Running || s.TID != ev.TID {
		return nil
	}
	return s
}

func (p *Processor) open(ev *traceevent.Event, newSpan func() *span.Span) {
	s := p.owner(ev)
	if s == nil {
		p.observer.EventDropped(DropForeign)
		return
	}
	s.Stack.Push(newSpan())
}

func opener(kind span.Kind) handlerFunc {
	return func(p *Processor, ev *traceevent.Event) error {
		p.open(ev, func() *span.Span { return span.New(kind, ev) })
		return nil
	}
}

func (p *Processor) handleSyscallEntry(ev *traceevent.Event) error {
	name := strings.TrimPrefix(ev.Name, SyscallEntryPrefix)
	p.open(ev, func() *span.Span { return span.NewSyscall(ev, name) })
	return nil
}

func closer(kind span.Kind) handlerFunc {
	return func(p *Processor, ev *traceevent.Event) error {
		s := p.owner(ev)
		if s == nil {
			p.observer.EventDropped(DropForeign)
			return nil
		}

		top := s.Stack.Top()
		if top == nil || top.Kind != kind {
			p.observer.EventDropped(DropUnbalancedClose)
			if ce := p.logger.Check(zap.DebugLevel, "Dropping unbalanced close"); ce != nil {
				topKind := "none"
				if top != nil {
					topKind = top.Kind.String()
				}
				ce.Write(
					zap.Int("scheduler", s.Number),
					zap.String("expected", kind.String()),
					zap.String("top", topKind),
					zap.Stringer("event", ev))
			}
			return nil
		}

		s.Stack.Pop(ev)
		return nil
	}
}

// Finish reports and discards whatever is still open at end of input. Open
// spans are incomplete data and are never emitted.
func (p *Processor) Finish() Summary {
	var sum Summary
	for _, s := range p.state.Schedulers.All() {
		if !s.Running {
			continue
		}
		sum.ActiveSchedulers++
		if root := s.Stack.Root(); root != nil {
			sum.DiscardedSpans += root.Count()
		}
		s.Stack.Reset()
		s.Running = false
		if s.CPU != sched.NoCPU {
			p.state.CPUs.Unbind(s.CPU)
		}
	}

	if sum.ActiveSchedulers > 0 {
		p.logger.Info("Discarding unterminated quanta at end of input",
			zap.Int("schedulers", sum.ActiveSchedulers),
			zap.Int("spans", sum.DiscardedSpans))
	}
	return sum
}

type nopObserver struct{}

func (nopObserver) EventHandled(string)     {}
func (nopObserver) EventDropped(string)     {}
func (nopObserver) Inconsistency(string)    {}
func (nopObserver) QuantumEmitted(int, int) {}
