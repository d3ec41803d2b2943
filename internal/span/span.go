// Package span models nested intervals of scheduler activity.
//
// A Span is a single tagged-variant type: every kind shares the open/close
// events and the ordered child list, and only the payload fields differ.
// Tree walks switch on Kind where the payload matters and are otherwise uniform.
package span

import (
	"github.com/mrzor/sched-timeline/internal/traceevent"
)

// Kind tags the activity a span represents.
type Kind uint8

const (
	KindScheduler Kind = iota
	KindProcess
	KindPort
	KindSyscall
	KindHardIRQ
	KindSoftIRQ
)

var kindNames = [...]string{
	KindScheduler: "scheduler",
	KindProcess:   "process",
	KindPort:      "port",
	KindSyscall:   "syscall",
	KindHardIRQ:   "hardirq",
	KindSoftIRQ:   "softirq",
}

// Class tags as read by the timeline viewer.
var kindClasses = [...]string{
	KindScheduler: "s",
	KindProcess:   "p",
	KindPort:      "t",
	KindSyscall:   "c",
	KindHardIRQ:   "h",
	KindSoftIRQ:   "f",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Class returns the one-letter class tag of k.
func (k Kind) Class() string {
	if int(k) < len(kindClasses) {
		return kindClasses[k]
	}
	return "?"
}

// ProcArg is the argument of a process-scheduled event naming the process.
const ProcArg = "proc"

// Span is one interval of activity and the spans nested inside it.
type Span struct {
	Kind Kind
	// Open is the event that started the span.
	Open *traceevent.Event
	// Close is nil while the span is active.
	Close    *traceevent.Event
	Children []*Span

	// PID identifies the process of a KindProcess span; HasPID is false when
	// the opening event did not carry one.
	PID    traceevent.Value
	HasPID bool
	// Syscall is the system call name of a KindSyscall span.
	Syscall string
}

// New creates an active span of the given kind opened by ev.
func New(kind Kind, ev *traceevent.Event) *Span {
	s := &Span{Kind: kind, Open: ev}
	if kind == KindProcess {
		s.PID, s.HasPID = ev.Args[ProcArg]
	}
	return s
}

// NewSyscall creates an active syscall span for the named call.
func NewSyscall(ev *traceevent.Event, name string) *Span {
	s := New(KindSyscall, ev)
	s.Syscall = name
	return s
}

// Closed reports whether the span has a close event.
func (s *Span) Closed() bool {
	return s.Close != nil
}

// Append adds child as the last child of s.
func (s *Span) Append(child *Span) {
	s.Children = append(s.Children, child)
}

// Walk visits s and its descendants depth-first, parents before children,
// children in creation order. The root has depth 0.
func (s *Span) Walk(fn func(s *Span, depth int)) {
	s.walk(fn, 0)
}

func (s *Span) walk(fn func(s *Span, depth int), depth int) {
	fn(s, depth)
	for _, child := range s.Children {
		child.walk(fn, depth+1)
	}
}

// Count returns the number of spans in the tree rooted at s.
func (s *Span) Count() int {
	n := 0
	s.Walk(func(*Span, int) { n++ })
	return n
}
