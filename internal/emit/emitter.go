// Package emit flattens closed span trees into timeline records.
package emit

import (
	"errors"
	"fmt"

	"github.com/mrzor/sched-timeline/internal/span"
	"github.com/mrzor/sched-timeline/internal/timesync"
	"github.com/mrzor/sched-timeline/internal/traceevent"
)

// ErrOpenSpan is returned when asked to flatten a tree that still has an active span.
var ErrOpenSpan = errors.New("span tree contains an open span")

// Record is one span as written to a scheduler's timeline.
type Record struct {
	// Start is the offset in seconds from the run's reference time.
	Start float64 `json:"t"`
	// Duration is in seconds.
	Duration float64           `json:"dt"`
	Class    string            `json:"cl"`
	PID      *traceevent.Value `json:"pid,omitempty"`
	Name     string            `json:"name,omitempty"`
	Debug    string            `json:"dbg,omitempty"`

	Kind span.Kind `json:"-"`
}

// Entry pairs a record with the scheduler it belongs to.
type Entry struct {
	Scheduler int
	// Depth is the nesting level of the span, 0 for the scheduler root.
	Depth  int
	Record Record
}

// Emitter turns a scheduling quantum into an ordered batch of entries.
type Emitter struct {
	debug bool
}

// NewEmitter creates an emitter. With debug set, records carry a summary of
// their open and close events.
func NewEmitter(debug bool) *Emitter {
	return &Emitter{debug: debug}
}

// Flatten walks root depth-first, parents before children and children in
// creation order, producing one entry per span. Offsets are measured from ref.
func (e *Emitter) Flatten(ref timesync.TimeOfDay, scheduler int, root *span.Span) ([]Entry, error) {
	entries := make([]Entry, 0, root.Count())
	var err error
	root.Walk(func(s *span.Span, depth int) {
		if err != nil {
			return
		}
		if !s.Closed() {
			err = fmt.Errorf("%w: %s opened by %s", ErrOpenSpan, s.Kind, s.Open)
			return
		}
		entries = append(entries, Entry{
			Scheduler: scheduler,
			Depth:     depth,
			Record:    e.record(ref, s),
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (e *Emitter) record(ref timesync.TimeOfDay, s *span.Span) Record {
	r := Record{
		Start:    ref.SecondsUntil(s.Open.Time),
		Duration: s.Open.Time.SecondsUntil(s.Close.Time),
		Class:    s.Kind.Class(),
		Kind:     s.Kind,
	}
	switch s.Kind {
	case span.KindProcess:
		if s.HasPID {
			pid := s.PID
			r.PID = &pid
		}
	case span.KindSyscall:
		r.Name = s.Syscall
	}
	if e.debug {
		r.Debug = fmt.Sprintf("%s -> %s", s.Open, s.Close)
	}
	return r
}
