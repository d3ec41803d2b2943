package sched

import (
	"sort"

	"github.com/mrzor/sched-timeline/internal/span"
)

// NoCPU marks a scheduler that is not resident on any CPU.
const NoCPU = -1

// Scheduler is one monitored OS thread.
type Scheduler struct {
	// Number is the output channel key, starting at 1.
	Number int
	// TID is the bound OS thread id.
	TID     int64
	Running bool
	// CPU is the CPU the scheduler occupies, or NoCPU.
	CPU int
	// Stack holds the open spans of the current quantum.
	Stack span.Stack
}

// Registry manages the monitored schedulers, keyed by thread id.
type Registry struct {
	byTID   map[int64]*Scheduler // TID -> scheduler
	ordered []*Scheduler         // by scheduler number
}

// NewRegistry creates one idle scheduler per entry of tidToNumber.
func NewRegistry(tidToNumber map[int64]int) *Registry {
	r := &Registry{
		byTID:   make(map[int64]*Scheduler, len(tidToNumber)),
		ordered: make([]*Scheduler, 0, len(tidToNumber)),
	}
	for tid, num := range tidToNumber {
		s := &Scheduler{Number: num, TID: tid, CPU: NoCPU}
		r.byTID[tid] = s
		r.ordered = append(r.ordered, s)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].Number < r.ordered[j].Number
	})
	return r
}

// ByTID returns the scheduler bound to tid, or nil if tid is not monitored.
func (r *Registry) ByTID(tid int64) *Scheduler {
	return r.byTID[tid]
}

// All returns every scheduler ordered by number. The slice is a copy; the
// schedulers are shared.
func (r *Registry) All() []*Scheduler {
	out := make([]*Scheduler, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of monitored schedulers.
func (r *Registry) Len() int {
	return len(r.ordered)
}
