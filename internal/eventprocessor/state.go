package eventprocessor

import (
	"github.com/mrzor/sched-timeline/internal/sched"
	"github.com/mrzor/sched-timeline/internal/timesync"
)

// RunState is the mutable world of one run: the reference start time, the
// CPU table and the scheduler registry.
type RunState struct {
	// Start is the timestamp of the first event of the run.
	Start   timesync.TimeOfDay
	started bool

	CPUs       *sched.CPUTable
	Schedulers *sched.Registry
}

// NewRunState creates the state for a run over the given schedulers.
func NewRunState(tidToNumber map[int64]int, cpuCapacity int) *RunState {
	return &RunState{
		CPUs:       sched.NewCPUTable(cpuCapacity),
		Schedulers: sched.NewRegistry(tidToNumber),
	}
}

// Started reports whether the reference start time has been set.
func (s *RunState) Started() bool {
	return s.started
}

func (s *RunState) observe(t timesync.TimeOfDay) {
	if !s.started {
		s.Start = t
		s.started = true
	}
}
