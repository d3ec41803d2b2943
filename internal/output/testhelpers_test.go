package output

import (
	"github.com/mrzor/sched-timeline/internal/emit"
	"github.com/mrzor/sched-timeline/internal/span"
	"github.com/mrzor/sched-timeline/internal/traceevent"
)

// quantum returns the records of one quantum: a scheduler span holding a
// process span that made a read syscall.
func quantum(scheduler int, start float64) []emit.Entry {
	pid := traceevent.Token("<0.84.0>")
	return []emit.Entry{
		{Scheduler: scheduler, Depth: 0, Record: emit.Record{Start: start, Duration: 1.0, Class: "s", Kind: span.KindScheduler}},
		{Scheduler: scheduler, Depth: 1, Record: emit.Record{Start: start + 0.1, Duration: 0.5, Class: "p", PID: &pid, Kind: span.KindProcess}},
		{Scheduler: scheduler, Depth: 2, Record: emit.Record{Start: start + 0.2, Duration: 0.25, Class: "c", Name: "read", Kind: span.KindSyscall}},
	}
}
