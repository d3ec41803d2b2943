package eventprocessor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mrzor/sched-timeline/internal/emit"
	"github.com/mrzor/sched-timeline/internal/sched"
	"github.com/mrzor/sched-timeline/internal/span"
	"github.com/mrzor/sched-timeline/internal/timesync"
	"github.com/mrzor/sched-timeline/internal/traceevent"
)

type batchRecorder struct {
	batches [][]emit.Entry
	err     error
}

func (r *batchRecorder) HandleBatch(entries []emit.Entry) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, entries)
	return nil
}

type countingObserver struct {
	handled         map[string]int
	dropped         map[string]int
	inconsistencies map[string]int
	records         map[int]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		handled:         map[string]int{},
		dropped:         map[string]int{},
		inconsistencies: map[string]int{},
		records:         map[int]int{},
	}
}

func (o *countingObserver) EventHandled(label string)   { o.handled[label]++ }
func (o *countingObserver) EventDropped(reason string)  { o.dropped[reason]++ }
func (o *countingObserver) Inconsistency(reason string) { o.inconsistencies[reason]++ }
func (o *countingObserver) QuantumEmitted(s, n int)     { o.records[s] += n }

// clock converts milliseconds since midnight into a trace time.
func clock(ms int64) timesync.TimeOfDay {
	return timesync.TimeOfDay{Secs: ms / 1000, Nsecs: (ms % 1000) * 1_000_000}
}

func switchEvent(ms int64, cpu int, prevTID, nextTID int64) *traceevent.Event {
	return &traceevent.Event{
		Time: clock(ms),
		Name: EventSchedSwitch,
		CPU:  cpu,
		TID:  prevTID,
		Args: traceevent.Args{
			ArgPrevTID: traceevent.Int(prevTID),
			ArgNextTID: traceevent.Int(nextTID),
		},
	}
}

func cpuEvent(name string, ms int64, cpu int, tid int64) *traceevent.Event {
	return &traceevent.Event{Time: clock(ms), Name: name, CPU: cpu, TID: tid, Args: traceevent.Args{}}
}

func processEvent(name string, ms int64, cpu int, tid int64, proc string) *traceevent.Event {
	ev := cpuEvent(name, ms, cpu, tid)
	ev.Args[span.ProcArg] = traceevent.Token(proc)
	return ev
}

type fixture struct {
	processor *Processor
	sink      *batchRecorder
	observer  *countingObserver
}

func newFixture(t *testing.T, tids map[int64]int, logger *zap.Logger) *fixture {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	sink := &batchRecorder{}
	obs := newCountingObserver()
	return &fixture{
		processor: NewProcessor(NewRunState(tids, 8), emit.NewEmitter(false), sink, logger, obs),
		sink:      sink,
		observer:  obs,
	}
}

func (f *fixture) feed(t *testing.T, events ...*traceevent.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, f.processor.HandleEvent(ev))
	}
}

func records(batch []emit.Entry) []emit.Record {
	out := make([]emit.Record, len(batch))
	for i, e := range batch {
		out[i] = e.Record
	}
	return out
}

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestProcessor_EndToEndSyscall(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		cpuEvent("sys_read", 500, 0, 100),
		cpuEvent(EventSyscallExit, 800, 0, 100),
		switchEvent(1000, 0, 100, 0),
	)

	require.Len(t, f.sink.batches, 1)
	want := []emit.Entry{
		{Scheduler: 1, Depth: 0, Record: emit.Record{Start: 0, Duration: 1.0, Class: "s", Kind: span.KindScheduler}},
		{Scheduler: 1, Depth: 1, Record: emit.Record{Start: 0.5, Duration: 0.3, Class: "c", Name: "read", Kind: span.KindSyscall}},
	}
	if diff := cmp.Diff(want, f.sink.batches[0], approx); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, f.observer.records[1])
}

func TestProcessor_DepthFirstEmission(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		processEvent(EventProcessScheduled, 100, 0, 100, "<0.84.0>"),
		cpuEvent("sys_write", 200, 0, 100),
		cpuEvent(EventSyscallExit, 300, 0, 100),
		processEvent(EventProcessUnscheduled, 400, 0, 100, "<0.84.0>"),
		cpuEvent(EventPortBegin, 500, 0, 100),
		cpuEvent(EventPortEnd, 600, 0, 100),
		switchEvent(700, 0, 100, 0),
	)

	require.Len(t, f.sink.batches, 1)
	batch := f.sink.batches[0]

	var classes []string
	var depths []int
	for _, e := range batch {
		classes = append(classes, e.Record.Class)
		depths = append(depths, e.Depth)
	}
	assert.Equal(t, []string{"s", "p", "c", "t"}, classes)
	assert.Equal(t, []int{0, 1, 2, 1}, depths)

	require.NotNil(t, batch[1].Record.PID)
	assert.Equal(t, "<0.84.0>", batch[1].Record.PID.Text())
	assert.Equal(t, "write", batch[2].Record.Name)
}

func TestProcessor_RecordCountMatchesSpans(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		processEvent(EventProcessScheduled, 10, 0, 100, "<0.1.0>"),
		cpuEvent(EventHardIRQEntry, 20, 0, 100),
		cpuEvent(EventSoftIRQEntry, 25, 0, 100),
		cpuEvent(EventSoftIRQExit, 30, 0, 100),
		cpuEvent(EventHardIRQExit, 35, 0, 100),
		processEvent(EventProcessUnscheduled, 40, 0, 100, "<0.1.0>"),
		cpuEvent("sys_futex", 50, 0, 100), // left open, force-closed below
		switchEvent(60, 0, 100, 0),
	)

	require.Len(t, f.sink.batches, 1)
	// scheduler, process, hardirq, softirq, syscall
	assert.Len(t, f.sink.batches[0], 5)
	classes := make([]string, 0, 5)
	for _, r := range records(f.sink.batches[0]) {
		classes = append(classes, r.Class)
	}
	assert.Equal(t, []string{"s", "p", "h", "f", "c"}, classes)
}

func TestProcessor_WrongKindCloseIsDropped(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		processEvent(EventProcessScheduled, 100, 0, 100, "<0.1.0>"),
		cpuEvent("sys_read", 200, 0, 100),
	)

	s := f.processor.State().Schedulers.ByTID(100)
	before := s.Stack.Spans()
	require.Len(t, before, 3)

	f.feed(t, processEvent(EventProcessUnscheduled, 300, 0, 100, "<0.1.0>"))

	assert.Equal(t, before, s.Stack.Spans(), "stack depth and contents are unchanged")
	assert.Equal(t, span.KindSyscall, s.Stack.Top().Kind)
	assert.Nil(t, s.Stack.Top().Close)
	assert.Equal(t, 1, f.observer.dropped[DropUnbalancedClose])
}

func TestProcessor_CloseWithoutOpenIsDropped(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		cpuEvent(EventSyscallExit, 100, 0, 100),
		cpuEvent(EventPortEnd, 150, 0, 100),
	)

	s := f.processor.State().Schedulers.ByTID(100)
	assert.Equal(t, 1, s.Stack.Len(), "the root is never popped by a close event")
	assert.Equal(t, 2, f.observer.dropped[DropUnbalancedClose])
}

func TestProcessor_ScheduleOutForceClosesOpenSpans(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		cpuEvent("sys_poll", 500, 0, 100),
	)
	s := f.processor.State().Schedulers.ByTID(100)
	open := s.Stack.Spans()
	require.Len(t, open, 2)

	out := switchEvent(1000, 0, 100, 0)
	f.feed(t, out)

	assert.Same(t, out, open[1].Close, "syscall closed at schedule-out")
	assert.Same(t, out, open[0].Close, "root closed at schedule-out")
	assert.False(t, s.Running)
	assert.Equal(t, 0, s.Stack.Len())

	require.Len(t, f.sink.batches, 1)
	want := []emit.Record{
		{Start: 0, Duration: 1.0, Class: "s", Kind: span.KindScheduler},
		{Start: 0.5, Duration: 0.5, Class: "c", Name: "poll", Kind: span.KindSyscall},
	}
	if diff := cmp.Diff(want, records(f.sink.batches[0]), approx); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessor_AttributionGuard(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t, switchEvent(0, 2, 0, 100))
	s := f.processor.State().Schedulers.ByTID(100)

	f.feed(t,
		// another thread on the scheduler's CPU
		cpuEvent("sys_read", 100, 2, 555),
		// the scheduler's thread, seen on a CPU it does not hold
		processEvent(EventProcessScheduled, 150, 3, 100, "<0.2.0>"),
		cpuEvent(EventHardIRQEntry, 200, 1, 100),
	)

	assert.Equal(t, 1, s.Stack.Len())
	assert.Empty(t, s.Stack.Root().Children)
	assert.Equal(t, 3, f.observer.dropped[DropForeign])
}

func TestProcessor_EventsWhileIdleAreIgnored(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t,
		cpuEvent("sys_read", 0, 0, 100),
		cpuEvent(EventSyscallExit, 10, 0, 100),
	)

	s := f.processor.State().Schedulers.ByTID(100)
	assert.False(t, s.Running)
	assert.Equal(t, 0, s.Stack.Len())
	assert.Empty(t, f.sink.batches)
}

func TestProcessor_ScheduleOutWhileIdle(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, map[int64]int{100: 1}, zap.New(core))

	f.feed(t, switchEvent(0, 0, 100, 0))

	assert.Empty(t, f.sink.batches)
	assert.Equal(t, 1, f.observer.dropped[DropNotRunning])
	assert.Equal(t, 1, logs.FilterMessage("Scheduler switched out while not running").Len())
}

func TestProcessor_ScheduleInWhileRunningResets(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, map[int64]int{100: 1}, zap.New(core))

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		cpuEvent("sys_read", 100, 0, 100),
		switchEvent(200, 1, 0, 100), // missed the schedule-out
	)

	s := f.processor.State().Schedulers.ByTID(100)
	require.Equal(t, 1, s.Stack.Len())
	assert.Equal(t, span.KindScheduler, s.Stack.Top().Kind)
	assert.Equal(t, clock(200), s.Stack.Root().Open.Time)
	assert.Equal(t, 1, s.CPU)
	assert.Nil(t, f.processor.State().CPUs.Resident(0))
	assert.Empty(t, f.sink.batches, "the abandoned tree is not emitted")
	assert.Equal(t, 1, f.observer.inconsistencies[InconsistencyRestartedQuantum])
	assert.Equal(t, 1, logs.FilterMessage("Scheduler switched in while running, discarding its open spans").Len())

	f.feed(t, switchEvent(300, 1, 100, 0))
	require.Len(t, f.sink.batches, 1)
	assert.InDelta(t, 0.2, f.sink.batches[0][0].Record.Start, 1e-9)
	assert.InDelta(t, 0.1, f.sink.batches[0][0].Record.Duration, 1e-9)
}

func TestProcessor_CPURebindIsReported(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, map[int64]int{100: 1, 200: 2}, zap.New(core))

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		switchEvent(10, 0, 0, 200), // scheduler 1 never left CPU 0
	)

	cpus := f.processor.State().CPUs
	assert.Equal(t, 2, cpus.Resident(0).Number)
	assert.Equal(t, 1, f.observer.inconsistencies[InconsistencyCPURebound])
	assert.Equal(t, 1, logs.FilterMessage("CPU already held by another scheduler").Len())
}

func TestProcessor_SwitchBetweenSchedulers(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1, 200: 2}, nil)

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		switchEvent(100, 1, 0, 200),
		// scheduler 2 out, scheduler 1 in again on CPU 1 without leaving CPU 0
		switchEvent(300, 1, 200, 100),
		// switch-out reported on the wrong CPU
		switchEvent(400, 0, 100, 0),
		switchEvent(500, 1, 100, 0),
	)

	// Batches follow schedule-out order. The last switch-out finds
	// scheduler 1 idle and emits nothing.
	require.Len(t, f.sink.batches, 2)
	assert.Equal(t, 2, f.sink.batches[0][0].Scheduler)
	assert.InDelta(t, 0.2, f.sink.batches[0][0].Record.Duration, 1e-9)
	assert.Equal(t, 1, f.sink.batches[1][0].Scheduler)
	assert.InDelta(t, 0.3, f.sink.batches[1][0].Record.Start, 1e-9)
	assert.InDelta(t, 0.1, f.sink.batches[1][0].Record.Duration, 1e-9)

	assert.Equal(t, 1, f.observer.inconsistencies[InconsistencyRestartedQuantum])
	assert.Equal(t, 1, f.observer.inconsistencies[InconsistencyCPUMismatch])
	assert.Equal(t, 1, f.observer.dropped[DropNotRunning])
	for cpu := 0; cpu < 2; cpu++ {
		assert.Nil(t, f.processor.State().CPUs.Resident(cpu))
	}
}

func TestProcessor_DayWrap(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	in := switchEvent(0, 0, 0, 100)
	in.Time = timesync.Clock(23, 59, 59, 900_000_000)
	out := switchEvent(0, 0, 100, 0)
	out.Time = timesync.Clock(0, 0, 0, 100_000_000)

	f.feed(t, in, out)

	require.Len(t, f.sink.batches, 1)
	r := f.sink.batches[0][0].Record
	assert.InDelta(t, 0.0, r.Start, 1e-9)
	assert.InDelta(t, 0.2, r.Duration, 1e-9)
}

func TestProcessor_ReferenceTimeIsFirstEvent(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t,
		cpuEvent("lttng_statedump_start", 250, 0, 1), // not dispatched, still sets the reference
		switchEvent(1000, 0, 0, 100),
		switchEvent(1500, 0, 100, 0),
	)

	assert.True(t, f.processor.State().Started())
	assert.Equal(t, clock(250), f.processor.State().Start)
	require.Len(t, f.sink.batches, 1)
	assert.InDelta(t, 0.75, f.sink.batches[0][0].Record.Start, 1e-9)
}

func TestProcessor_CPUOutOfRange(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t, switchEvent(0, 64, 0, 100))

	s := f.processor.State().Schedulers.ByTID(100)
	assert.False(t, s.Running)
	assert.Equal(t, 1, f.observer.dropped[DropCPUOutOfRange])

	// A schedule-out reported on an unknown CPU leaves the quantum open.
	f.feed(t,
		switchEvent(100, 0, 0, 100),
		switchEvent(200, 64, 100, 0),
	)

	assert.True(t, s.Running)
	assert.Equal(t, 0, s.CPU)
	assert.Equal(t, 1, s.Stack.Len())
	assert.Empty(t, f.sink.batches)
	assert.Equal(t, 2, f.observer.dropped[DropCPUOutOfRange])
}

func TestProcessor_ScheduleInRejectsUnknownCPU(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)
	f.feed(t, switchEvent(0, 0, 0, 100))
	s := f.processor.State().Schedulers.ByTID(100)

	f.processor.scheduleIn(s, switchEvent(100, 8, 0, 100))

	assert.False(t, s.Running, "a scheduler is never running without a CPU")
	assert.Equal(t, sched.NoCPU, s.CPU)
	assert.Equal(t, 0, s.Stack.Len())
	assert.Nil(t, f.processor.State().CPUs.Resident(0))
	assert.Equal(t, 1, f.observer.dropped[DropCPUOutOfRange])
	assert.Equal(t, 1, f.observer.inconsistencies[InconsistencyRestartedQuantum])
}

func TestProcessor_SwitchWithoutThreadIDs(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t, cpuEvent(EventSchedSwitch, 0, 0, 100))

	assert.Equal(t, 1, f.observer.dropped[DropMissingTID])
}

func TestProcessor_UnknownEventsIgnored(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		cpuEvent("kmem_kmalloc", 10, 0, 100),
		cpuEvent("syscall_entry_read", 20, 0, 100),
	)

	assert.Equal(t, 1, f.processor.State().Schedulers.ByTID(100).Stack.Len())
	assert.Equal(t, map[string]int{"sched_switch": 1}, f.observer.handled)
}

func TestProcessor_FinishDiscardsOpenQuanta(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(t, map[int64]int{100: 1, 200: 2, 300: 3}, zap.New(core))

	f.feed(t,
		switchEvent(0, 0, 0, 100),
		processEvent(EventProcessScheduled, 10, 0, 100, "<0.3.0>"),
		cpuEvent("sys_read", 20, 0, 100),
		cpuEvent(EventSyscallExit, 30, 0, 100),
		switchEvent(40, 1, 0, 200),
	)

	sum := f.processor.Finish()

	assert.Equal(t, Summary{ActiveSchedulers: 2, DiscardedSpans: 4}, sum)
	assert.Empty(t, f.sink.batches)
	for _, s := range f.processor.State().Schedulers.All() {
		assert.False(t, s.Running)
		assert.Equal(t, 0, s.Stack.Len())
	}
	assert.Equal(t, 1, logs.FilterMessage("Discarding unterminated quanta at end of input").Len())
}

func TestProcessor_SinkErrorIsReturned(t *testing.T) {
	f := newFixture(t, map[int64]int{100: 1}, nil)
	boom := errors.New("disk full")
	f.sink.err = boom

	require.NoError(t, f.processor.HandleEvent(switchEvent(0, 0, 0, 100)))
	err := f.processor.HandleEvent(switchEvent(10, 0, 100, 0))

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "scheduler 1")
}
