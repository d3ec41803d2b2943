package sched

// DefaultCPUCapacity is the CPU table size used when none is configured.
const DefaultCPUCapacity = 128

// CPUTable maps CPU ids to resident schedulers.
type CPUTable struct {
	resident []*Scheduler
}

// NewCPUTable creates a table for CPU ids in [0, capacity).
func NewCPUTable(capacity int) *CPUTable {
	if capacity <= 0 {
		capacity = DefaultCPUCapacity
	}
	return &CPUTable{resident: make([]*Scheduler, capacity)}
}

// Capacity returns the number of CPU slots.
func (t *CPUTable) Capacity() int {
	return len(t.resident)
}

// Contains reports whether cpu is a valid slot.
func (t *CPUTable) Contains(cpu int) bool {
	return cpu >= 0 && cpu < len(t.resident)
}

// Resident returns the scheduler occupying cpu, or nil.
func (t *CPUTable) Resident(cpu int) *Scheduler {
	if !t.Contains(cpu) {
		return nil
	}
	return t.resident[cpu]
}

// Bind records that s now occupies cpu. If s was resident elsewhere that
// slot is cleared first. The scheduler previously bound to cpu, if it was a
// different one, is returned so the caller can report the overwrite. ok is
// false, and nothing changes, when cpu is outside the table.
func (t *CPUTable) Bind(cpu int, s *Scheduler) (displaced *Scheduler, ok bool) {
	if !t.Contains(cpu) {
		return nil, false
	}
	if s.CPU != NoCPU && s.CPU != cpu && t.Contains(s.CPU) && t.resident[s.CPU] == s {
		t.resident[s.CPU] = nil
	}
	if prev := t.resident[cpu]; prev != nil && prev != s {
		prev.CPU = NoCPU
		displaced = prev
	}
	t.resident[cpu] = s
	s.CPU = cpu
	return displaced, true
}

// Unbind clears cpu and returns the scheduler that occupied it, if any.
func (t *CPUTable) Unbind(cpu int) *Scheduler {
	if !t.Contains(cpu) {
		return nil
	}
	prev := t.resident[cpu]
	t.resident[cpu] = nil
	if prev != nil && prev.CPU == cpu {
		prev.CPU = NoCPU
	}
	return prev
}
