// Package sched tracks monitored scheduler threads and the CPUs they occupy.
//
// Registry holds one Scheduler per monitored OS thread, created once from
// configuration. CPUTable maps a CPU id to the scheduler currently resident
// on it and is used to attribute CPU-scoped kernel events (syscalls,
// interrupts) to a scheduler.
//
// Neither type is safe for concurrent use; the span engine owns both and
// mutates them from a single goroutine.
package sched
