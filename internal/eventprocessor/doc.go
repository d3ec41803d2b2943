// Package eventprocessor is the span-tree engine: it correlates kernel and
// BEAM runtime events into one nested span tree per scheduling quantum.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      Parsed trace events (in order)     │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   Processor                             │  ← Dispatch by event name
//	│   - exact-name lookup table             │
//	│   - "sys_" prefix fallback              │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ sched_switch ─────→ schedule-out (prev_tid), then schedule-in (next_tid)
//	          │                        - CPU table bind/unbind
//	          │                        - drain stack, flatten tree
//	          │
//	          ├──→ open events ──────→ push span on the resident scheduler
//	          │    (process, port,     - scheduler must be running
//	          │     syscall, irqs)     - event tid must be the scheduler tid
//	          │
//	          └──→ close events ─────→ pop span if its kind matches
//	                                   - otherwise drop the event
//
// Each completed quantum is flattened by emit.Emitter and handed to a
// BatchHandler, typically one of the sinks in package output.
//
// The processor is strictly sequential and trusts the order of its input.
package eventprocessor
