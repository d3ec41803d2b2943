// Package attributes evaluates user expressions against emitted span records.
//
// Expressions use the expr language and see one record at a time:
//
//	kind      string   scheduler, process, port, syscall, hardirq, softirq
//	class     string   one-letter class tag (s, p, t, c, h, f)
//	scheduler int      scheduler number
//	start     float    seconds since the first event of the run
//	duration  float    seconds
//	pid       string   Erlang pid for process spans, "" otherwise
//	name      string   syscall name, "" otherwise
//	depth     int      0 for the scheduler span
//
// Two evaluators:
//   - Evaluator: custom span attributes; map results expand into NAME.key
//   - TraceIDEvaluator: groups quanta into traces (32 hex chars, anything
//     else is hashed with SHA-256)
package attributes
