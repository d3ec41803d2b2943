// Package output delivers the records of completed scheduling quanta.
//
// Every sink implements HandleBatch, receiving the depth-first records of one
// quantum at a time:
//   - JSONSink: one {"data":[...]} file per scheduler, optionally compressed
//   - OTELSink: one OpenTelemetry span per record, nested by depth
//   - SQLiteSink: one row per record in a spans table
//   - Fanout: forwards a batch to several sinks in order
//
// Sinks do not interpret spans. Timing, nesting and ordering are decided by
// the event processor and the emitter before a batch reaches them.
package output
