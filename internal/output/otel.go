package output

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/sched-timeline/internal/attributes"
	"github.com/mrzor/sched-timeline/internal/emit"
	"github.com/mrzor/sched-timeline/internal/otel"
	"github.com/mrzor/sched-timeline/internal/span"
	"github.com/mrzor/sched-timeline/internal/timesync"
)

// Span attribute keys set on every exported record.
const (
	AttrScheduler   = attribute.Key("beam.scheduler")
	AttrClass       = attribute.Key("span.class")
	AttrErlangPID   = attribute.Key("erlang.pid")
	AttrSyscallName = attribute.Key("syscall.name")
	AttrDebug       = attribute.Key("sched_timeline.debug")
)

// OTELSink exports each quantum as a tree of OpenTelemetry spans. Records
// arrive depth-first, so the parent of a record at depth d is the last
// record seen at depth d-1.
type OTELSink struct {
	tracer    trace.Tracer
	day       time.Time
	reference func() timesync.TimeOfDay
	clock     *timesync.Converter
	evaluator *attributes.Evaluator
	traceIDs  *attributes.TraceIDEvaluator
	runID     string
	logger    *zap.Logger

	spans int
}

// NewOTELSink creates a sink exporting through tracer. Record offsets are
// placed on the wall clock of day, counting from the time of day returned by
// reference when the first batch arrives. evaluator and traceIDs may be nil.
func NewOTELSink(tracer trace.Tracer, day time.Time, reference func() timesync.TimeOfDay, evaluator *attributes.Evaluator, traceIDs *attributes.TraceIDEvaluator, runID string, logger *zap.Logger) *OTELSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTELSink{
		tracer:    tracer,
		day:       day,
		reference: reference,
		evaluator: evaluator,
		traceIDs:  traceIDs,
		runID:     runID,
		logger:    logger.Named("otlp"),
	}
}

// SpanName returns the name an exported span gets for a record.
func SpanName(r emit.Record) string {
	if r.Kind == span.KindSyscall && r.Name != "" {
		return "syscall " + r.Name
	}
	return r.Kind.String()
}

func (s *OTELSink) HandleBatch(entries []emit.Entry) error {
	if s.clock == nil {
		s.clock = timesync.NewConverter(s.day, s.reference())
		s.logger.Debug("Anchored trace clock", zap.Time("origin", s.clock.Origin()))
	}

	parents := make([]context.Context, 0, 8)

	for _, e := range entries {
		var ctx context.Context
		var extra []attribute.KeyValue

		if e.Depth == 0 {
			rootCtx, warnings, err := s.rootContext(e)
			if err != nil {
				return err
			}
			ctx, extra = rootCtx, warnings
			parents = parents[:0]
		} else {
			if e.Depth > len(parents) {
				return fmt.Errorf("record of scheduler %d at depth %d has no parent", e.Scheduler, e.Depth)
			}
			ctx = parents[e.Depth-1]
		}

		start := s.clock.OffsetToWallClock(e.Record.Start)
		end := start.Add(time.Duration(e.Record.Duration * float64(time.Second)))

		spanCtx, sp := s.tracer.Start(ctx, SpanName(e.Record),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithTimestamp(start),
			trace.WithAttributes(s.recordAttributes(e)...),
		)
		if len(extra) > 0 {
			sp.SetAttributes(extra...)
		}
		sp.End(trace.WithTimestamp(end))
		s.spans++

		parents = append(parents[:e.Depth], spanCtx)
	}
	return nil
}

func (s *OTELSink) rootContext(e emit.Entry) (context.Context, []attribute.KeyValue, error) {
	ctx := context.Background()
	if s.traceIDs == nil || !s.traceIDs.Configured() {
		return ctx, nil, nil
	}
	traceID, warnings, err := s.traceIDs.EvaluateAndValidate(s.runID, e.Scheduler, e.Record.Start)
	if err != nil {
		return nil, nil, fmt.Errorf("trace id for scheduler %d: %w", e.Scheduler, err)
	}
	return otel.WithTraceID(ctx, traceID), warnings, nil
}

func (s *OTELSink) recordAttributes(e emit.Entry) []attribute.KeyValue {
	r := e.Record
	attrs := []attribute.KeyValue{
		AttrScheduler.Int(e.Scheduler),
		AttrClass.String(r.Class),
	}
	if r.PID != nil {
		attrs = append(attrs, AttrErlangPID.String(r.PID.Text()))
	}
	if r.Kind == span.KindSyscall && r.Name != "" {
		attrs = append(attrs, AttrSyscallName.String(r.Name))
	}
	if r.Debug != "" {
		attrs = append(attrs, AttrDebug.String(r.Debug))
	}
	if s.evaluator != nil {
		attrs = append(attrs, s.evaluator.Evaluate(e)...)
	}
	return attrs
}

// Close reports how many spans were handed to the tracer. Flushing is the
// tracer provider's job.
func (s *OTELSink) Close() error {
	s.logger.Info("Exported spans", zap.Int("spans", s.spans))
	return nil
}
