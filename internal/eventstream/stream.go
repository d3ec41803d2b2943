// Package eventstream drives a trace capture through the span engine.
//
// Stream reads babeltrace text line by line, parses each line and hands the
// resulting event to an EventHandler. Lines that cannot be parsed are
// reported and skipped; they advance no state.
package eventstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/mrzor/sched-timeline/internal/babeltrace"
	"github.com/mrzor/sched-timeline/internal/traceevent"
)

// maxLineSize bounds a single babeltrace line. Payloads of BEAM probes can be long.
const maxLineSize = 1 << 20

// EventHandler is the interface for consuming parsed trace events.
type EventHandler interface {
	HandleEvent(event *traceevent.Event) error
}

// Observer is notified about lines that could not be parsed.
type Observer interface {
	MalformedLine()
}

// Stats summarises one Run.
type Stats struct {
	Lines     int
	Events    int
	Malformed int
}

// Stream reads events from a text capture and dispatches them to a handler.
type Stream struct {
	reader   io.Reader
	handler  EventHandler
	logger   *zap.Logger
	observer Observer
	stats    Stats
}

// New creates a new Stream with the given reader and event handler.
// A nil logger disables logging; observer may be nil.
func New(reader io.Reader, handler EventHandler, logger *zap.Logger, observer Observer) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		reader:   reader,
		handler:  handler,
		logger:   logger.Named("eventstream"),
		observer: observer,
	}
}

// Run consumes the whole input sequentially. It stops early when ctx is
// cancelled or the handler fails, and returns that error.
func (s *Stream) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.stats.Lines++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		event, err := babeltrace.Parse(line)
		if err != nil {
			s.stats.Malformed++
			if s.observer != nil {
				s.observer.MalformedLine()
			}
			s.logger.Warn("Skipping unparseable line",
				zap.Int("line", s.stats.Lines),
				zap.String("text", line),
				zap.Error(err))
			continue
		}

		s.stats.Events++
		if err := s.handler.HandleEvent(event); err != nil {
			return fmt.Errorf("handling event at line %d: %w", s.stats.Lines, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading trace input: %w", err)
	}
	return nil
}

// Stats returns counters accumulated so far.
func (s *Stream) Stats() Stats {
	return s.stats
}
