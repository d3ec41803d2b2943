package output

import (
	"errors"
	"fmt"

	"github.com/mrzor/sched-timeline/internal/emit"
)

// Sink receives batches and is closed once at the end of a successful run.
type Sink interface {
	HandleBatch(entries []emit.Entry) error
	Close() error
}

// Aborter is implemented by sinks that can undo their output when a run fails.
type Aborter interface {
	Abort() error
}

// Fanout forwards every batch to each of its sinks in order.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a fanout over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// HandleBatch stops at the first sink that fails.
func (f *Fanout) HandleBatch(entries []emit.Entry) error {
	for i, s := range f.sinks {
		if err := s.HandleBatch(entries); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every sink, even after a failure, and joins the errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Abort aborts the sinks that support it and closes the others.
func (f *Fanout) Abort() error {
	var errs []error
	for _, s := range f.sinks {
		var err error
		if a, ok := s.(Aborter); ok {
			err = a.Abort()
		} else {
			err = s.Close()
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
