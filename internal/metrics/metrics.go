// Package metrics counts what a run did with its input and exports the
// counters in Prometheus text format.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sched_timeline"

// Collector holds the counters of one run. It satisfies the observer
// interfaces of the event stream and the event processor.
type Collector struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	malformedLines  prometheus.Counter
	droppedEvents   *prometheus.CounterVec
	inconsistencies *prometheus.CounterVec
	quanta          *prometheus.CounterVec
	records         *prometheus.CounterVec
	spansDiscarded  prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Trace events dispatched to a handler, by handler.",
		}, []string{"name"}),
		malformedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_lines_total",
			Help:      "Input lines that could not be parsed.",
		}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events ignored by the span engine, by reason.",
		}, []string{"reason"}),
		inconsistencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inconsistencies_total",
			Help:      "Scheduler state corrections, by reason.",
		}, []string{"reason"}),
		quanta: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quanta_total",
			Help:      "Completed scheduling quanta, by scheduler.",
		}, []string{"scheduler"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Span records emitted, by scheduler.",
		}, []string{"scheduler"}),
		spansDiscarded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_spans_discarded",
			Help:      "Spans of quanta still open at end of input.",
		}),
	}

	c.registry.MustRegister(
		c.events,
		c.malformedLines,
		c.droppedEvents,
		c.inconsistencies,
		c.quanta,
		c.records,
		c.spansDiscarded,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) EventHandled(label string) {
	c.events.WithLabelValues(label).Inc()
}

func (c *Collector) EventDropped(reason string) {
	c.droppedEvents.WithLabelValues(reason).Inc()
}

func (c *Collector) Inconsistency(reason string) {
	c.inconsistencies.WithLabelValues(reason).Inc()
}

func (c *Collector) QuantumEmitted(scheduler int, records int) {
	label := strconv.Itoa(scheduler)
	c.quanta.WithLabelValues(label).Inc()
	c.records.WithLabelValues(label).Add(float64(records))
}

func (c *Collector) MalformedLine() {
	c.malformedLines.Inc()
}

// SpansDiscarded records how many spans were abandoned at end of input.
func (c *Collector) SpansDiscarded(n int) {
	c.spansDiscarded.Set(float64(n))
}

// WriteTextfile writes every metric to path in the node exporter textfile
// format. The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
