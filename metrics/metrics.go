// Package metrics provides a thread-safe factory for OpenTelemetry
// instruments with lazy creation. Export and SDK wiring are left to the
// embedding deployment; the factory defaults to the no-op meter so the
// dispatch core can always record unconditionally.
package metrics

import (
	"errors"
	"sync"

	"github.com/steveteneriello/browserless/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrNilMeter indicates that a nil OTEL meter was provided.
var ErrNilMeter = errors.New("metrics: meter cannot be nil")

// Metric describes an instrument the dispatch core records.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Buckets     []float64 // histogram bucket boundaries
}

// Instruments recorded by the dispatch core.
var (
	// MetricDispatchTotal counts dispatch outcomes, labelled by backend
	// and outcome.
	MetricDispatchTotal = Metric{
		Name:        "dispatch_total",
		Unit:        "1",
		Description: "Dispatch outcomes by backend and result.",
	}

	// MetricDispatchLatency measures end-to-end dispatch latency.
	MetricDispatchLatency = Metric{
		Name:        "dispatch_latency_seconds",
		Unit:        "s",
		Description: "End-to-end dispatch latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}

	// MetricSessionsActive gauges current worker sessions.
	MetricSessionsActive = Metric{
		Name:        "sessions_active",
		Unit:        "1",
		Description: "Worker sessions currently leased.",
	}

	// MetricQueueBacklog gauges queued-but-not-active jobs.
	MetricQueueBacklog = Metric{
		Name:        "queue_backlog",
		Unit:        "1",
		Description: "Jobs waiting or delayed in the work queue.",
	}

	// MetricBreakerTransitions counts circuit breaker state changes.
	MetricBreakerTransitions = Metric{
		Name:        "breaker_transitions_total",
		Unit:        "1",
		Description: "Circuit breaker state transitions by backend and target state.",
	}
)

// Factory creates and caches OpenTelemetry instruments.
type Factory struct {
	meter      metric.Meter
	counters   sync.Map // string -> metric.Int64Counter
	gauges     sync.Map // string -> metric.Int64Gauge
	histograms sync.Map // string -> metric.Float64Histogram
	logger     log.Logger
}

// NewFactory creates a Factory over the given meter.
func NewFactory(meter metric.Meter, logger log.Logger) (*Factory, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Factory{meter: meter, logger: logger}, nil
}

// NewNopFactory returns a Factory backed by the no-op meter. Safe
// fallback when telemetry is not configured.
func NewNopFactory() *Factory {
	return &Factory{
		meter:  noop.NewMeterProvider().Meter("nop"),
		logger: log.NewNop(),
	}
}

// Counter creates or retrieves a counter and returns a builder.
func (f *Factory) Counter(m Metric) (*CounterBuilder, error) {
	if cached, ok := f.counters.Load(m.Name); ok {
		return &CounterBuilder{counter: cached.(metric.Int64Counter), name: m.Name}, nil
	}

	counter, err := f.meter.Int64Counter(m.Name,
		metric.WithDescription(m.Description),
		metric.WithUnit(m.Unit))
	if err != nil {
		return nil, err
	}

	actual, _ := f.counters.LoadOrStore(m.Name, counter)

	return &CounterBuilder{counter: actual.(metric.Int64Counter), name: m.Name}, nil
}

// Gauge creates or retrieves a gauge and returns a builder.
func (f *Factory) Gauge(m Metric) (*GaugeBuilder, error) {
	if cached, ok := f.gauges.Load(m.Name); ok {
		return &GaugeBuilder{gauge: cached.(metric.Int64Gauge), name: m.Name}, nil
	}

	gauge, err := f.meter.Int64Gauge(m.Name,
		metric.WithDescription(m.Description),
		metric.WithUnit(m.Unit))
	if err != nil {
		return nil, err
	}

	actual, _ := f.gauges.LoadOrStore(m.Name, gauge)

	return &GaugeBuilder{gauge: actual.(metric.Int64Gauge), name: m.Name}, nil
}

// Histogram creates or retrieves a histogram and returns a builder.
func (f *Factory) Histogram(m Metric) (*HistogramBuilder, error) {
	if cached, ok := f.histograms.Load(m.Name); ok {
		return &HistogramBuilder{histogram: cached.(metric.Float64Histogram), name: m.Name}, nil
	}

	opts := []metric.Float64HistogramOption{
		metric.WithDescription(m.Description),
		metric.WithUnit(m.Unit),
	}
	if len(m.Buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(m.Buckets...))
	}

	histogram, err := f.meter.Float64Histogram(m.Name, opts...)
	if err != nil {
		return nil, err
	}

	actual, _ := f.histograms.LoadOrStore(m.Name, histogram)

	return &HistogramBuilder{histogram: actual.(metric.Float64Histogram), name: m.Name}, nil
}
