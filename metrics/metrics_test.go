package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewFactory(t *testing.T) {
	t.Parallel()

	_, err := NewFactory(nil, nil)
	require.ErrorIs(t, err, ErrNilMeter)

	f, err := NewFactory(noop.NewMeterProvider().Meter("test"), nil)
	require.NoError(t, err)
	require.NotNil(t, f)
}

func TestFactory_CachesInstruments(t *testing.T) {
	t.Parallel()

	f := NewNopFactory()

	first, err := f.Counter(MetricDispatchTotal)
	require.NoError(t, err)

	second, err := f.Counter(MetricDispatchTotal)
	require.NoError(t, err)

	assert.Equal(t, first.counter, second.counter)
}

func TestFactory_RecordsThroughBuilders(t *testing.T) {
	t.Parallel()

	f := NewNopFactory()
	ctx := context.Background()

	counter, err := f.Counter(MetricDispatchTotal)
	require.NoError(t, err)
	require.NoError(t, counter.WithLabels(map[string]string{
		"backend": "chrome-1",
		"outcome": "success",
	}).AddOne(ctx))

	gauge, err := f.Gauge(MetricSessionsActive)
	require.NoError(t, err)
	require.NoError(t, gauge.Record(ctx, 3))

	histogram, err := f.Histogram(MetricDispatchLatency)
	require.NoError(t, err)
	require.NoError(t, histogram.WithLabels(map[string]string{"kind": "scrape"}).Record(ctx, 0.42))
}

func TestBuilders_NilInstruments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	require.ErrorIs(t, (&CounterBuilder{}).AddOne(ctx), ErrNilCounter)
	require.ErrorIs(t, (&GaugeBuilder{}).Record(ctx, 1), ErrNilGauge)
	require.ErrorIs(t, (&HistogramBuilder{}).Record(ctx, 1), ErrNilHistogram)
}

func TestBuilders_WithLabelsDoesNotMutateParent(t *testing.T) {
	t.Parallel()

	f := NewNopFactory()

	base, err := f.Counter(MetricDispatchTotal)
	require.NoError(t, err)

	labelled := base.WithLabels(map[string]string{"backend": "chrome-1"})
	assert.Empty(t, base.attrs)
	assert.Len(t, labelled.attrs, 1)
}
