package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, reader, recorder
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumInt(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "training-governor", c.ServiceName)
	assert.Equal(t, "localhost:4317", c.OTLPEndpoint)
	assert.Equal(t, 1.0, c.SampleRate)
	assert.True(t, c.Enabled)
}

func TestNewDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Instruments are usable without an exporter.
	_, done := p.TrackOperation(context.Background(), "noop")
	done(nil)
	p.RecordBattle(context.Background(), "p1", "completed", false)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation(t *testing.T) {
	p, reader, recorder := newTestProvider(t)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "battle.run", AttrPersonaID.String("p1"))
	done(nil)
	_, done = p.TrackOperation(ctx, "battle.run", AttrPersonaID.String("p1"))
	done(errors.New("provider down"))

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumInt(t, metrics["governor.operations.total"]))
	assert.Equal(t, int64(1), sumInt(t, metrics["governor.errors.total"]))
	assert.Equal(t, int64(0), sumInt(t, metrics["governor.operations.active"]))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "battle.run", spans[0].Name())
}

func TestGovernorInstruments(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	ctx := context.Background()

	p.RecordBattle(ctx, "p1", "completed", false)
	p.RecordBattle(ctx, "p2", "failed", true)
	p.RecordSpend(ctx, "openai", "gpt-4o", decimal.RequireFromString("0.25"))
	p.RecordKillSwitch(ctx, true)
	p.RecordThrottled(ctx)
	p.RecordHalt(ctx, "BudgetExceeded")
	p.RecordHumanityGrade(ctx, 91)

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumInt(t, metrics["governor.battles.total"]))
	assert.Equal(t, int64(1), sumInt(t, metrics["governor.kill_switch.transitions"]))
	assert.Equal(t, int64(1), sumInt(t, metrics["governor.batches.throttled"]))
	assert.Equal(t, int64(1), sumInt(t, metrics["governor.batches.halted"]))

	spend, ok := metrics["governor.spend.usd"].Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, spend.DataPoints, 1)
	assert.InDelta(t, 0.25, spend.DataPoints[0].Value, 1e-9)

	hist, ok := metrics["governor.auditor.humanity_grade"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}
