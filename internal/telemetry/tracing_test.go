package telemetry

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

// Setup mutates otel globals, so these tests do not run in parallel.

func resetGlobals(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})
}

func TestSetupDisabledReturnsNil(t *testing.T) {
	tp, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.Nil(t, tp)
}

func TestSetupValidates(t *testing.T) {
	_, err := Setup(context.Background(), Config{Enabled: true, SampleRatio: 1})
	require.ErrorContains(t, err, "service name")

	_, err = Setup(context.Background(), Config{Enabled: true, ServiceName: "ghostfetch", SampleRatio: 1.5})
	require.ErrorContains(t, err, "sample ratio")
}

func TestSetupRecordsSpansAndPropagates(t *testing.T) {
	resetGlobals(t)
	recorder := tracetest.NewSpanRecorder()

	tp, err := Setup(context.Background(),
		Config{Enabled: true, ServiceName: "ghostfetch", SampleRatio: 1},
		sdktrace.WithSpanProcessor(recorder),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "fetch.attempt")
	header := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "fetch.attempt", ended[0].Name())
	require.Contains(t, ended[0].Resource().String(), "ghostfetch")
	require.NotEmpty(t, header.Get("traceparent"))
}

func TestSetupZeroRatioDropsRootSpans(t *testing.T) {
	resetGlobals(t)
	recorder := tracetest.NewSpanRecorder()

	tp, err := Setup(context.Background(),
		Config{Enabled: true, ServiceName: "ghostfetch", SampleRatio: 0},
		sdktrace.WithSpanProcessor(recorder),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "dropped")
	span.End()
	require.Empty(t, recorder.Ended())
}
