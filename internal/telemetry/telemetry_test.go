package telemetry

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-toolkit/internal/config"
)

func TestSetupWithoutExporter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	tracer, shutdown, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "zigbee-toolkit", SampleRatio: 1}, "test", logger)
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "toolkit.execute")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, shutdown(context.Background()))
}

func TestSetupZeroRatioDropsSpans(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	tracer, shutdown, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "zigbee-toolkit"}, "test", logger)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "toolkit.execute")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
}
