package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/toolkit"
)

func TestObserveCountsByCode(t *testing.T) {
	reg := NewRegistry()
	m := New(reg, func() int { return 7 })

	res := &toolkit.Result{Duration: 120 * time.Millisecond, Matched: true}
	unmatched := &toolkit.Result{Duration: 120 * time.Millisecond}
	m.Observe(context.Background(), &toolkit.Request{Command: "leave"}, res, nil)
	m.Observe(context.Background(), &toolkit.Request{Command: "leave"}, res, fmt.Errorf("%w: x", toolkit.ErrMissingIEEE))
	m.Observe(context.Background(), &toolkit.Request{Command: "bogus"}, unmatched, fmt.Errorf("%w: bogus", toolkit.ErrUnknownCommand))
	m.Observe(context.Background(), &toolkit.Request{Command: "leave"}, res, errors.New("radio gone"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("leave", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("leave", "missing_ieee")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("leave", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("unknown", "unknown_command")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Duration))
}

func TestObserveFoldsUnregisteredCommands(t *testing.T) {
	m := New(NewRegistry(), nil)
	r := toolkit.NewRouter(
		toolkit.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))),
		toolkit.WithObserver(m),
	)
	r.MustRegister("ieee_ping", func(context.Context, *toolkit.Invocation) (interface{}, error) { return nil, nil })

	for i := 0; i < 5; i++ {
		_, err := r.Dispatch(context.Background(), &toolkit.Request{Command: fmt.Sprintf("bogus_%d", i)})
		require.NoError(t, err)
	}
	_, err := r.Dispatch(context.Background(), &toolkit.Request{Command: "ieee_ping"})
	require.NoError(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(m.Executions))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Executions.WithLabelValues("unknown", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("ieee_ping", "ok")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Duration))
}

func TestCountEvents(t *testing.T) {
	m := New(NewRegistry(), nil)
	bus := coordinator.NewEventBus(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	unsubscribe := m.CountEvents(bus)

	bus.Publish(coordinator.EventDeviceJoined, nil)
	bus.Publish(coordinator.EventDeviceJoined, nil)
	unsubscribe()
	bus.Publish(coordinator.EventDeviceJoined, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues(coordinator.EventDeviceJoined)))
}

func TestHandlerExposesGauge(t *testing.T) {
	reg := NewRegistry()
	New(reg, func() int { return 3 })

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "zigbee_toolkit_devices 3"), body)
	assert.Contains(t, body, "go_goroutines")
}
