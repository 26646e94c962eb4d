package toolkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/zigbee"
)

var lampIEEE = zigbee.MustParseIEEE("00:17:88:01:02:03:04:05")

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeApp resolves a fixed set of references; every other App method
// panics through the nil embedded interface.
type fakeApp struct {
	App
	names map[string]zigbee.IEEE
}

func (f *fakeApp) ResolveIEEE(ctx context.Context, ref string) (zigbee.IEEE, error) {
	if ieee, err := zigbee.ParseIEEE(ref); err == nil {
		return ieee, nil
	}
	if ieee, ok := f.names[ref]; ok {
		return ieee, nil
	}
	return zigbee.IEEE{}, fmt.Errorf("resolve %q: %w", ref, store.ErrNotFound)
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
	data   []interface{}
}

func (l *recordingListener) Publish(eventType string, data interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, eventType)
	l.data = append(l.data, data)
}

func newTestRouter(opts ...Option) *Router {
	app := &fakeApp{names: map[string]zigbee.IEEE{"hallway lamp": lampIEEE}}
	opts = append([]Option{WithApp(app), WithLogger(newTestLogger())}, opts...)
	return NewRouter(opts...)
}

func TestRegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := newTestRouter()
	noop := func(ctx context.Context, inv *Invocation) (interface{}, error) { return nil, nil }

	require.NoError(t, r.Register("get_groups", noop))
	assert.Error(t, r.Register("get_groups", noop))
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("  ", noop))
	assert.Error(t, r.Register("nil_handler", nil))
	assert.Panics(t, func() { r.MustRegister("get_groups", noop) })
}

func TestLookup(t *testing.T) {
	r := newTestRouter()
	r.MustRegister("leave", func(ctx context.Context, inv *Invocation) (interface{}, error) { return "left", nil })

	h, err := r.Lookup("leave")
	require.NoError(t, err)
	out, err := h(context.Background(), &Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "left", out)

	for _, name := range []string{"Leave", "leave ", "levae", ""} {
		_, err := r.Lookup(name)
		assert.ErrorIs(t, err, ErrUnknownCommand, name)
	}
}

func TestCommandsSorted(t *testing.T) {
	r := newTestRouter()
	noop := func(ctx context.Context, inv *Invocation) (interface{}, error) { return nil, nil }
	r.MustRegister("zdo_scan_now", noop, Describe("scan"))
	r.MustRegister("add_group", noop, RequiresIEEE(), Describe("add a group"))
	r.MustRegister("leave", noop, RequiresIEEE())

	got := r.Commands()
	require.Len(t, got, 3)
	assert.Equal(t, CommandInfo{Name: "add_group", Description: "add a group", RequiresIEEE: true}, got[0])
	assert.Equal(t, "leave", got[1].Name)
	assert.Equal(t, "zdo_scan_now", got[2].Name)
	assert.False(t, got[2].RequiresIEEE)
}

func TestDispatchDefaultHandler(t *testing.T) {
	r := newTestRouter()
	called := false
	r.MustRegister("known", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		called = true
		return nil, nil
	})

	for _, cmd := range []string{"", "no_such_command"} {
		res, err := r.Dispatch(context.Background(), &Request{Command: cmd, Data: "x"})
		require.NoError(t, err, cmd)
		assert.Nil(t, res.Data)
		assert.NotEmpty(t, res.ID)
		assert.False(t, res.Matched, cmd)
	}
	assert.False(t, called)

	res, err := r.Dispatch(context.Background(), &Request{Command: "known"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, res.Matched)
}

func TestDispatchStrictLookup(t *testing.T) {
	r := newTestRouter(WithStrictLookup())

	res, err := r.Dispatch(context.Background(), &Request{Command: "no_such_command"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
	require.NotNil(t, res)
	assert.False(t, res.Matched)
	assert.Equal(t, "unknown_command", ErrorCode(err))

	// The empty command still takes the no-op path.
	_, err = r.Dispatch(context.Background(), &Request{})
	assert.NoError(t, err)
}

func TestDispatchResolvesIEEE(t *testing.T) {
	r := newTestRouter()
	var got *Invocation
	r.MustRegister("ieee_ping", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		got = inv
		return map[string]string{"ok": "yes"}, nil
	}, RequiresIEEE())

	tests := []struct {
		name string
		ref  string
	}{
		{"colon form", "00:17:88:01:02:03:04:05"},
		{"hex form", "0x0017880102030405"},
		{"friendly name", "hallway lamp"},
		{"padded", "  hallway lamp "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			res, err := r.Dispatch(context.Background(), &Request{Command: "ieee_ping", IEEE: tt.ref, Data: "payload"})
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.HasIEEE)
			assert.Equal(t, lampIEEE, got.IEEE)
			assert.Equal(t, "payload", got.Data)
			assert.Equal(t, "ieee_ping", got.Command)
			assert.Equal(t, lampIEEE.String(), res.IEEE)
			assert.Equal(t, map[string]string{"ok": "yes"}, res.Data)
		})
	}
}

func TestDispatchUnknownDevice(t *testing.T) {
	r := newTestRouter()
	called := false
	r.MustRegister("ieee_ping", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		called = true
		return nil, nil
	}, RequiresIEEE())

	_, err := r.Dispatch(context.Background(), &Request{Command: "ieee_ping", IEEE: "kitchen"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, called)
}

func TestDispatchMissingIEEE(t *testing.T) {
	r := newTestRouter()
	called := false
	r.MustRegister("leave", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		called = true
		return nil, nil
	}, RequiresIEEE())

	_, err := r.Dispatch(context.Background(), &Request{Command: "leave"})
	assert.ErrorIs(t, err, ErrMissingIEEE)
	assert.Equal(t, "missing_ieee", ErrorCode(err))
	assert.False(t, called)
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	r := newTestRouter()
	boom := errors.New("radio busy")
	calls := 0
	r.MustRegister("zdo_scan_now", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		calls++
		return nil, boom
	})

	res, err := r.Dispatch(context.Background(), &Request{Command: "zdo_scan_now"})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
	require.NotNil(t, res)
	assert.Equal(t, "zdo_scan_now", res.Command)
}

func TestDispatchPassesParamsAndListener(t *testing.T) {
	l := &recordingListener{}
	r := newTestRouter(WithListener(l))
	r.MustRegister("add_group", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		ep, err := inv.Request.ParamUint("endpoint", 8, 1)
		if err != nil {
			return nil, err
		}
		inv.Listener.Publish("custom", ep)
		return ep, nil
	})

	res, err := r.Dispatch(context.Background(), &Request{Command: "add_group", Params: map[string]interface{}{"endpoint": float64(11)}})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), res.Data)
	assert.Equal(t, []string{"custom"}, l.events)
}

func TestDispatchKeepsRequestID(t *testing.T) {
	r := newTestRouter()
	res, err := r.Dispatch(context.Background(), &Request{ID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.ID)

	_, err = r.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestObserversSeeEveryDispatch(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	obs := ObserverFunc(func(ctx context.Context, req *Request, res *Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s:%v", req.Command, err == nil))
	})
	r := newTestRouter(WithObserver(obs), WithStrictLookup())
	r.MustRegister("ok", func(ctx context.Context, inv *Invocation) (interface{}, error) { return nil, nil })
	r.MustRegister("fail", func(ctx context.Context, inv *Invocation) (interface{}, error) { return nil, errors.New("x") })

	r.Dispatch(context.Background(), &Request{Command: "ok"})
	r.Dispatch(context.Background(), &Request{Command: "fail"})
	r.Dispatch(context.Background(), &Request{Command: "missing"})

	assert.Equal(t, []string{"ok:true", "fail:false", "missing:false"}, seen)
}

func TestConcurrentDispatch(t *testing.T) {
	r := newTestRouter()
	var mu sync.Mutex
	count := 0
	r.MustRegister("count", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return nil, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				r.Register(fmt.Sprintf("extra_%d", i), func(ctx context.Context, inv *Invocation) (interface{}, error) { return nil, nil })
			}
			r.Dispatch(context.Background(), &Request{Command: "count"})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, count)
	assert.Len(t, r.Commands(), 5)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", ErrInvalidData), "invalid_data"},
		{fmt.Errorf("%w: %q", ErrDeviceNotFound, "x"), "device_not_found"},
		{ErrUnsupported, "unsupported"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("other"), "failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), fmt.Sprint(tt.err))
	}
}
