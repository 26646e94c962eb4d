package toolkit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-toolkit/internal/store"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHistoryRecorder(t *testing.T) {
	st := newTestStore(t)
	r := newTestRouter(WithObserver(NewHistoryRecorder(st, 2, newTestLogger())))
	r.MustRegister("ieee_ping", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return map[string]string{"nwk": "0x1234"}, nil
	}, RequiresIEEE())
	r.MustRegister("fail", func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return nil, errors.New("no route")
	})

	res, err := r.Dispatch(context.Background(), &Request{Command: "ieee_ping", IEEE: "hallway lamp", Origin: "mqtt"})
	require.NoError(t, err)

	e, err := st.GetExecution(res.ID)
	require.NoError(t, err)
	assert.True(t, e.OK)
	assert.Equal(t, lampIEEE.String(), e.IEEE)
	assert.Equal(t, "mqtt", e.Origin)
	assert.JSONEq(t, `{"nwk":"0x1234"}`, string(e.Result))

	_, err = r.Dispatch(context.Background(), &Request{Command: "fail", Data: "x"})
	require.Error(t, err)
	_, err = r.Dispatch(context.Background(), &Request{Command: "fail", Data: "y"})
	require.Error(t, err)

	list, err := st.ListExecutions(0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "y", list[0].Data)
	assert.False(t, list[0].OK)
	assert.Equal(t, "no route", list[0].Error)
}

func TestEventPublisher(t *testing.T) {
	l := &recordingListener{}
	r := newTestRouter(WithObserver(EventPublisher(l)))

	r.Dispatch(context.Background(), &Request{Command: "leave", IEEE: "nobody"})

	require.Equal(t, []string{EventCommandExecuted}, l.events)
	evt, ok := l.data[0].(ExecutionEvent)
	require.True(t, ok)
	assert.False(t, evt.Success)
	assert.Equal(t, "device_not_found", evt.Code)
	assert.Equal(t, "leave", evt.Command)
}
