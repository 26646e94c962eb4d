package toolkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamUint(t *testing.T) {
	req := &Request{Params: map[string]interface{}{
		"cluster":  "0x0006",
		"endpoint": float64(1),
		"attr":     "1024",
		"big":      float64(300),
		"neg":      float64(-1),
		"frac":     1.5,
		"word":     "onoff",
		"null":     nil,
	}}

	tests := []struct {
		name    string
		bits    int
		want    uint64
		wantErr bool
	}{
		{"cluster", 16, 6, false},
		{"endpoint", 8, 1, false},
		{"attr", 16, 1024, false},
		{"big", 8, 0, true},
		{"neg", 16, 0, true},
		{"frac", 16, 0, true},
		{"word", 16, 0, true},
		{"missing", 8, 42, false},
		{"null", 8, 42, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := req.ParamUint(tt.name, tt.bits, 42)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidData)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParamIntAndBool(t *testing.T) {
	req := &Request{Params: map[string]interface{}{
		"change": float64(-5),
		"hex":    "0x10",
		"rbw":    "yes",
		"flag":   true,
		"num":    float64(0),
		"bad":    "maybe",
	}}

	n, err := req.ParamInt("change", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), n)
	n, err = req.ParamInt("hex", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(16), n)
	n, err = req.ParamInt("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	for name, want := range map[string]bool{"rbw": true, "flag": true, "num": false, "missing": true} {
		got, err := req.ParamBool(name, true)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err = req.ParamBool("bad", false)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestParamStringAndList(t *testing.T) {
	req := &Request{Params: map[string]interface{}{
		"name":  "kitchen",
		"num":   float64(12),
		"args":  []interface{}{float64(1), "0x02"},
		"csv":   "1, 2 ,3",
		"empty": "",
		"one":   float64(9),
	}}

	assert.Equal(t, "kitchen", req.ParamString("name", ""))
	assert.Equal(t, "12", req.ParamString("num", ""))
	assert.Equal(t, "def", req.ParamString("missing", "def"))

	assert.Equal(t, []interface{}{float64(1), "0x02"}, req.ParamList("args"))
	assert.Equal(t, []interface{}{"1", "2", "3"}, req.ParamList("csv"))
	assert.Nil(t, req.ParamList("empty"))
	assert.Equal(t, []interface{}{float64(9)}, req.ParamList("one"))
	assert.Nil(t, req.ParamList("missing"))

	var nilReq *Request
	assert.False(t, nilReq.Has("x"))
}

func TestInvocationDataUint(t *testing.T) {
	inv := &Invocation{Command: "add_group", Data: "0x1001"}
	n, err := inv.DataUint(16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1001), n)

	inv.Data = "70000"
	_, err = inv.DataUint(16)
	assert.ErrorIs(t, err, ErrInvalidData)

	inv.Data = " "
	assert.False(t, inv.HasData())
	_, err = inv.DataUint(16)
	assert.ErrorIs(t, err, ErrInvalidData)
}
