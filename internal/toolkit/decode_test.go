package toolkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{
		"command": " bind_ieee ",
		"ieee": "00:15:8d:00:01:2a:3b:4c",
		"command_data": "hallway lamp",
		"cluster": "0x0006",
		"endpoint": 1,
		"params": {"endpoint": 2}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "bind_ieee", req.Command)
	assert.Equal(t, "00:15:8d:00:01:2a:3b:4c", req.IEEE)
	assert.Equal(t, "hallway lamp", req.Data)
	assert.Equal(t, "0x0006", req.ParamString("cluster", ""))

	ep, err := req.ParamUint("endpoint", 8, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ep)
}

func TestParseRequestNumericData(t *testing.T) {
	req, err := ParseRequest([]byte(`{"command": "add_group", "command_data": 16, "verbose": 1}`))
	require.NoError(t, err)
	assert.Equal(t, "16", req.Data)
	b, err := req.ParamBool("verbose", false)
	require.NoError(t, err)
	assert.True(t, b)
}

func TestParseRequestEmptyObject(t *testing.T) {
	req, err := ParseRequest([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, req.Command)
	assert.Nil(t, req.Params)
}

func TestParseRequestRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"command":`},
		{"not an object", `["leave"]`},
		{"command type", `{"command": 5}`},
		{"ieee type", `{"ieee": {"nwk": 1}}`},
		{"data type", `{"command_data": [1, 2]}`},
		{"params type", `{"params": "endpoint=1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidData)
		})
	}
}
