package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildExecBody(t *testing.T) {
	raw, err := buildExecBody("bind_ieee", "hallway lamp", "00:15:8d:00:01:2a:3b:4c", "",
		[]string{"cluster=6", "label=kitchen", `list=[1,2]`})
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "bind_ieee", body["command"])
	assert.Equal(t, "hallway lamp", body["ieee"])
	assert.NotContains(t, body, "id")
	params := body["params"].(map[string]interface{})
	assert.Equal(t, float64(6), params["cluster"])
	assert.Equal(t, "kitchen", params["label"])
	assert.Equal(t, []interface{}{float64(1), float64(2)}, params["list"])

	_, err = buildExecBody("x", "", "", "", []string{"novalue"})
	assert.ErrorContains(t, err, "key=value")
}

func TestExecPostsToServer(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/execute", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		if got["command"] == "nope" {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"success":false,"code":"unknown_command"}`)
			return
		}
		io.WriteString(w, `{"success":true,"result":{"id":"1"}}`)
	}))
	defer srv.Close()

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append([]string{"exec", "--server", srv.URL + "/", "--api-key", "k"}, args...))
		err := rootCmd.Execute()
		return out.String(), err
	}

	out, err := run("zdo_scan_now", "--data", "3")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"success": true`), out)
	assert.Equal(t, "3", got["command_data"])

	_, err = run("nope")
	assert.ErrorContains(t, err, "404")
}
