package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zigbee-toolkit/internal/automation"
	"zigbee-toolkit/internal/config"
	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/metrics"
	"zigbee-toolkit/internal/ncp/ncptest"
	"zigbee-toolkit/internal/scheduler"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zcl"
	"zigbee-toolkit/internal/zigbee"
)

const (
	lampIEEE   = "00:17:88:01:02:03:04:05"
	sensorIEEE = "00:15:8d:00:09:08:07:06"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	srv    *Server
	router *toolkit.Router
	coord  *coordinator.Coordinator
	db     *store.BoltStore
	stub   *ncptest.Stub
}

// setupTestServer starts a coordinator on a stub radio and registers a few
// commands with known outcomes.
func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	stub := ncptest.New(zigbee.MustParseIEEE("00:12:4b:00:00:00:00:01"))
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(stub, db, zcl.NewStandardRegistry(logger), events, coordinator.Config{
		Channel: 15, PanID: 0x1A62, ExtPanID: zigbee.MustParseIEEE("dd:dd:dd:dd:dd:dd:dd:dd"),
	}, coordinator.NCPConfig{Type: "nrf52840"}, logger)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Stop)

	router := toolkit.NewRouter(
		toolkit.WithApp(coord),
		toolkit.WithListener(events),
		toolkit.WithLogger(logger),
		toolkit.WithStrictLookup(),
		toolkit.WithObserver(toolkit.NewHistoryRecorder(db, 100, logger)),
		toolkit.WithObserver(toolkit.EventPublisher(events)),
	)
	router.MustRegister("echo", func(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
		return map[string]interface{}{"data": inv.Data, "ieee": inv.IEEE.String()}, nil
	}, toolkit.Describe("echo the request"))
	router.MustRegister("identify", func(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
		return "ok", nil
	}, toolkit.RequiresIEEE(), toolkit.Describe("identify a device"))
	router.MustRegister("mfg", func(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
		return nil, toolkit.ErrUnsupported
	}, toolkit.Describe("unsupported on this radio"))
	router.MustRegister("slow", func(ctx context.Context, inv *toolkit.Invocation) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, toolkit.Describe("block until cancelled"))

	opts = append([]ServerOption{WithVersion("test"), WithExecuteLimit(0, 0)}, opts...)
	srv := NewServer(router, coord, logger, opts...)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, router: router, coord: coord, db: db, stub: stub}
}

func seedDevice(t *testing.T, db *store.BoltStore, ieee string, short uint16, name string) {
	t.Helper()
	if err := db.SaveDevice(&store.Device{
		IEEEAddress:  ieee,
		ShortAddress: short,
		FriendlyName: name,
		Manufacturer: "Test",
		Model:        "TestModel",
		Interviewed:  true,
	}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestAPIExecute(t *testing.T) {
	env := setupTestServer(t)
	seedDevice(t, env.db, lampIEEE, 0x1234, "hallway lamp")

	w := env.do(t, "POST", "/api/execute", `{"id":"req-1","command":"echo","ieee":"hallway lamp","command_data":42}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		Result  struct {
			ID   string            `json:"id"`
			IEEE string            `json:"ieee"`
			Data map[string]string `json:"data"`
		} `json:"result"`
	}
	decode(t, w, &resp)
	if !resp.Success || resp.Result.ID != "req-1" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Result.IEEE != lampIEEE {
		t.Errorf("ieee = %q, want %q", resp.Result.IEEE, lampIEEE)
	}
	if resp.Result.Data["data"] != "42" {
		t.Errorf("data = %q, want 42", resp.Result.Data["data"])
	}

	e, err := env.db.GetExecution("req-1")
	if err != nil {
		t.Fatalf("execution not recorded: %v", err)
	}
	if e.Origin != "http" || !e.OK {
		t.Errorf("execution = %+v", e)
	}
}

func TestAPIExecuteErrors(t *testing.T) {
	env := setupTestServer(t, WithExecuteTimeout(50*time.Millisecond))

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{`, http.StatusBadRequest, "invalid_data"},
		{"schema violation", `{"command": 7}`, http.StatusBadRequest, "invalid_data"},
		{"unknown command", `{"command":"nope"}`, http.StatusNotFound, "unknown_command"},
		{"missing ieee", `{"command":"identify"}`, http.StatusBadRequest, "missing_ieee"},
		{"unknown device", `{"command":"identify","ieee":"kitchen"}`, http.StatusNotFound, "device_not_found"},
		{"unsupported", `{"command":"mfg"}`, http.StatusNotImplemented, "unsupported"},
		{"timeout", `{"command":"slow"}`, http.StatusGatewayTimeout, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/execute", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			var resp struct {
				Success bool   `json:"success"`
				Code    string `json:"code"`
				Error   string `json:"error"`
			}
			decode(t, w, &resp)
			if resp.Success || resp.Code != tt.code || resp.Error == "" {
				t.Errorf("resp = %+v, want code %q", resp, tt.code)
			}
		})
	}
}

func TestAPIExecuteRateLimited(t *testing.T) {
	env := setupTestServer(t, WithExecuteLimit(0.001, 1))

	if w := env.do(t, "POST", "/api/execute", `{"command":"echo"}`); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w := env.do(t, "POST", "/api/execute", `{"command":"echo"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestAPICommands(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "GET", "/api/commands", "")
	var cmds []toolkit.CommandInfo
	decode(t, w, &cmds)
	if len(cmds) != 4 {
		t.Fatalf("got %d commands, want 4", len(cmds))
	}
	if cmds[0].Name != "echo" || !cmds[1].RequiresIEEE {
		t.Errorf("commands = %+v", cmds)
	}
}

func TestAPIExecutions(t *testing.T) {
	env := setupTestServer(t)
	for i := 0; i < 3; i++ {
		env.do(t, "POST", "/api/execute", `{"command":"echo"}`)
	}
	env.do(t, "POST", "/api/execute", `{"id":"bad","command":"nope"}`)

	w := env.do(t, "GET", "/api/executions?limit=2", "")
	var list []store.Execution
	decode(t, w, &list)
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "bad" || list[0].OK {
		t.Errorf("newest = %+v", list[0])
	}

	if w := env.do(t, "GET", "/api/executions?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/executions/bad", ""); w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/executions/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", w.Code)
	}
}

func TestAPIDevices(t *testing.T) {
	env := setupTestServer(t)
	seedDevice(t, env.db, lampIEEE, 0x1234, "hallway lamp")
	seedDevice(t, env.db, sensorIEEE, 0x9ABC, "")

	var list []store.Device
	decode(t, env.do(t, "GET", "/api/devices", ""), &list)
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}

	for _, ref := range []string{lampIEEE, "0x1234", "Hallway%20Lamp"} {
		w := env.do(t, "GET", "/api/devices/"+ref, "")
		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", ref, w.Code)
		}
	}
	if w := env.do(t, "GET", "/api/devices/nobody", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d", w.Code)
	}

	w := env.do(t, "PATCH", "/api/devices/0x9abc", `{"friendly_name":"bathroom sensor"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("rename status = %d", w.Code)
	}
	dev, _ := env.db.GetDevice(sensorIEEE)
	if dev.FriendlyName != "bathroom sensor" {
		t.Errorf("friendly name = %q", dev.FriendlyName)
	}
	if w := env.do(t, "PATCH", "/api/devices/0x9abc", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad rename status = %d", w.Code)
	}

	w = env.do(t, "DELETE", "/api/devices/bathroom%20sensor", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if _, err := env.db.GetDevice(sensorIEEE); err == nil {
		t.Error("device still stored after delete")
	}
	if len(env.stub.Leaves) != 1 {
		t.Errorf("leave requests = %d, want 1", len(env.stub.Leaves))
	}
}

func TestAPINetworkInfo(t *testing.T) {
	env := setupTestServer(t)
	seedDevice(t, env.db, lampIEEE, 0x1234, "")

	var info map[string]interface{}
	decode(t, env.do(t, "GET", "/api/network", ""), &info)
	if info["pan_id"] != "0x1A62" {
		t.Errorf("pan_id = %v", info["pan_id"])
	}
	if info["device_count"] != float64(1) {
		t.Errorf("device_count = %v", info["device_count"])
	}
}

func TestAPIPermitJoin(t *testing.T) {
	env := setupTestServer(t)
	before := len(env.stub.PermitJoins)

	w := env.do(t, "POST", "/api/permit-join", `{"duration":60}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(env.stub.PermitJoins) != before+1 || env.stub.PermitJoins[before].Duration != 60 {
		t.Errorf("permit joins = %+v", env.stub.PermitJoins)
	}

	if w := env.do(t, "POST", "/api/permit-join", `{"via":"nobody"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown via status = %d", w.Code)
	}
}

func TestAPIArtifacts(t *testing.T) {
	env := setupTestServer(t)
	for i, subject := range []string{lampIEEE, lampIEEE, sensorIEEE} {
		body, _ := json.Marshal(map[string]int{"n": i})
		if err := env.db.SaveArtifact(&store.Artifact{
			Kind: store.ArtifactScan, Subject: subject,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second), Body: body,
		}); err != nil {
			t.Fatal(err)
		}
	}

	var list []store.Artifact
	decode(t, env.do(t, "GET", "/api/artifacts/scan", ""), &list)
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}

	var latest store.Artifact
	decode(t, env.do(t, "GET", "/api/artifacts/scan?subject="+lampIEEE, ""), &latest)
	if !bytes.Contains(latest.Body, []byte(`"n":1`)) {
		t.Errorf("latest body = %s", latest.Body)
	}

	if w := env.do(t, "GET", "/api/artifacts/topology?subject=network", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing artifact status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/artifacts/photos", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown kind status = %d", w.Code)
	}
}

func TestAPISchedules(t *testing.T) {
	logger := testLogger()
	sched := scheduler.New(toolkit.NewRouter(toolkit.WithLogger(logger)), time.Second, logger)
	if err := sched.Add(config.Schedule{Name: "nightly", Spec: "0 3 * * *", Command: "znp_backup"}); err != nil {
		t.Fatal(err)
	}
	env := setupTestServer(t, WithSchedules(sched))

	var entries []scheduler.Entry
	decode(t, env.do(t, "GET", "/api/schedules", ""), &entries)
	if len(entries) != 1 || entries[0].Name != "nightly" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestAPIVersion(t *testing.T) {
	env := setupTestServer(t)
	var v map[string]string
	decode(t, env.do(t, "GET", "/api/version", ""), &v)
	if v["version"] != "test" {
		t.Errorf("version = %q", v["version"])
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("secret-key"))

	if w := env.do(t, "GET", "/api/devices", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}
	if w := env.do(t, "GET", "/api/devices", "", "X-API-Key", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
	if w := env.do(t, "GET", "/api/devices", "", "X-API-Key", "secret-key"); w.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200", w.Code)
	}
	// The query parameter is only honoured on the websocket route.
	if w := env.do(t, "GET", "/api/devices?api_key=secret-key", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("query key: status = %d, want 401", w.Code)
	}
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"http://allowed.example"}))

	w := env.do(t, "OPTIONS", "/api/execute", "", "Origin", "http://allowed.example")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.example" {
		t.Errorf("allow origin = %q", got)
	}

	w = env.do(t, "POST", "/api/execute", `{"command":"echo"}`, "Origin", "http://evil.example")
	if w.Code != http.StatusForbidden {
		t.Errorf("cross-origin POST status = %d, want 403", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.New(reg, nil)
	env := setupTestServer(t, WithMetrics(m, "/metrics", metrics.Handler(reg)))
	env.router.AddObserver(m)

	env.do(t, "POST", "/api/execute", `{"command":"echo"}`)
	w := env.do(t, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`zigbee_toolkit_executions_total{code="ok",command="echo"} 1`,
		`zigbee_toolkit_http_requests_total{route="POST /api/execute",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestAPIScripts(t *testing.T) {
	logger := testLogger()
	mgr, err := automation.NewManager(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	// The engine dispatches through its own router; the server only needs
	// it for run and reload.
	engine := automation.NewEngine(toolkit.NewRouter(toolkit.WithLogger(logger)),
		coordinator.NewEventBus(logger), nil, mgr, time.Second, logger)
	t.Cleanup(engine.Stop)
	env := setupTestServer(t, WithAutomation(engine, mgr))

	w := env.do(t, "POST", "/api/scripts", `{"name":"Night Light","code":"toolkit.log('hi')","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created struct {
		ID      string `json:"id"`
		Running bool   `json:"running"`
	}
	decode(t, w, &created)
	if created.ID == "" || !created.Running {
		t.Fatalf("created = %+v", created)
	}

	if w := env.do(t, "POST", "/api/scripts", `{"code":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("nameless status = %d", w.Code)
	}

	var list []struct {
		ID string `json:"id"`
	}
	decode(t, env.do(t, "GET", "/api/scripts", ""), &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	w = env.do(t, "PUT", "/api/scripts/"+created.ID, `{"name":"Night Light","code":"toolkit.log('bye')","enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	var updated struct {
		Running bool `json:"running"`
	}
	decode(t, w, &updated)
	if updated.Running {
		t.Error("disabled script still running")
	}

	var run automation.RunResult
	decode(t, env.do(t, "POST", "/api/scripts/"+created.ID+"/run", ""), &run)
	if !run.OK || len(run.Logs) != 1 || !strings.Contains(run.Logs[0], "bye") {
		t.Errorf("run = %+v", run)
	}

	decode(t, env.do(t, "POST", "/api/scripts/run", `{"code":"error('boom')"}`), &run)
	if run.OK || !strings.Contains(run.Error, "boom") {
		t.Errorf("adhoc run = %+v", run)
	}

	if w := env.do(t, "DELETE", "/api/scripts/"+created.ID, ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/scripts/"+created.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d", w.Code)
	}
}

func TestAPIScriptsDisabled(t *testing.T) {
	env := setupTestServer(t)
	if w := env.do(t, "GET", "/api/scripts", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
