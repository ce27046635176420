package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/testing/fakes/fakedevice"
	"github.com/acolita/micro-repl/internal/transport"
)

func TestHandleDeviceConnect(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.srv.handleDeviceConnect(context.Background(), makeRequest(map[string]any{"device": "pico"}))
	if err != nil {
		t.Fatalf("handleDeviceConnect() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("device_connect failed: %s", resultText(res))
	}
	m := resultJSON(t, res)
	if id, _ := m["session_id"].(string); !strings.HasPrefix(id, "dev_") {
		t.Errorf("session_id = %v, want dev_ prefix", m["session_id"])
	}
	if m["device"] != "pico" {
		t.Errorf("device = %v, want pico", m["device"])
	}
	if m["identity"] != fakedevice.DefaultMachine {
		t.Errorf("identity = %v, want %q", m["identity"], fakedevice.DefaultMachine)
	}
	if m["transport"] != "fake:"+fakedevice.DefaultMachine {
		t.Errorf("transport = %v", m["transport"])
	}
	if _, ok := m["recording"]; ok {
		t.Error("recording reported while recording is disabled")
	}
	if len(env.opened) != 1 || env.opened[0] != "pico" {
		t.Errorf("opened = %v, want [pico]", env.opened)
	}
}

func TestHandleDeviceConnectErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]any
		openErr  error
		wantText string
		wantKind string
	}{
		{"unknown device", map[string]any{"device": "esp"}, nil, `unknown device "esp"`, ""},
		{"open fails", map[string]any{"device": "pico"}, transport.ErrPortLocked, "in use", "port_locked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.dev.OpenErr = tt.openErr

			res, err := env.srv.handleDeviceConnect(context.Background(), makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handleDeviceConnect() error = %v", err)
			}
			if !res.IsError {
				t.Fatal("expected error result")
			}
			if !strings.Contains(resultText(res), tt.wantText) {
				t.Errorf("result = %q, want it to contain %q", resultText(res), tt.wantText)
			}
			if tt.wantKind != "" {
				if kind := resultJSON(t, res)["kind"]; kind != tt.wantKind {
					t.Errorf("kind = %v, want %v", kind, tt.wantKind)
				}
			}
		})
	}
}

func TestHandleDeviceConnectCachesPassword(t *testing.T) {
	cfg := testConfig()
	cfg.Devices["wifi"] = config.DeviceConfig{Transport: config.TransportWebREPL, URL: "ws://10.0.0.5:8266/"}
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	res, _ := env.srv.handleDeviceConnect(ctx, makeRequest(map[string]any{"device": "wifi", "password": "hunter2"}))
	if res.IsError {
		t.Fatalf("device_connect failed: %s", resultText(res))
	}
	id := resultJSON(t, res)["session_id"].(string)
	env.srv.handleDeviceClose(ctx, makeRequest(map[string]any{"session_id": id}))

	res, _ = env.srv.handleDeviceConnect(ctx, makeRequest(map[string]any{"device": "wifi"}))
	if res.IsError {
		t.Fatalf("second device_connect failed: %s", resultText(res))
	}
	if len(env.deps) != 2 {
		t.Fatalf("transports opened = %d, want 2", len(env.deps))
	}
	if got := env.deps[1].Password; got != "hunter2" {
		t.Errorf("reconnect password = %q, want the cached one", got)
	}
	if env.deps[0].Limiter == nil {
		t.Error("transport deps carry no auth limiter")
	}
}

func TestHandleDeviceWrite(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.connect(t)

	res, err := env.srv.handleDeviceWrite(context.Background(), makeRequest(map[string]any{
		"session_id": id,
		"code":       "print(1+2)",
	}))
	if err != nil {
		t.Fatalf("handleDeviceWrite() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("device_write failed: %s", resultText(res))
	}
	m := resultJSON(t, res)
	if m["output"] != "3" {
		t.Errorf("output = %v, want 3", m["output"])
	}
	if _, ok := m["suggestions"]; ok {
		t.Error("suggestions attached to clean output")
	}
}

func TestHandleDeviceWriteSuggestsFix(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.connect(t)

	res, _ := env.srv.handleDeviceWrite(context.Background(), makeRequest(map[string]any{
		"session_id": id,
		"code":       "raise MemoryError",
	}))
	if res.IsError {
		t.Fatalf("device exception reported as a tool error: %s", resultText(res))
	}
	m := resultJSON(t, res)
	if !strings.Contains(m["output"].(string), "MemoryError") {
		t.Errorf("output = %q, want the traceback", m["output"])
	}
	list, ok := m["suggestions"].([]any)
	if !ok || len(list) == 0 {
		t.Fatalf("suggestions = %v, want at least one", m["suggestions"])
	}
	first := list[0].(map[string]any)
	if first["category"] != "memory" {
		t.Errorf("suggestion category = %v, want memory", first["category"])
	}
}

func TestHandleDeviceWriteValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.connect(t)

	tests := []struct {
		name     string
		args     map[string]any
		wantText string
	}{
		{"missing session", map[string]any{"code": "1"}, errSessionIDRequired},
		{"unknown session", map[string]any{"session_id": "dev_0000", "code": "1"}, "not found"},
		{"missing code", map[string]any{"session_id": id}, errCodeRequired},
		{"blank code", map[string]any{"session_id": id, "code": "  \n"}, errCodeRequired},
		{"blocked", map[string]any{"session_id": id, "code": "import machine\nmachine.bootloader()"}, `"kind": "blocked"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.srv.handleDeviceWrite(context.Background(), makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handleDeviceWrite() error = %v", err)
			}
			if !res.IsError {
				t.Fatal("expected error result")
			}
			if !strings.Contains(resultText(res), tt.wantText) {
				t.Errorf("result = %q, want it to contain %q", resultText(res), tt.wantText)
			}
		})
	}
	for _, code := range env.dev.Executed() {
		if strings.Contains(code, "bootloader") {
			t.Error("blocked code reached the device")
		}
	}
}

func TestHandleDeviceEval(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dev.SetValue("sensor.read()", `{"t": 21}`)
	id := env.connect(t)

	res, err := env.srv.handleDeviceEval(context.Background(), makeRequest(map[string]any{
		"session_id": id,
		"expression": "sensor.read()",
	}))
	if err != nil {
		t.Fatalf("handleDeviceEval() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("device_eval failed: %s", resultText(res))
	}
	m := resultJSON(t, res)
	if m["decoded"] != true {
		t.Errorf("decoded = %v, want true", m["decoded"])
	}
	value, ok := m["value"].(map[string]any)
	if !ok || value["t"] != float64(21) {
		t.Errorf("value = %v, want {t: 21}", m["value"])
	}

	status := resultJSON(t, mustCall(t, env.srv.handleDeviceStatus, map[string]any{"session_id": id}))
	if last, ok := status["last_value"].(map[string]any); !ok || last["t"] != float64(21) {
		t.Errorf("status last_value = %v, want the eval result", status["last_value"])
	}
}

func TestHandleDevicePasteAndExecRaw(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.connect(t)

	res := mustCall(t, env.srv.handleDevicePaste, map[string]any{
		"session_id": id,
		"code":       "x = 4\nprint(x*2)",
	})
	if got := resultJSON(t, res)["output"]; got != "8" {
		t.Errorf("paste output = %v, want 8", got)
	}

	res = mustCall(t, env.srv.handleDeviceExecRaw, map[string]any{
		"session_id": id,
		"code":       "print(7)",
	})
	m := resultJSON(t, res)
	if m["stdout"] != "7\r\n" && m["stdout"] != "7\n" && m["stdout"] != "7" {
		t.Errorf("stdout = %q, want 7", m["stdout"])
	}
	if m["stderr"] != "" {
		t.Errorf("stderr = %q, want empty", m["stderr"])
	}

	res = mustCall(t, env.srv.handleDeviceExecRaw, map[string]any{
		"session_id": id,
		"code":       "raise MemoryError",
	})
	m = resultJSON(t, res)
	if !strings.Contains(m["stderr"].(string), "MemoryError") {
		t.Errorf("stderr = %q, want the traceback", m["stderr"])
	}
	if _, ok := m["suggestions"]; !ok {
		t.Error("no suggestions for a raw REPL traceback")
	}
}

func TestHandleDeviceWriteTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Session.CommandTimeout = 100 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.dev.Hang("forever()")
	id := env.connect(t)

	res, _ := env.srv.handleDeviceWrite(context.Background(), makeRequest(map[string]any{
		"session_id": id,
		"code":       "forever()",
	}))
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if kind := resultJSON(t, res)["kind"]; kind != "timeout" {
		t.Errorf("kind = %v, want timeout", kind)
	}

	mustCall(t, env.srv.handleDeviceInterrupt, map[string]any{"session_id": id})
	res = mustCall(t, env.srv.handleDeviceWrite, map[string]any{"session_id": id, "code": "print(9)"})
	if got := resultJSON(t, res)["output"]; got != "9" {
		t.Errorf("output after interrupt = %v, want 9", got)
	}
}

func TestHandleDeviceReset(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.connect(t)

	res := mustCall(t, env.srv.handleDeviceReset, map[string]any{"session_id": id})
	m := resultJSON(t, res)
	if m["status"] != "reset" {
		t.Errorf("status = %v, want reset", m["status"])
	}
	if env.dev.Resets() != 1 {
		t.Errorf("device resets = %d, want 1", env.dev.Resets())
	}
}

func TestHandleDeviceClose(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.connect(t)

	m := resultJSON(t, mustCall(t, env.srv.handleDeviceClose, map[string]any{"session_id": id}))
	if m["status"] != "closed" {
		t.Errorf("status = %v, want closed", m["status"])
	}
	if env.dev.IsOpen() {
		t.Error("transport still open after device_close")
	}

	res, _ := env.srv.handleDeviceClose(context.Background(), makeRequest(map[string]any{"session_id": id}))
	if !res.IsError {
		t.Error("closing twice should fail")
	}
	res, _ = env.srv.handleDeviceWrite(context.Background(), makeRequest(map[string]any{"session_id": id, "code": "1"}))
	if !res.IsError {
		t.Error("write to a closed session should fail")
	}
}

func TestHandleDeviceStatusAll(t *testing.T) {
	env := newTestEnv(t, nil)

	m := resultJSON(t, mustCall(t, env.srv.handleDeviceStatus, nil))
	if list := m["sessions"].([]any); len(list) != 0 {
		t.Errorf("sessions = %v, want none", list)
	}

	id := env.connect(t)
	m = resultJSON(t, mustCall(t, env.srv.handleDeviceStatus, nil))
	list := m["sessions"].([]any)
	if len(list) != 1 {
		t.Fatalf("sessions = %d, want 1", len(list))
	}
	st := list[0].(map[string]any)
	if st["session_id"] != id || st["device"] != "pico" {
		t.Errorf("status = %v", st)
	}
	if st["pending"] != float64(0) {
		t.Errorf("pending = %v, want 0", st["pending"])
	}
}

func TestHandleDeviceStatusPreviousSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.connect(t)

	if m := resultJSON(t, mustCall(t, env.srv.handleDeviceStatus, nil)); m["previous_sessions"] != nil {
		t.Errorf("previous_sessions = %v, want none while the session is live", m["previous_sessions"])
	}

	// A second server on the same filesystem sees what the first left open.
	next := NewServer(testConfig(), WithFileSystem(env.fs), WithClock(env.clock))
	t.Cleanup(func() { next.Shutdown() })
	m := resultJSON(t, mustCall(t, next.handleDeviceStatus, nil))
	prev, ok := m["previous_sessions"].([]any)
	if !ok || len(prev) != 1 {
		t.Fatalf("previous_sessions = %v, want one entry", m["previous_sessions"])
	}
	entry := prev[0].(map[string]any)
	if entry["session_id"] != id || entry["device"] != "pico" {
		t.Errorf("previous session = %v, want %s on pico", entry, id)
	}
	if entry["identity"] != fakedevice.DefaultMachine {
		t.Errorf("identity = %v, want %q", entry["identity"], fakedevice.DefaultMachine)
	}

	mustCall(t, env.srv.handleDeviceClose, map[string]any{"session_id": id})
	next = NewServer(testConfig(), WithFileSystem(env.fs), WithClock(env.clock))
	if m := resultJSON(t, mustCall(t, next.handleDeviceStatus, nil)); m["previous_sessions"] != nil {
		t.Errorf("previous_sessions after close = %v, want none", m["previous_sessions"])
	}
}

func TestHandleDeviceReadOutput(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.connect(t)
	mustCall(t, env.srv.handleDeviceReadOutput, map[string]any{"session_id": id})

	env.dev.Inject("tick from timer\r\n")
	var lines []any
	eventually(t, "buffered output", func() bool {
		m := resultJSON(t, mustCall(t, env.srv.handleDeviceReadOutput, map[string]any{"session_id": id}))
		lines = append(lines, m["lines"].([]any)...)
		for _, l := range lines {
			if l == "tick from timer" {
				return true
			}
		}
		return false
	})

	m := resultJSON(t, mustCall(t, env.srv.handleDeviceReadOutput, map[string]any{"session_id": id}))
	if got := m["lines"].([]any); len(got) != 0 {
		t.Errorf("lines after drain = %v, want none", got)
	}
}

func TestHandleDeviceListPorts(t *testing.T) {
	ports := []transport.PortInfo{
		{Name: "/dev/ttyACM0", USB: true, VID: "2E8A", PID: "0005", Board: "Raspberry Pi Pico"},
		{Name: "/dev/ttyS0"},
	}
	env := newTestEnv(t, nil, WithPortLister(func() ([]transport.PortInfo, error) { return ports, nil }))

	m := resultJSON(t, mustCall(t, env.srv.handleDeviceListPorts, nil))
	if got := m["ports"].([]any); len(got) != 2 {
		t.Errorf("ports = %v, want 2", got)
	}
	if got := m["devices"].([]any); len(got) != 1 || got[0] != "pico" {
		t.Errorf("devices = %v, want [pico]", got)
	}

	env = newTestEnv(t, nil, WithPortLister(func() ([]transport.PortInfo, error) { return nil, errors.New("no udev") }))
	res, _ := env.srv.handleDeviceListPorts(context.Background(), makeRequest(nil))
	if !res.IsError || !strings.Contains(resultText(res), "no udev") {
		t.Errorf("result = %q, want the lister error", resultText(res))
	}
}

func TestSessionRecording(t *testing.T) {
	cfg := testConfig()
	cfg.Recording.Enabled = true
	cfg.Recording.Path = "/rec"
	env := newTestEnv(t, cfg)

	res, _ := env.srv.handleDeviceConnect(context.Background(), makeRequest(map[string]any{"device": "pico"}))
	m := resultJSON(t, res)
	path, _ := m["recording"].(string)
	if !strings.HasPrefix(path, "/rec/dev_") || !strings.HasSuffix(path, ".cast") {
		t.Fatalf("recording = %q, want a cast file under /rec", path)
	}
	id := m["session_id"].(string)
	mustCall(t, env.srv.handleDeviceWrite, map[string]any{"session_id": id, "code": "print(42)"})
	mustCall(t, env.srv.handleDeviceClose, map[string]any{"session_id": id})

	data, err := env.fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	text := string(data)
	if !strings.Contains(text, `"version":2`) {
		t.Errorf("recording has no asciicast header: %s", text)
	}
	if !strings.Contains(text, "42") {
		t.Errorf("recording missing command output: %s", text)
	}
}

// mustCall runs a handler that is expected to succeed.
func mustCall(t *testing.T, h func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error), args map[string]any) *mcpgo.CallToolResult {
	t.Helper()
	res, err := h(context.Background(), makeRequest(args))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if res.IsError {
		t.Fatalf("handler failed: %s", resultText(res))
	}
	return res
}
