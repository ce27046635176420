package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/testing/fakes/fakeclock"
	"github.com/acolita/micro-repl/internal/testing/fakes/fakedevice"
	"github.com/acolita/micro-repl/internal/testing/fakes/fakefs"
	"github.com/acolita/micro-repl/internal/transport"
)

// --- Test helpers ---

type testEnv struct {
	srv    *Server
	dev    *fakedevice.Device
	fs     *fakefs.FS
	clock  *fakeclock.Clock
	opened []string
	deps   []transport.Deps
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Session.CommandTimeout = 2 * time.Second
	cfg.Session.ResetTimeout = time.Second
	cfg.Session.HandshakeQuiet = 5 * time.Millisecond
	cfg.Devices["pico"] = config.DeviceConfig{Transport: config.TransportSerial, Port: "/dev/ttyACM0", BaudRate: 115200}
	return cfg
}

func newTestEnv(t *testing.T, cfg *config.Config, opts ...ServerOption) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	env := &testEnv{
		dev:   fakedevice.New(),
		fs:    fakefs.New(),
		clock: fakeclock.New(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)),
	}
	factory := func(name string, d config.DeviceConfig, deps transport.Deps) (transport.Transport, error) {
		env.opened = append(env.opened, name)
		env.deps = append(env.deps, deps)
		return env.dev, nil
	}
	base := []ServerOption{
		WithFileSystem(env.fs),
		WithClock(env.clock),
		WithTransportFactory(factory),
		WithPortLister(func() ([]transport.PortInfo, error) { return nil, nil }),
	}
	env.srv = NewServer(cfg, append(base, opts...)...)
	t.Cleanup(func() { env.srv.Shutdown() })
	return env
}

// connect opens a session on the configured pico and returns its ID.
func (e *testEnv) connect(t *testing.T) string {
	t.Helper()
	res, err := e.srv.handleDeviceConnect(context.Background(), makeRequest(map[string]any{"device": "pico"}))
	if err != nil {
		t.Fatalf("handleDeviceConnect() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("device_connect failed: %s", resultText(res))
	}
	return resultJSON(t, res)["session_id"].(string)
}

func makeRequest(args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(result *mcpgo.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	tc, ok := mcpgo.AsTextContent(result.Content[0])
	if !ok {
		return ""
	}
	return tc.Text
}

func resultJSON(t *testing.T, result *mcpgo.CallToolResult) map[string]any {
	t.Helper()
	text := resultText(result)
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		t.Fatalf("failed to parse result JSON: %v (text: %s)", err, text)
	}
	return m
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
