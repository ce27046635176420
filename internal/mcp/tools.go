package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/logging"
	"github.com/acolita/micro-repl/internal/security"
	"github.com/acolita/micro-repl/internal/session"
	"github.com/acolita/micro-repl/internal/transport"
)

// registerTools registers all device tools with the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(deviceConnectTool(), s.handleDeviceConnect)
	s.mcpServer.AddTool(deviceWriteTool(), s.handleDeviceWrite)
	s.mcpServer.AddTool(deviceEvalTool(), s.handleDeviceEval)
	s.mcpServer.AddTool(devicePasteTool(), s.handleDevicePaste)
	s.mcpServer.AddTool(deviceExecRawTool(), s.handleDeviceExecRaw)
	s.mcpServer.AddTool(deviceInterruptTool(), s.handleDeviceInterrupt)
	s.mcpServer.AddTool(deviceResetTool(), s.handleDeviceReset)
	s.mcpServer.AddTool(deviceCloseTool(), s.handleDeviceClose)
	s.mcpServer.AddTool(deviceStatusTool(), s.handleDeviceStatus)
	s.mcpServer.AddTool(deviceReadOutputTool(), s.handleDeviceReadOutput)
	s.mcpServer.AddTool(deviceListPortsTool(), s.handleDeviceListPorts)
	s.registerTransferTools()
}

// Tool definitions

func deviceConnectTool() mcp.Tool {
	return mcp.NewTool("device_connect",
		mcp.WithDescription(`Open a session to a MicroPython board.

Give either the name of a configured device or a serial port. With neither,
the only configured device or the only detected board is used.

The board's running program is interrupted and the friendly REPL prompt is
synchronized before this returns.`),
		mcp.WithString("device",
			mcp.Description("Name of a device from the config file"),
		),
		mcp.WithString("port",
			mcp.Description("Serial port, e.g. /dev/ttyACM0 or COM3"),
		),
		mcp.WithNumber("baud_rate",
			mcp.Description("Serial speed (default: 115200)"),
		),
		mcp.WithString("password",
			mcp.Description("WebREPL or ssh password. Kept in memory for reconnects; prefer password_env in the config."),
		),
	)
}

func deviceWriteTool() mcp.Tool {
	return mcp.NewTool("device_write",
		mcp.WithDescription("Run code at the friendly REPL as if typed, returning what it printed. Multi-line code is sent in paste mode."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python code to run")),
	)
}

func deviceEvalTool() mcp.Tool {
	return mcp.NewTool("device_eval",
		mcp.WithDescription("Evaluate an expression (or code whose last line is an expression) and return its value as JSON."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
		mcp.WithString("expression", mcp.Required(), mcp.Description("Expression to evaluate, e.g. os.listdir()")),
	)
}

func devicePasteTool() mcp.Tool {
	return mcp.NewTool("device_paste",
		mcp.WithDescription("Send a block of code in paste mode (Ctrl-E) so indentation is kept. Returns the printed output."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python code block")),
	)
}

func deviceExecRawTool() mcp.Tool {
	return mcp.NewTool("device_exec_raw",
		mcp.WithDescription("Run code in the raw REPL, which returns stdout and stderr separately and echoes nothing."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python code to run")),
	)
}

func deviceInterruptTool() mcp.Tool {
	return mcp.NewTool("device_interrupt",
		mcp.WithDescription("Send Ctrl-C to stop the running program. The pending command fails as interrupted."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
	)
}

func deviceResetTool() mcp.Tool {
	return mcp.NewTool("device_reset",
		mcp.WithDescription("Soft reset the board (Ctrl-D). Clears all Python state and runs boot.py and main.py."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
	)
}

func deviceCloseTool() mcp.Tool {
	return mcp.NewTool("device_close",
		mcp.WithDescription("Close a device session and release the port"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
	)
}

func deviceStatusTool() mcp.Tool {
	return mcp.NewTool("device_status",
		mcp.WithDescription("Report one session's state, or every session when session_id is omitted"),
		mcp.WithString("session_id", mcp.Description(descSessionID)),
	)
}

func deviceReadOutputTool() mcp.Tool {
	return mcp.NewTool("device_read_output",
		mcp.WithDescription("Return and clear output the board printed outside of any command, such as boot messages or prints from timers."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
	)
}

func deviceListPortsTool() mcp.Tool {
	return mcp.NewTool("device_list_ports",
		mcp.WithDescription("List serial ports on the host, likely boards first, and the devices named in the config"),
	)
}

// Tool handlers

func (s *Server) handleDeviceConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(req, "device", "")
	port := mcp.ParseString(req, "port", "")
	baud := mcp.ParseInt(req, "baud_rate", 0)
	password := mcp.ParseString(req, "password", "")

	cfg := s.currentConfig()
	name, dev, err := s.resolveDevice(cfg, name, port, baud)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	given := password != ""
	if !given {
		if cached, ok := s.passwords.Get(name); ok {
			password = cached
		}
	}

	t, err := s.openTransport(name, dev, transport.Deps{
		FS:       s.fs,
		Clock:    s.clock,
		Secrets:  s.secrets,
		Limiter:  s.authLimiter(),
		Password: password,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts, err := session.OptionsFromConfig(cfg)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts.Name = name
	opts.BaudRate = dev.BaudRate
	opts.Logger = s.sessionLog
	buf := newLineBuffer(maxBufferedLines)
	opts.Output = buf

	slog.Info("connecting device", slog.String("device", name), slog.String("transport", transport.Describe(t)))

	sess, err := s.manager.Create(ctx, t, opts)
	if err != nil {
		return errorResult(err, map[string]any{"device": name}), nil
	}
	if given {
		s.passwords.Set(name, password)
	}

	s.outMu.Lock()
	s.outputs[sess.ID] = buf
	s.devices[sess.ID] = name
	s.outMu.Unlock()

	result := map[string]any{
		"session_id": sess.ID,
		"device":     name,
		"transport":  sess.Describe(),
		"identity":   sess.Identity(),
		"state":      sess.State(),
	}
	if p := s.recordings.Path(sess.ID); p != "" {
		result["recording"] = p
	}
	return jsonResult(result)
}

// resolveDevice picks the device config for a connect request.
func (s *Server) resolveDevice(cfg *config.Config, name, port string, baud int) (string, config.DeviceConfig, error) {
	switch {
	case name != "":
		dev, ok := cfg.Device(name)
		if !ok {
			return "", config.DeviceConfig{}, fmt.Errorf("unknown device %q (configured: %s)", name, strings.Join(cfg.DeviceNames(), ", "))
		}
		if baud > 0 {
			dev.BaudRate = baud
		}
		return name, dev, nil

	case port != "":
		if baud <= 0 {
			baud = session.DefaultBaudRate
		}
		return port, config.DeviceConfig{Transport: config.TransportSerial, Port: port, BaudRate: baud}, nil

	case len(cfg.Devices) == 1:
		only := cfg.DeviceNames()[0]
		return s.resolveDevice(cfg, only, "", baud)
	}

	found, err := s.listPorts()
	if err != nil {
		return "", config.DeviceConfig{}, fmt.Errorf("list ports: %w", err)
	}
	var boards []string
	for _, p := range found {
		if p.Board != "" {
			boards = append(boards, p.Name)
		}
	}
	if len(boards) == 1 {
		return s.resolveDevice(cfg, "", boards[0], baud)
	}
	if len(boards) == 0 {
		return "", config.DeviceConfig{}, errors.New("no device or port given and no board detected")
	}
	return "", config.DeviceConfig{}, fmt.Errorf("several boards detected (%s); pass port", strings.Join(boards, ", "))
}

func (s *Server) handleDeviceWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, code, res := s.codeRequest(req, "code")
	if res != nil {
		return res, nil
	}

	slog.Debug("device write", slog.String("session_id", sess.ID), slog.String("code", logging.Snippet(code, 80)))

	out, err := sess.Write(ctx, code)
	if err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(s.withSuggestions(map[string]any{"output": out}, out))
}

func (s *Server) handleDeviceEval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, expr, res := s.codeRequest(req, "expression")
	if res != nil {
		return res, nil
	}

	r, err := sess.Eval(ctx, expr)
	if err != nil {
		return errorResult(err, nil), nil
	}

	result := map[string]any{
		"output":  r.Output,
		"decoded": r.Decoded(),
	}
	if r.Valid {
		result["raw"] = r.Raw
		result["value"] = r.Value
	}
	if r.Err != nil {
		result["decode_error"] = r.Err.Error()
	}
	return jsonResult(s.withSuggestions(result, r.Output))
}

func (s *Server) handleDevicePaste(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, code, res := s.codeRequest(req, "code")
	if res != nil {
		return res, nil
	}

	out, err := sess.Paste(ctx, code)
	if err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(s.withSuggestions(map[string]any{"output": out}, out))
}

func (s *Server) handleDeviceExecRaw(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, code, res := s.codeRequest(req, "code")
	if res != nil {
		return res, nil
	}

	stdout, stderr, err := sess.ExecRaw(ctx, code)
	var remote *session.RemoteError
	if err != nil && !errors.As(err, &remote) {
		return errorResult(err, nil), nil
	}
	return jsonResult(s.withSuggestions(map[string]any{"stdout": stdout, "stderr": stderr}, stderr))
}

func (s *Server) handleDeviceInterrupt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.sessionFromRequest(req)
	if res != nil {
		return res, nil
	}

	slog.Info("interrupting device", slog.String("session_id", sess.ID))
	if err := sess.Interrupt(ctx); err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(map[string]any{"status": "interrupted", "state": sess.State()})
}

func (s *Server) handleDeviceReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.sessionFromRequest(req)
	if res != nil {
		return res, nil
	}

	slog.Info("soft resetting device", slog.String("session_id", sess.ID))
	if err := sess.SoftReset(ctx); err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(map[string]any{"status": "reset", "identity": sess.Identity()})
}

func (s *Server) handleDeviceClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}

	slog.Info("closing device session", slog.String("session_id", sessionID))

	recordingPath := s.recordings.Path(sessionID)
	if err := s.manager.Close(sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.recordings.Stop(sessionID); err != nil {
		slog.Warn("closing recording failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}

	s.outMu.Lock()
	delete(s.outputs, sessionID)
	delete(s.devices, sessionID)
	s.outMu.Unlock()
	s.forgetSyncers(sessionID)

	result := map[string]any{"status": "closed", "session_id": sessionID}
	if recordingPath != "" {
		result["recording"] = recordingPath
	}
	return jsonResult(result)
}

func (s *Server) handleDeviceStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		ids := s.manager.List()
		all := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			if sess, err := s.manager.Get(id); err == nil {
				all = append(all, s.status(sess))
			}
		}
		result := map[string]any{"sessions": all}
		if prev := s.manager.Remembered(); len(prev) > 0 {
			result["previous_sessions"] = previousSessions(prev)
		}
		return jsonResult(result)
	}

	sess, err := s.manager.Get(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.status(sess))
}

// previousSessions lists sessions an earlier server run left open. The
// board may still be running whatever they started.
func previousSessions(prev []session.Metadata) []map[string]any {
	out := make([]map[string]any, 0, len(prev))
	for _, m := range prev {
		out = append(out, map[string]any{
			"session_id":   m.ID,
			"device":       m.Name,
			"transport":    m.Device,
			"identity":     m.Identity,
			"connected_at": m.ConnectedAt.Format(time.RFC3339),
		})
	}
	return out
}

func (s *Server) status(sess *session.Session) map[string]any {
	s.outMu.Lock()
	device := s.devices[sess.ID]
	buf := s.outputs[sess.ID]
	s.outMu.Unlock()

	st := map[string]any{
		"session_id": sess.ID,
		"device":     device,
		"transport":  sess.Describe(),
		"state":      sess.State(),
		"identity":   sess.Identity(),
		"pending":    sess.Pending(),
	}
	if err := sess.LastError(); err != nil {
		st["last_error"] = err.Error()
	}
	if buf != nil {
		st["buffered_lines"] = buf.Len()
	}
	if p := s.recordings.Path(sess.ID); p != "" {
		st["recording"] = p
	}
	if r := sess.Result(); r.Decoded() {
		st["last_value"] = r.Value
	}
	return st
}

func (s *Server) handleDeviceReadOutput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.sessionFromRequest(req)
	if res != nil {
		return res, nil
	}

	s.outMu.Lock()
	buf := s.outputs[sess.ID]
	s.outMu.Unlock()

	var lines []string
	dropped := 0
	if buf != nil {
		lines, dropped = buf.Drain()
	}
	if lines == nil {
		lines = []string{}
	}
	result := map[string]any{"lines": lines}
	if dropped > 0 {
		result["dropped"] = dropped
	}
	return jsonResult(s.withSuggestions(result, strings.Join(lines, "\n")))
}

func (s *Server) handleDeviceListPorts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	found, err := s.listPorts()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list ports: %v", err)), nil
	}
	if found == nil {
		found = []transport.PortInfo{}
	}
	return jsonResult(map[string]any{
		"ports":   found,
		"devices": s.currentConfig().DeviceNames(),
	})
}

// Helpers

func (s *Server) sessionFromRequest(req mcp.CallToolRequest) (*session.Session, *mcp.CallToolResult) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return nil, mcp.NewToolResultError(errSessionIDRequired)
	}
	sess, err := s.manager.Get(sessionID)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return sess, nil
}

// codeRequest resolves the session and the code argument and applies the
// code filter.
func (s *Server) codeRequest(req mcp.CallToolRequest, arg string) (*session.Session, string, *mcp.CallToolResult) {
	sess, res := s.sessionFromRequest(req)
	if res != nil {
		return nil, "", res
	}
	code := mcp.ParseString(req, arg, "")
	if strings.TrimSpace(code) == "" {
		return nil, "", mcp.NewToolResultError(arg + " is required")
	}
	if err := s.filter.Check(code); err != nil {
		slog.Warn("code rejected by filter", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
		return nil, "", errorResult(err, nil)
	}
	return sess, code, nil
}

// withSuggestions attaches the traceback and fix suggestions found in
// output. Device exceptions are results, not tool errors.
func (s *Server) withSuggestions(result map[string]any, output string) map[string]any {
	if suggestions := s.analyzer.Analyze(output); len(suggestions) > 0 {
		result["suggestions"] = suggestions
	}
	return result
}

// errorKind names the failure for clients that branch on it.
func errorKind(err error) string {
	var blocked *security.BlockedError
	var locked *security.LockedError
	switch {
	case errors.As(err, &blocked):
		return "blocked"
	case errors.As(err, &locked):
		return "auth_locked"
	case errors.Is(err, transport.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, transport.ErrPortLocked):
		return "port_locked"
	case errors.Is(err, session.ErrTimeout):
		return "timeout"
	case errors.Is(err, session.ErrBusy):
		return "busy"
	case errors.Is(err, session.ErrInterrupted):
		return "interrupted"
	case errors.Is(err, session.ErrCancelled):
		return "cancelled"
	case errors.Is(err, session.ErrUploadFailed):
		return "upload_failed"
	case errors.Is(err, session.ErrProtocolDesync):
		return "desync"
	case errors.Is(err, session.ErrAlreadyConnected):
		return "already_connected"
	case errors.Is(err, session.ErrDisconnected):
		return "disconnected"
	}
	return "error"
}

// errorResult is a JSON tool error carrying the kind and whatever partial
// progress the error holds.
func errorResult(err error, extra map[string]any) *mcp.CallToolResult {
	m := map[string]any{"error": err.Error(), "kind": errorKind(err)}
	var te *session.TimeoutError
	if errors.As(err, &te) && te.Output != "" {
		m["output"] = te.Output
	}
	var ue *session.UploadError
	if errors.As(err, &ue) {
		m["transferred"] = ue.Transferred
		m["total"] = ue.Total
		m["handle_closed"] = ue.Closed
	}
	var le *security.LockedError
	if errors.As(err, &le) {
		m["retry_after_seconds"] = int(le.Remaining.Seconds())
	}
	for k, v := range extra {
		m[k] = v
	}
	res, _ := jsonResult(m)
	res.IsError = true
	return res
}

// jsonResult converts a value to a JSON tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
