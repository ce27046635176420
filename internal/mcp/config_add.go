package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/micro-repl/internal/config"
)

func (s *Server) registerConfigTools() {
	s.mcpServer.AddTool(deviceConfigAddTool(), s.handleDeviceConfigAdd)
}

func deviceConfigAddTool() mcp.Tool {
	return mcp.NewTool("device_config_add",
		mcp.WithDescription(`Add a device to the config file.

The user is asked on their terminal to confirm before anything is saved.
Secrets are never taken here; set password_env in the config instead.

The device is available to device_connect immediately.

Requires a config file path (--config flag at startup).`),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Short name for the device (e.g., 'esp32', 'pico')"),
		),
		mcp.WithString("transport",
			mcp.Description("'serial' (default), 'webrepl' or 'pty'"),
			mcp.DefaultString(config.TransportSerial),
		),
		mcp.WithString("port",
			mcp.Description("Serial port for the serial transport"),
		),
		mcp.WithNumber("baud_rate",
			mcp.Description("Serial speed (default: 115200)"),
		),
		mcp.WithString("url",
			mcp.Description("WebREPL URL, e.g. ws://192.168.4.1:8266/"),
		),
		mcp.WithString("password_env",
			mcp.Description("Environment variable holding the WebREPL password"),
		),
		mcp.WithString("command",
			mcp.Description("Command for the pty transport (default: micropython)"),
		),
	)
}

func (s *Server) handleDeviceConfigAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.configPath == "" {
		return mcp.NewToolResultError(
			"No config file path set. Start the server with --config flag to enable config management.",
		), nil
	}
	if s.dialogProvider == nil {
		return mcp.NewToolResultError("no terminal available to confirm config changes"), nil
	}

	name := strings.TrimSpace(mcp.ParseString(req, "name", ""))
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	dev := config.DeviceConfig{
		Transport:   mcp.ParseString(req, "transport", config.TransportSerial),
		Port:        mcp.ParseString(req, "port", ""),
		BaudRate:    mcp.ParseInt(req, "baud_rate", 0),
		URL:         mcp.ParseString(req, "url", ""),
		PasswordEnv: mcp.ParseString(req, "password_env", ""),
		Command:     mcp.ParseString(req, "command", ""),
	}
	if dev.Transport == config.TransportSSH {
		return mcp.NewToolResultError("ssh bridge devices need host keys and credentials; add them to the config file by hand"), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.config
	next.Devices = maps.Clone(s.config.Devices)
	if err := next.AddDevice(name, dev); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := next.Validate(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid device: %v", err)), nil
	}
	added, _ := next.Device(name)

	slog.Info("asking to confirm device config", slog.String("device", name))

	ok, err := s.dialogProvider.Confirm(
		fmt.Sprintf("Add device %q?", name),
		describeDevice(added)+"\nSaved to "+s.configPath,
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dialog error: %v", err)), nil
	}
	if !ok {
		slog.Info("device configuration cancelled by user", slog.String("device", name))
		return jsonResult(map[string]any{
			"status":  "cancelled",
			"message": "User cancelled the configuration",
		})
	}

	if err := config.Save(&next, s.configPath, s.fs); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save config: %v", err)), nil
	}
	s.config = &next

	slog.Info("device configuration saved",
		slog.String("device", name),
		slog.String("transport", added.Transport),
		slog.String("config_path", s.configPath),
	)

	return jsonResult(map[string]any{
		"status":      "saved",
		"device":      name,
		"transport":   added.Transport,
		"port":        added.Port,
		"baud_rate":   added.BaudRate,
		"url":         added.URL,
		"config_path": s.configPath,
	})
}

func describeDevice(d config.DeviceConfig) string {
	switch d.Transport {
	case config.TransportWebREPL:
		return "WebREPL at " + d.URL
	case config.TransportPTY:
		if d.Command == "" {
			return "local process micropython"
		}
		return "local process " + d.Command
	}
	return fmt.Sprintf("serial %s at %d baud", d.Port, d.BaudRate)
}
