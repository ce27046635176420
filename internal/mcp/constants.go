package mcp

// Common error messages and descriptions used across MCP tools.
const (
	descSessionID = "The session ID returned by device_connect"

	errSessionIDRequired = "session_id is required"
	errCodeRequired      = "code is required"
)
