package mcp

// Common error messages and descriptions used across MCP tools.
const (
	// Tool parameter descriptions
	descSessionID = "The session ID returned by shell_session_create"

	// Common error messages
	errSessionIDRequired = "session_id is required"
	errCommandRequired   = "command is required"

	serverName    = "resilient-shell-mcp"
	serverVersion = "0.3.0"
)
