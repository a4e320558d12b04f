// Package server provides the MCP server implementation for the CodeBuddy
// index service.
package server

// IndexToolServer defines the interface for the MCP server that handles
// index-related tool calls from MCP clients.
type IndexToolServer interface {
	// Initialize initializes the server with dependencies and configurations.
	Initialize() error

	// Start starts the MCP server on the specified transport.
	Start() error

	// Stop gracefully shuts down the MCP server.
	Stop() error
}
