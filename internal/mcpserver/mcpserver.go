// Package mcpserver runs the tool channel: an MCP server speaking JSON-RPC
// over the process's stdio. It also provides the Supervisor used by a parent
// process to own the tool-channel child, per the process-signal contract.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/LightspeedDMS/ssh-mcp/internal/session"
	"github.com/LightspeedDMS/ssh-mcp/internal/tooldispatch"
)

// ServerName identifies this MCP server to clients.
const ServerName = "ssh-mcp-server"

// NewServer builds the MCP server with every session tool registered.
func NewServer(reg *session.Registry, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil)
	tooldispatch.New(reg).Register(server)
	return server
}

// Run serves the tool channel over stdio until ctx is cancelled or the
// client disconnects.
func Run(ctx context.Context, reg *session.Registry, version string) error {
	return NewServer(reg, version).Run(ctx, &mcp.StdioTransport{})
}
