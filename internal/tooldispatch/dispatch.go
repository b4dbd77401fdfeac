// Package tooldispatch maps the tool-channel vocabulary onto Session
// Registry operations. Every tool handler returns a structured result with a
// success flag; failures are data in that result, never Go errors crossing
// the JSON-RPC boundary.
package tooldispatch

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/LightspeedDMS/ssh-mcp/internal/model"
	"github.com/LightspeedDMS/ssh-mcp/internal/session"
	"github.com/LightspeedDMS/ssh-mcp/internal/sshadapter"
)

// Dispatcher routes tool calls to the Registry.
type Dispatcher struct {
	registry *session.Registry
}

// New creates a Dispatcher bound to reg.
func New(reg *session.Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Register adds every recognized tool to the MCP server.
func (d *Dispatcher) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "connect",
		Description: "Open a named SSH session using a password, raw private key material, or a key file path.",
	}, d.connect)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "exec",
		Description: "Run a command on a session's shell and return its stdout, stderr, and exit code.",
	}, d.exec)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel",
		Description: "Cancel the command currently running on a session.",
	}, d.cancel)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list",
		Description: "List every open session.",
	}, d.list)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "disconnect",
		Description: "Close a session and release its SSH connection.",
	}, d.disconnect)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "monitoring-url",
		Description: "Return the browser terminal URL for a session.",
	}, d.monitoringURL)
}

// --- argument and result shapes ---

type ConnectArgs struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Username    string `json:"username"`
	Port        int    `json:"port,omitempty"`
	Password    string `json:"password,omitempty"`
	PrivateKey  string `json:"privateKey,omitempty"`
	KeyFilePath string `json:"keyFilePath,omitempty"`
}

type ConnectionInfo struct {
	Name         string      `json:"name"`
	Host         string      `json:"host"`
	Username     string      `json:"username"`
	Status       model.State `json:"status"`
	LastActivity int64       `json:"lastActivity"`
}

type ConnectResult struct {
	Success    bool            `json:"success"`
	Connection *ConnectionInfo `json:"connection,omitempty"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type ExecArgs struct {
	SessionName string `json:"sessionName"`
	Command     string `json:"command"`
	Timeout     int    `json:"timeout,omitempty"` // milliseconds
}

type ExecResult struct {
	Success         bool                         `json:"success"`
	Result          *model.CommandResult         `json:"result,omitempty"`
	Error           string                       `json:"error,omitempty"`
	Message         string                       `json:"message,omitempty"`
	BrowserCommands []model.BrowserCommandRecord `json:"browserCommands,omitempty"`
	RetryAllowed    bool                         `json:"retryAllowed,omitempty"`
}

type SessionArgs struct {
	SessionName string `json:"sessionName"`
}

type CancelResult struct {
	Success   bool   `json:"success"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

type ListArgs struct{}

type ListResult struct {
	Success  bool              `json:"success"`
	Sessions []session.Summary `json:"sessions"`
}

type DisconnectResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type MonitoringURLResult struct {
	Success       bool   `json:"success"`
	MonitoringURL string `json:"monitoringUrl,omitempty"`
	Error         string `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
}

// --- handlers ---

func (d *Dispatcher) connect(ctx context.Context, req *mcp.CallToolRequest, args ConnectArgs) (*mcp.CallToolResult, ConnectResult, error) {
	if args.Name == "" || args.Host == "" || args.Username == "" {
		return nil, ConnectResult{
			Success: false,
			Error:   string(model.ErrMissingParams),
			Message: "name, host, and username are required",
		}, nil
	}
	auth := sshadapter.Auth{
		Password:       args.Password,
		PrivateKey:     []byte(args.PrivateKey),
		PrivateKeyFile: args.KeyFilePath,
	}
	if args.PrivateKey == "" {
		auth.PrivateKey = nil
	}
	if auth.Password == "" && auth.PrivateKey == nil && auth.PrivateKeyFile == "" {
		return nil, ConnectResult{
			Success: false,
			Error:   string(model.ErrMissingParams),
			Message: "one of password, privateKey, or keyFilePath is required",
		}, nil
	}

	sess, createErr := d.registry.Create(ctx, args.Name, args.Host, args.Port, args.Username, auth)
	if createErr != nil {
		return nil, ConnectResult{Success: false, Error: string(createErr.Kind), Message: createErr.Message}, nil
	}
	sum := sess.Summary()
	return nil, ConnectResult{
		Success: true,
		Connection: &ConnectionInfo{
			Name:         sum.Name,
			Host:         sum.Host,
			Username:     sum.Username,
			Status:       sum.Status,
			LastActivity: sum.LastActivity,
		},
	}, nil
}

func (d *Dispatcher) exec(ctx context.Context, req *mcp.CallToolRequest, args ExecArgs) (*mcp.CallToolResult, ExecResult, error) {
	if args.SessionName == "" || args.Command == "" {
		return nil, ExecResult{
			Success: false,
			Error:   string(model.ErrMissingParams),
			Message: "sessionName and command are required",
		}, nil
	}
	sess, lookupErr := d.registry.Get(args.SessionName)
	if lookupErr != nil {
		return nil, ExecResult{Success: false, Error: string(lookupErr.Kind), Message: lookupErr.Message}, nil
	}

	res, execErr := sess.ExecTool(ctx, args.Command, time.Duration(args.Timeout)*time.Millisecond)
	if execErr != nil {
		out := ExecResult{Success: false, Error: string(execErr.Kind), Message: execErr.Message}
		if execErr.Kind == model.ErrBrowserCommandsExecuted {
			out.BrowserCommands = execErr.BrowserCommands
			out.RetryAllowed = execErr.RetryAllowed
		}
		return nil, out, nil
	}
	return nil, ExecResult{Success: true, Result: &res}, nil
}

func (d *Dispatcher) cancel(ctx context.Context, req *mcp.CallToolRequest, args SessionArgs) (*mcp.CallToolResult, CancelResult, error) {
	sess, lookupErr := d.registry.Get(args.SessionName)
	if lookupErr != nil {
		return nil, CancelResult{Success: false, Error: string(lookupErr.Kind), Message: lookupErr.Message}, nil
	}
	if cancelErr := sess.Cancel(); cancelErr != nil {
		return nil, CancelResult{Success: false, Error: string(cancelErr.Kind), Message: cancelErr.Message}, nil
	}
	return nil, CancelResult{Success: true, Cancelled: true}, nil
}

func (d *Dispatcher) list(ctx context.Context, req *mcp.CallToolRequest, args ListArgs) (*mcp.CallToolResult, ListResult, error) {
	return nil, ListResult{Success: true, Sessions: d.registry.List()}, nil
}

func (d *Dispatcher) disconnect(ctx context.Context, req *mcp.CallToolRequest, args SessionArgs) (*mcp.CallToolResult, DisconnectResult, error) {
	if disposeErr := d.registry.Dispose(args.SessionName); disposeErr != nil {
		return nil, DisconnectResult{Success: false, Error: string(disposeErr.Kind), Message: disposeErr.Message}, nil
	}
	return nil, DisconnectResult{Success: true, Message: "session " + args.SessionName + " disconnected"}, nil
}

func (d *Dispatcher) monitoringURL(ctx context.Context, req *mcp.CallToolRequest, args SessionArgs) (*mcp.CallToolResult, MonitoringURLResult, error) {
	url, urlErr := d.registry.MonitoringURL(args.SessionName)
	if urlErr != nil {
		return nil, MonitoringURLResult{Success: false, Error: string(urlErr.Kind), Message: urlErr.Message}, nil
	}
	return nil, MonitoringURLResult{Success: true, MonitoringURL: url}, nil
}
