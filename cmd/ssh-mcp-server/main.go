// ssh-mcp-server is the session multiplexer process: one MCP tool channel
// on stdio plus the browser terminal surface on a single HTTP port, both
// operating on the same set of SSH sessions.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LightspeedDMS/ssh-mcp/internal/config"
	"github.com/LightspeedDMS/ssh-mcp/internal/mcpserver"
	"github.com/LightspeedDMS/ssh-mcp/internal/session"
	"github.com/LightspeedDMS/ssh-mcp/internal/webserver"
)

const version = "1.0.0"

func main() {
	webPort := flag.Int("web-port", -1, "port for the HTTP/WS surface (overrides SSHMCP_WEB_PORT; 0 = ephemeral)")
	flag.Parse()

	// stdout belongs to the JSON-RPC stream; all diagnostics go to stderr.
	log.SetOutput(os.Stderr)

	config.Load()
	if *webPort >= 0 {
		config.Cfg.WebPort = *webPort
	}
	grace, err := time.ParseDuration(config.Cfg.ShutdownGrace)
	if err != nil {
		log.Fatalf("invalid SSHMCP_SHUTDOWN_GRACE: %v", err)
	}

	registry := session.NewRegistry()
	registry.SetHistoryCapacity(config.Cfg.HistoryBytes)

	web := webserver.New(registry, config.Cfg.WebHost, config.Cfg.PortFile)
	baseURL, err := web.Start(config.Cfg.WebPort)
	if err != nil {
		// The tool channel still works without the browser surface;
		// monitoring-url calls report web-unavailable.
		log.Printf("WARNING: web surface unavailable: %v", err)
	} else {
		registry.SetWebBaseURL(baseURL)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mcpserver.Run(sigCtx, registry, version); err != nil && sigCtx.Err() == nil {
		log.Printf("tool channel stopped: %v", err)
	}
	stop()

	// Shutdown order: stop accepting subscribers, then close every session.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if baseURL != "" {
		if err := web.Close(shutdownCtx); err != nil {
			log.Printf("web shutdown: %v", err)
		}
	}
	for _, sum := range registry.List() {
		registry.Dispose(sum.Name)
	}
}
