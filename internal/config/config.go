// Package config loads process settings from the environment.
package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	// Web surface. Port 0 binds an ephemeral port; whichever port is bound
	// is published through the port file for browser clients to discover.
	WebHost  string `envconfig:"WEB_HOST" default:"localhost"`
	WebPort  int    `envconfig:"WEB_PORT" default:"0"`
	PortFile string `envconfig:"PORT_FILE" default:".ssh-mcp-server.port"`

	// Per-session history buffer size in bytes of normalized text.
	HistoryBytes int `envconfig:"HISTORY_BYTES" default:"262144"`

	// Grace period for draining sessions on SIGTERM.
	ShutdownGrace string `envconfig:"SHUTDOWN_GRACE" default:"5s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHMCP", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
