// ssh-mcp-supervisor owns a long-lived ssh-mcp-server child: it spawns the
// child with piped stdio, relays the parent's stdin/stdout to the child's
// JSON-RPC stream, and on SIGINT/SIGTERM gives the child a bounded grace
// period before SIGKILL.
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LightspeedDMS/ssh-mcp/internal/mcpserver"
)

func main() {
	child := flag.String("child", "ssh-mcp-server", "path to the ssh-mcp-server binary")
	grace := flag.Duration("grace", mcpserver.DefaultGrace, "SIGTERM grace period before SIGKILL")
	flag.Parse()

	log.SetOutput(os.Stderr)

	sup, err := mcpserver.Spawn(*child, flag.Args(), *grace)
	if err != nil {
		log.Fatalf("spawn %s: %v", *child, err)
	}

	go io.Copy(sup.Stdin, os.Stdin)
	go io.Copy(os.Stdout, sup.Stdout)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	exited := make(chan error, 1)
	go func() { exited <- sup.Wait() }()

	select {
	case sig := <-sigs:
		log.Printf("received %s, stopping child %d", sig, sup.Pid())
		if err := sup.Stop(); err != nil {
			log.Printf("child exited: %v", err)
		}
	case err := <-exited:
		if err != nil {
			log.Printf("child exited: %v", err)
			os.Exit(1)
		}
	}
	// Give the child's own port-file cleanup a moment before we return.
	time.Sleep(50 * time.Millisecond)
}
