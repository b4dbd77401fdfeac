package mcpserver

import (
	"bufio"
	"testing"
	"time"

	"github.com/LightspeedDMS/ssh-mcp/internal/session"
)

func TestNewServerRegistersTools(t *testing.T) {
	if srv := NewServer(session.NewRegistry(), "test"); srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestSupervisorStdioPipes(t *testing.T) {
	sup, err := Spawn("/bin/sh", []string{"-c", "read line; echo got:$line"}, time.Second)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if _, err := sup.Stdin.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write child stdin: %v", err)
	}
	line, err := bufio.NewReader(sup.Stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("read child stdout: %v", err)
	}
	if line != "got:hello\n" {
		t.Errorf("child echoed %q", line)
	}
	if err := sup.Wait(); err != nil {
		t.Errorf("child exit: %v", err)
	}
}

func TestSupervisorStopTerminatesGracefully(t *testing.T) {
	// The child exits cleanly on SIGTERM.
	sup, err := Spawn("/bin/sh", []string{"-c", "trap 'exit 0' TERM; echo ready; while :; do sleep 0.1; done"}, 3*time.Second)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// Signal only once the trap is installed.
	if _, err := bufio.NewReader(sup.Stdout).ReadString('\n'); err != nil {
		t.Fatalf("read child readiness: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sup.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("graceful stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSupervisorStopEscalatesToKill(t *testing.T) {
	// The child ignores SIGTERM; Stop must SIGKILL after the grace period.
	sup, err := Spawn("/bin/sh", []string{"-c", "trap '' TERM; while :; do sleep 0.1; done"}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	start := time.Now()
	stopErr := sup.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Stop took %s, escalation did not fire", elapsed)
	}
	if stopErr == nil {
		t.Error("killed child should report a non-zero exit")
	}
}

func TestStopAfterExitReturnsImmediately(t *testing.T) {
	sup, err := Spawn("/bin/sh", []string{"-c", "exit 0"}, time.Second)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.Wait()
	if err := sup.Stop(); err != nil {
		t.Errorf("stop after exit: %v", err)
	}
}
