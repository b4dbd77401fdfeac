package sshadapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/LightspeedDMS/ssh-mcp/internal/sshtest"
)

func dialTest(t *testing.T) (*sshtest.Server, *ssh.Client) {
	t.Helper()
	srv, err := sshtest.Start()
	if err != nil {
		t.Fatalf("start test SSH server: %v", err)
	}
	t.Cleanup(srv.Close)

	host, port := srv.Addr()
	client, err := Dial(context.Background(), host, port, sshtest.User, Auth{Password: sshtest.Password})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestDialRequiresCredential(t *testing.T) {
	if _, err := Dial(context.Background(), "localhost", 22, "user", Auth{}); err == nil {
		t.Error("dial without credential should fail before touching the network")
	}
}

func TestDialHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A blackhole address: the dial would block without ctx enforcement.
	_, err := Dial(ctx, "10.255.255.1", 22, "user", Auth{Password: "x"})
	if err == nil {
		t.Error("cancelled context must abort the dial")
	}
}

func TestAuthMethodPrecedence(t *testing.T) {
	// Password wins over key material.
	m, err := Auth{Password: "pw", PrivateKey: []byte("garbage")}.authMethod()
	if err != nil || m == nil {
		t.Errorf("password auth = (%v, %v)", m, err)
	}
	// Bad key material fails.
	if _, err := (Auth{PrivateKey: []byte("not a pem")}).authMethod(); err == nil {
		t.Error("garbage key material must fail to parse")
	}
	// Missing key file fails.
	if _, err := (Auth{PrivateKeyFile: "/does/not/exist"}).authMethod(); err == nil {
		t.Error("missing key file must fail")
	}
}

func TestOpenRequestsCanonicalPTY(t *testing.T) {
	srv, client := dialTest(t)
	a, err := Open(client)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	term, cols, rows, modes := srv.PTYRequest()
	if term != TermType {
		t.Errorf("terminal type = %q, want %q", term, TermType)
	}
	if cols != defaultCols || rows != defaultRows {
		t.Errorf("initial window = %dx%d, want %dx%d", cols, rows, defaultCols, defaultRows)
	}
	if echo, ok := modes[ssh.ECHO]; !ok || echo != 0 {
		t.Errorf("server-side echo mode = %d (present=%v), want disabled", echo, ok)
	}
}

func TestOpenInjectsInitSequence(t *testing.T) {
	srv, client := dialTest(t)
	a, err := Open(client)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	lines := srv.InitLines()
	if len(lines) != 3 {
		t.Fatalf("init lines = %d, want 3: %q", len(lines), lines)
	}
	checks := []string{"stty -echo", "export PS1=", "unset PROMPT_COMMAND"}
	for i, want := range checks {
		if !strings.Contains(lines[i], want) {
			t.Errorf("init line %d = %q, want to contain %q", i, lines[i], want)
		}
		if !strings.Contains(lines[i], "/dev/null") {
			t.Errorf("init line %d = %q is not output-suppressed", i, lines[i])
		}
	}
}

func TestResizePropagatesWindowChange(t *testing.T) {
	srv, client := dialTest(t)
	a, err := Open(client)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if err := a.Resize(132, 43); err != nil {
		t.Fatalf("resize: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range srv.Resizes() {
			if r[0] == 132 && r[1] == 43 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("window-change 132x43 never observed; got %v", srv.Resizes())
}

func TestReadYieldsShellOutput(t *testing.T) {
	_, client := dialTest(t)
	a, err := Open(client)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if _, err := a.Write([]byte("whoami\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4096)
	var got strings.Builder
	deadline := time.Now().Add(3 * time.Second)
	// The prompt already carries the user name, so wait for the CR-LF
	// terminated output line of whoami itself.
	for time.Now().Before(deadline) && !strings.Contains(got.String(), sshtest.User+"\r\n") {
		n, err := a.Read().Read(buf)
		if n > 0 {
			got.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	if !strings.Contains(got.String(), sshtest.User) {
		t.Errorf("shell output = %q, want it to contain %q", got.String(), sshtest.User)
	}
	if !strings.Contains(got.String(), "\r\n") {
		t.Errorf("output lost its CR-LF line endings: %q", got.String())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, client := dialTest(t)
	a, err := Open(client)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if _, err := a.Write([]byte("x")); err == nil {
		t.Error("write after close should fail")
	}
}

func TestWrapCommand(t *testing.T) {
	if got := WrapCommand("ls -l"); got != "ls -l; echo __rc:$?" {
		t.Errorf("WrapCommand = %q", got)
	}
}
