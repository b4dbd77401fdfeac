// Package sshadapter owns one SSH connection and its interactive PTY shell:
// NewSession + RequestPty + StdinPipe/StdoutPipe, with ssh.Dial behind a
// context-cancellable goroutine. It supports password, raw-key, and
// key-file authentication and configures the PTY the way the echo filter
// depends on: server-side echo disabled, a fixed xterm-256color terminal
// type, and a synchronous prompt-stabilizing init sequence whose own echo
// is suppressed.
package sshadapter

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/LightspeedDMS/ssh-mcp/internal/logutil"
)

// DialTimeout bounds how long Dial waits for the TCP+SSH handshake.
const DialTimeout = 10 * time.Second

// initReadyDelay is the short pause after injecting the init sequence, giving
// the remote shell time to process stty/export before any real command is
// written.
const initReadyDelay = 150 * time.Millisecond

const (
	defaultCols = 80
	defaultRows = 24
)

// TermType is the fixed terminal type requested for every PTY.
const TermType = "xterm-256color"

// Auth describes how to authenticate an SSH connection. Exactly one of the
// three fields should be set; Password wins over PrivateKey, which wins over
// PrivateKeyFile, if more than one is supplied.
type Auth struct {
	Password       string
	PrivateKey     []byte // raw PEM key material
	PrivateKeyFile string // path to a PEM key file
}

func (a Auth) empty() bool {
	return a.Password == "" && len(a.PrivateKey) == 0 && a.PrivateKeyFile == ""
}

// authMethod builds the ssh.AuthMethod for the configured credential.
func (a Auth) authMethod() (ssh.AuthMethod, error) {
	if a.Password != "" {
		return ssh.Password(a.Password), nil
	}
	if len(a.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(a.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key material: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if a.PrivateKeyFile != "" {
		data, err := os.ReadFile(a.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse private key file: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return nil, fmt.Errorf("no credential supplied")
}

// Dial opens an SSH connection to host:port authenticating as username with
// auth, honoring ctx for cancellation of the dial itself. It never blocks
// past ctx's deadline even though ssh.Dial itself is not context-aware.
func Dial(ctx context.Context, host string, port int, username string, auth Auth) (*ssh.Client, error) {
	if host == "" || username == "" {
		return nil, fmt.Errorf("host and username are required")
	}
	if auth.empty() {
		return nil, fmt.Errorf("no authentication credential supplied")
	}
	method, err := auth.authMethod()
	if err != nil {
		return nil, err
	}
	if port <= 0 {
		port = 22
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{method},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         DialTimeout,
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, dialErr := ssh.Dial("tcp", addr, cfg)
		done <- dialResult{client, dialErr}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to %s: %w", logutil.Sanitize(addr), ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect to %s: %w", logutil.Sanitize(addr), r.err)
		}
		return r.client, nil
	}
}

// Adapter owns one SSH session's PTY-backed shell channel.
type Adapter struct {
	client  *ssh.Client
	session *ssh.Session

	stdin  io.WriteCloser
	stdout io.Reader

	mu     sync.Mutex
	closed bool
}

// Open starts an interactive shell over an already-dialed client, requests a
// PTY in canonical mode (server echo disabled), and synchronously injects the
// prompt-stabilizing init sequence. The returned Adapter is ready for
// Write/Read once Open returns.
func Open(client *ssh.Client) (*Adapter, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create SSH session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0, // server-side echo disabled; the Filter owns echo.
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(TermType, defaultRows, defaultCols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request PTY: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	a := &Adapter{client: client, session: session, stdin: stdin, stdout: stdout}

	if err := a.injectInitSequence(); err != nil {
		a.Close()
		return nil, err
	}
	time.Sleep(initReadyDelay)

	return a, nil
}

// injectInitSequence writes the three canonical-mode setup lines, redirecting
// each to /dev/null so their own textual echo never reaches downstream
// consumers. The filter discards everything before the first canonical
// prompt anyway; redirecting also keeps the PTY's own transcript clean for
// anyone tailing it directly.
func (a *Adapter) injectInitSequence() error {
	lines := []string{
		"stty -echo > /dev/null 2>&1",
		`export PS1='[\u@\h \w]\$ ' > /dev/null 2>&1`,
		"unset PROMPT_COMMAND > /dev/null 2>&1",
	}
	for _, line := range lines {
		if _, err := a.stdin.Write([]byte(line + "\n")); err != nil {
			return fmt.Errorf("inject init sequence: %w", err)
		}
	}
	return nil
}

// Write sends raw bytes to the shell's stdin: command submission, or a
// single control byte such as 0x03 (interrupt).
func (a *Adapter) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, fmt.Errorf("adapter closed")
	}
	return a.stdin.Write(p)
}

// Interrupt writes the interrupt control character (Ctrl-C, 0x03). This is
// the path used for browser-channel cancellation, and the fallback for
// tool-channel cancellation when the transport does not honor SendSignal.
func (a *Adapter) Interrupt() error {
	_, err := a.Write([]byte{0x03})
	return err
}

// SendSignal makes a best-effort attempt to deliver a named POSIX signal over
// the SSH channel's signal request. Most servers (including OpenSSH) do not
// implement this request for interactive shells, so on any error the caller
// should fall back to Interrupt.
func (a *Adapter) SendSignal(sig ssh.Signal) error {
	a.mu.Lock()
	session := a.session
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return fmt.Errorf("adapter closed")
	}
	return session.Signal(sig)
}

// Read returns the reader side of the shell's combined stdout/stderr stream.
// It is the only producer of bytes into the Echo & Prompt Filter and must be
// consumed by exactly one goroutine.
func (a *Adapter) Read() io.Reader {
	return a.stdout
}

// Resize propagates a window-size change to the remote PTY.
func (a *Adapter) Resize(cols, rows uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("adapter closed")
	}
	return a.session.WindowChange(int(rows), int(cols))
}

// Close terminates the shell, its SSH session, and the underlying client
// connection. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	if a.stdin != nil {
		if err := a.stdin.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.session.Close(); err != nil && firstErr == nil && err != io.EOF {
		firstErr = err
	}
	if err := a.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ExitCodeMarker is appended to submitted commands so the filter can recover
// the exit status out-of-band. The marker line is parsed and elided from the
// normalized stream.
const ExitCodeMarker = "__rc:"

// WrapCommand appends the exit-code marker mechanism to a user command. The
// marker line itself is recognized and parsed by termfilter, which owns the
// normalized stream's line-by-line processing; this package only defines the
// wire convention both sides agree on.
func WrapCommand(command string) string {
	return command + "; echo " + ExitCodeMarker + "$?"
}
