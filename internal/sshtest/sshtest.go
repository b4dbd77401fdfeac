// Package sshtest runs an in-process SSH server backed by a small shell
// emulator that speaks the canonical prompt convention. It exists for tests
// across the repository; nothing in the serving path imports it.
//
// The server accepts password authentication, answers pty-req and
// window-change requests, swallows the client's prompt-stabilizing init
// sequence, and then evaluates a fixed vocabulary of commands
// (whoami, pwd, echo, date, sleep, true, false) with CR-LF output, an
// optional "__rc:N" marker line for wrapped commands, and a canonical
// prompt after each one. SIGINT, whether delivered as a channel signal
// request or as a raw 0x03 byte, interrupts a running sleep the way an
// interactive shell would: "^C", fresh prompt, no marker.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// User and Password are the only accepted credentials.
	User     = "testuser"
	Password = "secret"

	hostname = "box"
	homeDir  = "~"
)

// prompt is the canonical prompt the emulator prints, matching the form the
// client's PS1 export requests.
const prompt = "[" + User + "@" + hostname + " " + homeDir + "]$ "

// initLineCount is how many setup lines the emulator swallows before the
// first prompt (stty, PS1 export, PROMPT_COMMAND unset).
const initLineCount = 3

// Server is one listening test SSH server.
type Server struct {
	listener net.Listener
	host     string
	port     int

	mu        sync.Mutex
	conns     []net.Conn
	ptyTerm   string
	ptyCols   uint32
	ptyRows   uint32
	ptyModes  map[uint8]uint32
	initLines []string
	resizes   [][2]uint32
}

// Start launches a server on an ephemeral localhost port.
func Start() (*Server, error) {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		return nil, fmt.Errorf("create host signer: %w", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() == User && string(pass) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong credentials")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	addr := ln.Addr().(*net.TCPAddr)
	s := &Server{
		listener: ln,
		host:     "127.0.0.1",
		port:     addr.Port,
		ptyModes: make(map[uint8]uint32),
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go s.handleConn(conn, cfg)
		}
	}()

	return s, nil
}

// Addr returns the host and port the server listens on.
func (s *Server) Addr() (string, int) { return s.host, s.port }

// Close stops the listener and drops every live connection.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// PTYRequest returns the most recent pty-req's parameters.
func (s *Server) PTYRequest() (term string, cols, rows uint32, modes map[uint8]uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[uint8]uint32, len(s.ptyModes))
	for k, v := range s.ptyModes {
		m[k] = v
	}
	return s.ptyTerm, s.ptyCols, s.ptyRows, m
}

// InitLines returns the init-sequence lines the emulator swallowed.
func (s *Server) InitLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.initLines...)
}

// Resizes returns every window-change received, oldest first.
func (s *Server) Resizes() [][2]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint32(nil), s.resizes...)
}

func (s *Server) handleConn(netConn net.Conn, cfg *ssh.ServerConfig) {
	defer netConn.Close()
	srvConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	sh := &shell{ch: ch, interrupt: make(chan struct{}, 1)}

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			term, cols, rows, modes := parsePTYReq(req.Payload)
			s.mu.Lock()
			s.ptyTerm, s.ptyCols, s.ptyRows, s.ptyModes = term, cols, rows, modes
			s.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go s.handlePostShellRequests(reqs, sh)
			sh.run(s)
			return

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				s.mu.Lock()
				s.resizes = append(s.resizes, [2]uint32{cols, rows})
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// handlePostShellRequests services window-change and signal requests that
// arrive while the shell loop owns the channel.
func (s *Server) handlePostShellRequests(reqs <-chan *ssh.Request, sh *shell) {
	for req := range reqs {
		switch req.Type {
		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				s.mu.Lock()
				s.resizes = append(s.resizes, [2]uint32{cols, rows})
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "signal":
			var sig struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &sig); err == nil && sig.Name == "INT" {
				sh.sendInterrupt()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// shell is the per-channel emulator state.
type shell struct {
	ch        ssh.Channel
	interrupt chan struct{}
}

func (sh *shell) sendInterrupt() {
	select {
	case sh.interrupt <- struct{}{}:
	default:
	}
}

func (sh *shell) write(text string) {
	sh.ch.Write([]byte(text))
}

// run reads input bytes, assembles lines, and evaluates them until the
// channel closes. Echo is off, matching the requested terminal mode.
func (sh *shell) run(s *Server) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		buf := make([]byte, 4096)
		var pending []byte
		for {
			n, err := sh.ch.Read(buf)
			if n > 0 {
				for _, b := range buf[:n] {
					switch b {
					case 0x03:
						sh.sendInterrupt()
						pending = pending[:0]
					case '\n':
						// Forget interrupts that came before this line was
						// complete; one that follows it must reach the command.
						select {
						case <-sh.interrupt:
						default:
						}
						lines <- string(pending)
						pending = pending[:0]
					case '\r':
						// swallow
					default:
						pending = append(pending, b)
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	seen := 0
	for line := range lines {
		if seen < initLineCount {
			seen++
			s.mu.Lock()
			s.initLines = append(s.initLines, line)
			s.mu.Unlock()
			if seen == initLineCount {
				sh.write(prompt)
			}
			continue
		}
		sh.eval(line)
	}
}

// eval runs one submitted line: optional "; echo __rc:$?" wrapper, a small
// command vocabulary, then marker and prompt.
func (sh *shell) eval(line string) {
	const rcSuffix = "; echo __rc:$?"
	wantRC := strings.HasSuffix(line, rcSuffix)
	cmd := strings.TrimSuffix(line, rcSuffix)
	cmd = strings.TrimSpace(cmd)

	rc := 0
	switch {
	case cmd == "":
	case cmd == "whoami":
		sh.write(User + "\r\n")
	case cmd == "pwd":
		sh.write("/home/" + User + "\r\n")
	case cmd == "date":
		sh.write("Thu Jan  1 00:00:00 UTC 1970\r\n")
	case cmd == "true":
	case cmd == "false":
		rc = 1
	case strings.HasPrefix(cmd, "echo "):
		arg := strings.TrimPrefix(cmd, "echo ")
		arg = strings.Trim(arg, `"'`)
		sh.write(arg + "\r\n")
	case strings.HasPrefix(cmd, "sleep "):
		if sh.sleep(cmd) {
			// Interrupted: ^C and a fresh prompt, but no marker line,
			// since the whole list including the rc echo was aborted.
			sh.write("^C\r\n")
			sh.write(prompt)
			return
		}
	default:
		sh.write("sh: " + strings.Fields(cmd)[0] + ": command not found\r\n")
		rc = 127
	}

	if wantRC {
		sh.write("__rc:" + strconv.Itoa(rc) + "\r\n")
	}
	sh.write(prompt)
}

// sleep waits for the requested duration or an interrupt; it reports whether
// it was interrupted.
func (sh *shell) sleep(cmd string) bool {
	secs, err := strconv.ParseFloat(strings.TrimPrefix(cmd, "sleep "), 64)
	if err != nil {
		secs = 1
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-sh.interrupt:
		return true
	}
}

// parsePTYReq parses the pty-req payload: string(term), uint32 cols, rows,
// pixel dims, then encoded terminal modes.
func parsePTYReq(payload []byte) (term string, cols, rows uint32, modes map[uint8]uint32) {
	modes = make(map[uint8]uint32)
	if len(payload) < 4 {
		return
	}
	termLen := binary.BigEndian.Uint32(payload[0:4])
	payload = payload[4:]
	if uint32(len(payload)) < termLen {
		return
	}
	term = string(payload[:termLen])
	payload = payload[termLen:]

	if len(payload) < 16 {
		return
	}
	cols = binary.BigEndian.Uint32(payload[0:4])
	rows = binary.BigEndian.Uint32(payload[4:8])
	payload = payload[16:]

	if len(payload) < 4 {
		return
	}
	modesLen := binary.BigEndian.Uint32(payload[0:4])
	payload = payload[4:]
	if uint32(len(payload)) < modesLen {
		return
	}
	modesData := payload[:modesLen]
	for len(modesData) >= 5 {
		opcode := modesData[0]
		if opcode == 0 { // TTY_OP_END
			break
		}
		modes[opcode] = binary.BigEndian.Uint32(modesData[1:5])
		modesData = modesData[5:]
	}
	return
}
