// Package webserver implements the single-port HTTP and WebSocket surface:
// the terminal emulator pages, the per-session Subscriber socket, and the
// session-agnostic monitoring socket.
//
// The handler layer submits messages to the Session and subscribes to its
// broadcast stream; it never reaches into session state directly. Each
// WebSocket runs one write pump (sole writer on the connection) and one
// read pump.
package webserver

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/LightspeedDMS/ssh-mcp/internal/broadcast"
	"github.com/LightspeedDMS/ssh-mcp/internal/logutil"
	"github.com/LightspeedDMS/ssh-mcp/internal/model"
	"github.com/LightspeedDMS/ssh-mcp/internal/session"
)

//go:embed static/index.html
var staticFS embed.FS

// readLimit bounds a single inbound WebSocket message.
const readLimit = 1024 * 1024

// monitoringInterval is how often the monitoring socket re-sends the session
// list.
const monitoringInterval = 2 * time.Second

// Server is the HTTP/WS listener for one process.
type Server struct {
	registry *session.Registry
	host     string
	portFile string

	httpSrv  *http.Server
	listener net.Listener
	baseURL  string
}

// New creates a Server routing against the given Registry. host is the
// hostname used in published monitoring URLs; portFile is where the bound
// port is written at startup.
func New(reg *session.Registry, host, portFile string) *Server {
	s := &Server{registry: reg, host: host, portFile: portFile}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/", s.serveIndex)
	r.Get("/session/{name}", s.serveSessionPage)
	r.Get("/ws/monitoring", s.monitoringWS)
	r.Get("/ws/session/{name}", s.sessionWS)

	s.httpSrv = &http.Server{Handler: r}
	return s
}

// Start binds port (0 for ephemeral), writes the port file, and begins
// serving in the background. It returns the base URL of the surface.
func (s *Server) Start(port int) (string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", fmt.Errorf("bind web port: %w", err)
	}
	s.listener = ln

	bound := ln.Addr().(*net.TCPAddr).Port
	if err := os.WriteFile(s.portFile, []byte(fmt.Sprintf("%d\n", bound)), 0o644); err != nil {
		ln.Close()
		return "", fmt.Errorf("write port file: %w", err)
	}

	s.baseURL = fmt.Sprintf("http://%s:%d", s.host, bound)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("web server: %v", err)
		}
	}()
	log.Printf("web surface listening on %s", s.baseURL)
	return s.baseURL, nil
}

// BaseURL returns the published base URL, empty before Start.
func (s *Server) BaseURL() string { return s.baseURL }

// Close shuts the listener down and removes the port file. The port file is
// removed on every exit path reachable from SIGTERM, so it is unconditional
// here even if Shutdown errors.
func (s *Server) Close(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if rmErr := os.Remove(s.portFile); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	s.servePage(w)
}

func (s *Server) serveSessionPage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.registry.Get(name); err != nil {
		http.NotFound(w, r)
		return
	}
	s.servePage(w)
}

func (s *Server) servePage(w http.ResponseWriter) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// --- WebSocket message taxonomy ---

// inboundMsg is the superset envelope of every client→server message; the
// Type discriminator selects which fields are meaningful. Parsing happens
// here and nowhere else.
type inboundMsg struct {
	Type        string       `json:"type"`
	SessionName string       `json:"sessionName,omitempty"`
	Command     string       `json:"command,omitempty"`
	CommandID   string       `json:"commandId,omitempty"`
	Source      model.Source `json:"source,omitempty"`
	Data        string       `json:"data,omitempty"`
	Signal      string       `json:"signal,omitempty"`
	Cols        uint16       `json:"cols,omitempty"`
	Rows        uint16       `json:"rows,omitempty"`
}

type terminalOutputMsg struct {
	Type      string       `json:"type"`
	Data      string       `json:"data"`
	Source    model.Source `json:"source,omitempty"`
	Timestamp int64        `json:"timestamp"`
	Sequence  uint64       `json:"sequence"`
}

type lockStateMsg struct {
	Type      string       `json:"type"`
	IsLocked  bool         `json:"isLocked"`
	CommandID string       `json:"commandId,omitempty"`
	Source    model.Source `json:"source,omitempty"`
}

type terminalReadyMsg struct {
	Type string `json:"type"`
}

type commandErrorMsg struct {
	Type         string       `json:"type"`
	CommandID    string       `json:"commandId,omitempty"`
	Source       model.Source `json:"source,omitempty"`
	ErrorMessage string       `json:"errorMessage"`
}

type malformedHandledMsg struct {
	Type string `json:"type"`
}

type sessionListMsg struct {
	Type     string            `json:"type"`
	Sessions []session.Summary `json:"sessions"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// sessionWS upgrades to a per-session Subscriber socket: history replay
// first, then live chunks, then whatever the browser sends back.
func (s *Server) sessionWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sess, lookupErr := s.registry.Get(name)
	if lookupErr != nil {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("accept session websocket for %s: %v", logutil.Sanitize(name), err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, snapshot, lastSeq := sess.AttachSubscriber()
	defer sub.Detach()

	out := make(chan any, broadcast.QueueCapacity)

	// Replay before anything live: the snapshot is the socket's first
	// message, then the current lock state so a mid-command attach renders
	// a locked terminal.
	out <- terminalOutputMsg{Type: "terminal_output", Data: string(snapshot), Timestamp: nowMillis(), Sequence: lastSeq}
	locked, cmdID, src := sess.LockState()
	out <- lockStateMsg{Type: "terminal_lock_state", IsLocked: locked, CommandID: cmdID, Source: src}

	go s.forwardSubscriber(ctx, sub, out, cancel)
	go writePump(ctx, conn, out, cancel)

	s.readPump(ctx, conn, sess, out)
}

// forwardSubscriber moves the subscriber's chunk and control streams onto
// the socket's outbound channel until the subscriber dies or the socket
// closes.
func (s *Server) forwardSubscriber(ctx context.Context, sub *broadcast.Subscriber, out chan<- any, cancel context.CancelFunc) {
	defer cancel()
	chunks := sub.Chunks()
	control := sub.Control()

	forward := func(msg any) bool {
		select {
		case out <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		// Output chunks drain ahead of control messages: a lock-state
		// change is published after the chunks it follows, and must not
		// overtake them on the socket.
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if !forward(terminalOutputMsg{Type: "terminal_output", Data: string(chunk.Data), Timestamp: nowMillis(), Sequence: chunk.Seq}) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if !forward(terminalOutputMsg{Type: "terminal_output", Data: string(chunk.Data), Timestamp: nowMillis(), Sequence: chunk.Seq}) {
				return
			}
		case ctl, ok := <-control:
			if !ok {
				return
			}
			if msg := controlToMsg(ctl); msg != nil {
				if !forward(msg) {
					return
				}
			}
		}
	}
}

// controlToMsg maps a broadcast control message onto its wire variant.
func controlToMsg(ctl broadcast.ControlMessage) any {
	data, _ := ctl.Data.(map[string]any)
	switch ctl.Kind {
	case "terminal_lock_state":
		msg := lockStateMsg{Type: "terminal_lock_state"}
		if v, ok := data["isLocked"].(bool); ok {
			msg.IsLocked = v
		}
		if v, ok := data["commandId"].(string); ok {
			msg.CommandID = v
		}
		if v, ok := data["source"].(model.Source); ok {
			msg.Source = v
		}
		return msg
	case "terminal_ready":
		return terminalReadyMsg{Type: "terminal_ready"}
	case "command_error":
		msg := commandErrorMsg{Type: "command_error"}
		if v, ok := data["commandId"].(string); ok {
			msg.CommandID = v
		}
		if v, ok := data["source"].(model.Source); ok {
			msg.Source = v
		}
		if v, ok := data["errorMessage"].(string); ok {
			msg.ErrorMessage = v
		}
		return msg
	default:
		return nil
	}
}

// writePump is the sole writer on the connection.
func writePump(ctx context.Context, conn *websocket.Conn, out <-chan any, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// readPump parses and dispatches inbound messages until the socket closes.
// A malformed or unrecognized message is acknowledged and dropped; the
// socket stays open.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session, out chan<- any) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if msgType == websocket.MessageBinary {
			// Binary frames are raw keystrokes, same as terminal_input_raw.
			if err := sess.WriteRaw(data); err != nil {
				s.sendCommandError(ctx, out, "", "", err.Error())
			}
			continue
		}

		var msg inboundMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("session %s: malformed ws message dropped: %v", logutil.Sanitize(sess.Name()), err)
			s.send(ctx, out, malformedHandledMsg{Type: "malformed_message_handled"})
			continue
		}

		switch msg.Type {
		case "terminal_input":
			if msg.Command == "" {
				s.send(ctx, out, malformedHandledMsg{Type: "malformed_message_handled"})
				continue
			}
			src := msg.Source
			if !src.Valid() {
				src = model.SourceUser
			}
			// Submission blocks until the command resolves; run it off the
			// read pump so keystrokes and signals keep flowing meanwhile.
			go func(command, commandID string, src model.Source) {
				_, execErr := sess.SubmitBrowserCommand(ctx, command, commandID)
				if execErr != nil {
					s.sendCommandError(ctx, out, commandID, src, execErr.Error())
					s.send(ctx, out, lockStateMsg{Type: "terminal_lock_state", IsLocked: false, CommandID: commandID, Source: src})
				}
			}(msg.Command, msg.CommandID, src)

		case "terminal_input_raw":
			if err := sess.WriteRaw([]byte(msg.Data)); err != nil {
				s.sendCommandError(ctx, out, "", "", err.Error())
			}

		case "terminal_signal":
			if msg.Signal != "SIGINT" {
				s.send(ctx, out, malformedHandledMsg{Type: "malformed_message_handled"})
				continue
			}
			if cancelErr := sess.Cancel(); cancelErr != nil {
				s.sendCommandError(ctx, out, "", "", cancelErr.Error())
			}

		case "terminal_resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				s.send(ctx, out, malformedHandledMsg{Type: "malformed_message_handled"})
				continue
			}
			if err := sess.Resize(msg.Cols, msg.Rows); err != nil {
				s.sendCommandError(ctx, out, "", "", err.Error())
			}

		case "request_state_recovery":
			snapshot, lastSeq := sess.HistorySnapshot()
			s.send(ctx, out, terminalOutputMsg{Type: "terminal_output", Data: string(snapshot), Timestamp: nowMillis(), Sequence: lastSeq})
			locked, cmdID, src := sess.LockState()
			s.send(ctx, out, lockStateMsg{Type: "terminal_lock_state", IsLocked: locked, CommandID: cmdID, Source: src})

		default:
			s.send(ctx, out, malformedHandledMsg{Type: "malformed_message_handled"})
		}
	}
}

func (s *Server) send(ctx context.Context, out chan<- any, msg any) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

func (s *Server) sendCommandError(ctx context.Context, out chan<- any, commandID string, src model.Source, errMsg string) {
	s.send(ctx, out, commandErrorMsg{Type: "command_error", CommandID: commandID, Source: src, ErrorMessage: errMsg})
}

// monitoringWS upgrades to the session-agnostic monitoring socket: a
// periodic session-list feed.
func (s *Server) monitoringWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("accept monitoring websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan any, 16)
	out <- sessionListMsg{Type: "session_list", Sessions: s.registry.List()}

	go writePump(ctx, conn, out, cancel)

	go func() {
		ticker := time.NewTicker(monitoringInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.send(ctx, out, sessionListMsg{Type: "session_list", Sessions: s.registry.List()})
			}
		}
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText || !json.Valid(data) {
			s.send(ctx, out, malformedHandledMsg{Type: "malformed_message_handled"})
		}
	}
}
