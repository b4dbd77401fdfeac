// Package session implements the Session and the Registry. A Session is
// the aggregate root owning one named SSH shell's adapter, filter, history,
// broadcaster, browser-command buffer, and executor, plus the dedicated
// reader goroutine that feeds raw shell output through the pipeline. The
// Registry is the mutex-guarded name-to-session map the rest of the
// process operates against.
package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/LightspeedDMS/ssh-mcp/internal/broadcast"
	"github.com/LightspeedDMS/ssh-mcp/internal/browserbuf"
	"github.com/LightspeedDMS/ssh-mcp/internal/executor"
	"github.com/LightspeedDMS/ssh-mcp/internal/history"
	"github.com/LightspeedDMS/ssh-mcp/internal/logutil"
	"github.com/LightspeedDMS/ssh-mcp/internal/model"
	"github.com/LightspeedDMS/ssh-mcp/internal/sshadapter"
	"github.com/LightspeedDMS/ssh-mcp/internal/termfilter"
)

// readChunkSize is the buffer size used by the session's dedicated reader
// goroutine when pulling bytes off the Adapter.
const readChunkSize = 8192

// promptWait bounds how long connect waits for the remote shell to settle
// into the canonical prompt after the init sequence.
const promptWait = 5 * time.Second

// shellAdapter is the surface of *sshadapter.Adapter the Session drives.
// Session tests substitute an in-memory shell behind the same interface.
type shellAdapter interface {
	Write(p []byte) (int, error)
	Interrupt() error
	SendSignal(sig ssh.Signal) error
	Read() io.Reader
	Resize(cols, rows uint16) error
	Close() error
}

// Summary is the read-only connection summary returned by `list`, copied
// into the `connect` result, and sent on the monitoring socket's session
// list feed.
type Summary struct {
	Name         string      `json:"name"`
	Host         string      `json:"host"`
	Username     string      `json:"username"`
	Status       model.State `json:"status"`
	LastActivity int64       `json:"lastActivity"` // unix millis
}

// Session owns one SSH shell and every collaborator that multiplexes it
// across the tool channel and the browser channel.
type Session struct {
	name     string
	host     string
	port     int
	username string

	mu           sync.Mutex
	state        model.State
	lastActivity int64 // unix millis, atomic-accessed via helper below

	adapter     shellAdapter
	filter      *termfilter.Filter
	history     *history.Buffer
	broadcaster *broadcast.Broadcaster
	browserBuf  *browserbuf.Buffer
	executor    *executor.Executor

	seq uint64 // atomic: sequence number of the last published chunk

	readerDone chan struct{}
}

func newSession(name, host string, port int, username string, historyCap int) *Session {
	h := history.New(historyCap)
	s := &Session{
		name:        name,
		host:        host,
		port:        port,
		username:    username,
		state:       model.StateConnecting,
		history:     h,
		broadcaster: broadcast.New(h),
		browserBuf:  browserbuf.New(),
		readerDone:  make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixMilli())
}

// open dials and opens the shell, wires the Filter/Executor, and starts the
// reader goroutine. Called by the Registry while the session is reserved
// but not yet visible to other callers in the connected state.
func (s *Session) open(ctx context.Context, auth sshadapter.Auth) error {
	client, err := sshadapter.Dial(ctx, s.host, s.port, s.username, auth)
	if err != nil {
		return err
	}
	adapter, err := sshadapter.Open(client)
	if err != nil {
		client.Close()
		return err
	}
	s.start(adapter)

	// Block until the init sequence has drained and the first canonical
	// prompt has been consumed; a command submitted before that point would
	// race the prompt that ends initialization.
	deadline := time.Now().Add(promptWait)
	for !s.filter.Initialized() {
		if time.Now().After(deadline) {
			s.Disconnect()
			return fmt.Errorf("shell did not produce a canonical prompt within %s", promptWait)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// start wires the Filter and Executor around an opened adapter and launches
// the dedicated reader task. Split from open so tests can drive the full
// pipeline against an in-memory shell.
func (s *Session) start(a shellAdapter) {
	s.adapter = a
	s.filter = termfilter.New(s.onChunk, s.onComplete)
	s.executor = executor.New(a, s.filter, s.browserBuf, s.onLockState)

	s.mu.Lock()
	s.state = model.StateConnected
	s.mu.Unlock()

	go s.readLoop()
}

// onChunk is the Filter's ChunkFunc: assigns the next sequence number and
// publishes to the History/Broadcaster under the Broadcaster's own lock.
func (s *Session) onChunk(data []byte) {
	seq := atomic.AddUint64(&s.seq, 1)
	cp := append([]byte(nil), data...)
	s.broadcaster.Publish(seq, cp)
}

// onComplete is the Filter's CompleteFunc, forwarded to the Executor.
func (s *Session) onComplete(result model.CommandResult) {
	s.touch()
	s.executor.Complete(result)
}

// onLockState is the Executor's LockStateFunc, fanned out as a control
// message so every attached WebSocket can render terminal_lock_state /
// terminal_ready without reaching into Executor state directly.
func (s *Session) onLockState(locked bool, commandID string, src model.Source) {
	s.broadcaster.PublishControl(broadcast.ControlMessage{
		Kind: "terminal_lock_state",
		Data: map[string]any{
			"isLocked":  locked,
			"commandId": commandID,
			"source":    src,
		},
	})
	if !locked {
		s.broadcaster.PublishControl(broadcast.ControlMessage{Kind: "terminal_ready"})
	}
}

// readLoop is the session's single dedicated reader task: the only goroutine
// that calls Adapter.Read and the only producer into the Filter.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	buf := make([]byte, readChunkSize)
	r := s.adapter.Read()
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.filter.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("session %s: transport read error: %v", logutil.Sanitize(s.name), err)
			}
			s.handleTransportLost()
			return
		}
	}
}

func (s *Session) handleTransportLost() {
	s.mu.Lock()
	if s.state == model.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = model.StateClosing
	s.mu.Unlock()

	s.executor.Shutdown()
	s.broadcaster.PublishControl(broadcast.ControlMessage{Kind: "command_error", Data: map[string]any{
		"errorMessage": "transport lost",
	}})
	s.broadcaster.CloseAll()

	s.mu.Lock()
	s.state = model.StateClosed
	s.mu.Unlock()
}

// Name, Host, Username, State, LastActivity are read-only accessors for the
// aggregate's identity fields.
func (s *Session) Name() string     { return s.name }
func (s *Session) Host() string     { return s.host }
func (s *Session) Username() string { return s.username }

func (s *Session) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Summary returns the read-only connection summary.
func (s *Session) Summary() Summary {
	return Summary{
		Name:         s.name,
		Host:         s.host,
		Username:     s.username,
		Status:       s.State(),
		LastActivity: atomic.LoadInt64(&s.lastActivity),
	}
}

// ExecTool submits a command on behalf of the tool channel (Source == agent).
func (s *Session) ExecTool(ctx context.Context, command string, timeout time.Duration) (model.CommandResult, *model.Error) {
	if err := s.requireConnected(); err != nil {
		return model.CommandResult{}, err
	}
	s.touch()
	res, execErr := s.executor.Submit(ctx, executor.Request{
		Command:   command,
		CommandID: uuid.NewString(),
		Timeout:   timeout,
		Source:    model.SourceAgent,
		Timestamp: time.Now().UnixMilli(),
	})
	return res, execErr
}

// SubmitBrowserCommand submits a command on behalf of the browser channel
// (Source == user), per a WebSocket terminal_input message.
func (s *Session) SubmitBrowserCommand(ctx context.Context, command, commandID string) (model.CommandResult, *model.Error) {
	if err := s.requireConnected(); err != nil {
		return model.CommandResult{}, err
	}
	if commandID == "" {
		commandID = uuid.NewString()
	}
	s.touch()
	res, execErr := s.executor.Submit(ctx, executor.Request{
		Command:   command,
		CommandID: commandID,
		Source:    model.SourceUser,
		Timestamp: time.Now().UnixMilli(),
	})
	return res, execErr
}

// Cancel requests cancellation of the currently running command.
func (s *Session) Cancel() *model.Error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	return s.executor.Cancel()
}

// WriteRaw forwards unfiltered keystrokes straight to the shell's stdin,
// bypassing the Filter and Executor entirely: no command boundary is known,
// so no echo-injection path can apply.
func (s *Session) WriteRaw(data []byte) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	s.touch()
	_, err := s.adapter.Write(data)
	return err
}

// Resize propagates a terminal window-size change.
func (s *Session) Resize(cols, rows uint16) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	return s.adapter.Resize(cols, rows)
}

// AttachSubscriber attaches a new Subscriber and returns it along with the
// history snapshot it must be sent before any live chunk.
func (s *Session) AttachSubscriber() (*broadcast.Subscriber, []byte, uint64) {
	return s.broadcaster.Subscribe()
}

// HistorySnapshot returns the current history contents and the last stored
// sequence number, used to answer request_state_recovery.
func (s *Session) HistorySnapshot() ([]byte, uint64) {
	return s.history.Snapshot()
}

// LockState reports whether a command is currently holding the terminal
// (running or cancelling) and, if so, its id and source.
func (s *Session) LockState() (locked bool, commandID string, src model.Source) {
	if s.executor == nil {
		return false, "", ""
	}
	st, id, source := s.executor.Current()
	return st != executor.StateIdle, id, source
}

// requireConnected returns a structured error if the session is not in the
// connected state (e.g. a command submitted while connecting or closing).
func (s *Session) requireConnected() *model.Error {
	if s.State() != model.StateConnected {
		return model.NewError(model.ErrTransportLost, fmt.Sprintf("session %q is not connected", s.name))
	}
	return nil
}

// Disconnect transitions the session to closing and tears down every
// collaborator in order: stop accepting new Subscribers, close the SSH
// transport, notify in-flight requests, drop Buffer and History.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == model.StateClosed || s.state == model.StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = model.StateClosing
	s.mu.Unlock()

	if s.broadcaster != nil {
		s.broadcaster.CloseAll()
	}
	if s.adapter != nil {
		s.adapter.Close()
	}
	if s.executor != nil {
		s.executor.Shutdown()
	}

	select {
	case <-s.readerDone:
	case <-time.After(2 * time.Second):
	}

	s.mu.Lock()
	s.state = model.StateClosed
	s.mu.Unlock()
}
